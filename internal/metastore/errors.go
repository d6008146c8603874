package metastore

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrNotOwned         = errors.New("not owned by caller")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrEmptyCommit      = fmt.Errorf("no chunks to commit: %w", ErrNotFound)
	ErrAllocation       = errors.New("id space exhausted")
	ErrMalformedLocator = errors.New("malformed asset locator")
	ErrInvalidToken     = errors.New("invalid continuation token")
)
