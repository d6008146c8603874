package metastore

import "fmt"

// ContentEncoding describes how the stored bytes of an asset are encoded.
type ContentEncoding uint8

const (
	Identity ContentEncoding = iota
	GZIP
)

func (e ContentEncoding) String() string {
	switch e {
	case Identity:
		return "identity"
	case GZIP:
		return "gzip"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(e))
	}
}

// ParseContentEncoding accepts the lower-case label as well as the
// capitalised names used by older clients ("Identity", "GZIP").
func ParseContentEncoding(s string) (ContentEncoding, error) {
	switch s {
	case "identity", "Identity", "":
		return Identity, nil
	case "gzip", "GZIP":
		return GZIP, nil
	default:
		return 0, fmt.Errorf("unknown content encoding: %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (e ContentEncoding) MarshalText() ([]byte, error) {
	if e > GZIP {
		return nil, fmt.Errorf("unknown content encoding: %d", uint8(e))
	}
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *ContentEncoding) UnmarshalText(text []byte) error {
	parsed, err := ParseContentEncoding(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
