// Package urlgen derives the canonical retrieval URL of an asset and
// resolves locators back to asset ids.
package urlgen

import (
	"fmt"
	"strings"

	"github.com/cbrewster/assetstore/internal/metastore"
)

// Generator builds URLs of the form <scheme>://<host>/asset/<id>.
type Generator struct {
	Scheme string
	Host   string
}

func New(scheme, host string) Generator {
	return Generator{Scheme: scheme, Host: host}
}

// URL returns the canonical URL of an asset.
func (g Generator) URL(id metastore.ID) string {
	return fmt.Sprintf("%s://%s/asset/%s", g.Scheme, g.Host, id)
}

// ParseLocator extracts the asset id from a URL or path: everything after
// the last slash, with any query suffix removed. A slash inside the query
// therefore makes the locator malformed.
func ParseLocator(locator string) (metastore.ID, error) {
	last := locator[strings.LastIndex(locator, "/")+1:]
	last, _, _ = strings.Cut(last, "?")

	id, err := metastore.ParseID(last)
	if err != nil {
		return metastore.ID{}, fmt.Errorf("%w: %q", metastore.ErrMalformedLocator, locator)
	}
	return id, nil
}
