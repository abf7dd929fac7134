// Package blob stores binary artifacts (reading images and certificate
// documents) and addresses each by a URL under a configured base.
package blob

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"atsflow/pkg/platform/sentinel"
)

// DefaultBaseURL is used when no public base URL is configured.
const DefaultBaseURL = "blob://atsflow"

// keyFor returns the key a URL under base refers to.
func keyFor(base, url string) (string, error) {
	key, ok := strings.CutPrefix(url, base+"/")
	if !ok || key == "" || strings.Contains(key, "/") {
		return "", fmt.Errorf("blob url %q: %w", url, sentinel.ErrNotFound)
	}
	return key, nil
}

func newKey() string {
	return uuid.NewString()
}

func urlFor(base, key string) string {
	return base + "/" + key
}

func normalizeBase(base string) string {
	base = strings.TrimRight(base, "/")
	if base == "" {
		return DefaultBaseURL
	}
	return base
}
