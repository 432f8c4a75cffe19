package content

import (
	"fmt"
	"path"
	"regexp"
)

var collectionKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,127}$`)

// ValidateKey checks that key can be used as a cache filename and URL segment.
func ValidateKey(key string) error {
	if !collectionKeyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// ConventionPath is the origin path used for a collection when no manifest
// entry is known for it.
func ConventionPath(key string) string {
	return path.Join("data", key+".json")
}

func cacheFileName(key string) string {
	return key + ".json"
}
