package content

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"
)

// ChecksumPolicy controls what a size or hash mismatch on a downloaded
// payload does.
type ChecksumPolicy string

const (
	// ChecksumStrict fails the collection on mismatch.
	ChecksumStrict ChecksumPolicy = "strict"
	// ChecksumWarn logs the mismatch and applies the payload anyway.
	ChecksumWarn ChecksumPolicy = "warn"
	// ChecksumOff skips verification.
	ChecksumOff ChecksumPolicy = "off"
)

func ParseChecksumPolicy(s string) (ChecksumPolicy, error) {
	switch p := ChecksumPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return ChecksumStrict, nil
	case ChecksumStrict, ChecksumWarn, ChecksumOff:
		return p, nil
	default:
		return "", fmt.Errorf("unknown checksum policy %q", s)
	}
}

var hexDigestPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// parseContentHash splits a manifest hash into algorithm and lowercase hex
// digest. A bare 64-character hex string is a sha256 digest.
func parseContentHash(h string) (algo, digest string, err error) {
	h = strings.ToLower(strings.TrimSpace(h))
	algo, digest, found := strings.Cut(h, ":")
	if !found {
		algo, digest = "sha256", h
	}
	switch algo {
	case "sha256", "blake3":
	default:
		return "", "", fmt.Errorf("unsupported hash algorithm %q", algo)
	}
	if !hexDigestPattern.MatchString(digest) {
		return "", "", fmt.Errorf("malformed %s digest", algo)
	}
	return algo, digest, nil
}

// ContentHash returns the hash of data in manifest form, e.g. "blake3:<hex>".
func ContentHash(algo string, data []byte) (string, error) {
	switch algo {
	case "sha256":
		sum := sha256.Sum256(data)
		return "sha256:" + hex.EncodeToString(sum[:]), nil
	case "blake3":
		sum := blake3.Sum256(data)
		return "blake3:" + hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm %q", algo)
	}
}

// verifyPayload checks data against the size and hash declared by entry.
// A zero size or empty hash is not checked.
func verifyPayload(entry ManifestEntry, data []byte) error {
	if entry.Size > 0 && int64(len(data)) != entry.Size {
		return fmt.Errorf("%w: %s: size %d, manifest declares %d", ErrChecksumMismatch, entry.Key, len(data), entry.Size)
	}
	if strings.TrimSpace(entry.Hash) == "" {
		return nil
	}
	algo, want, err := parseContentHash(entry.Hash)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrChecksumMismatch, entry.Key, err)
	}
	got, err := ContentHash(algo, data)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrChecksumMismatch, entry.Key, err)
	}
	if got != algo+":"+want {
		return fmt.Errorf("%w: %s: %s digest mismatch", ErrChecksumMismatch, entry.Key, algo)
	}
	return nil
}
