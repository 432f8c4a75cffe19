package content

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// Bundle is the read-only set of payloads shipped with the binary.
// Read returns an error wrapping ErrBundleMiss when key is not bundled.
type Bundle interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Keys() []string
}

// FSBundle serves <Dir>/<key>.json from an fs.FS, typically an embed.FS.
type FSBundle struct {
	FS  fs.FS
	Dir string
}

func NewFSBundle(fsys fs.FS, dir string) *FSBundle {
	return &FSBundle{FS: fsys, Dir: dir}
}

func (b *FSBundle) name(key string) string {
	if b.Dir == "" || b.Dir == "." {
		return cacheFileName(key)
	}
	return path.Join(b.Dir, cacheFileName(key))
}

func (b *FSBundle) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if b == nil || b.FS == nil {
		return nil, fmt.Errorf("%w: %s", ErrBundleMiss, key)
	}
	data, err := fs.ReadFile(b.FS, b.name(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrBundleMiss, key)
		}
		return nil, fmt.Errorf("read bundle %s: %w", key, err)
	}
	return data, nil
}

// Keys lists the bundled collection keys in sorted order.
func (b *FSBundle) Keys() []string {
	if b == nil || b.FS == nil {
		return nil
	}
	dir := b.Dir
	if dir == "" {
		dir = "."
	}
	entries, err := fs.ReadDir(b.FS, dir)
	if err != nil {
		return nil
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		key := strings.TrimSuffix(name, ".json")
		if ValidateKey(key) == nil {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// emptyBundle is used when no bundle is configured.
type emptyBundle struct{}

func (emptyBundle) Read(_ context.Context, key string) ([]byte, error) {
	return nil, fmt.Errorf("%w: %s", ErrBundleMiss, key)
}

func (emptyBundle) Keys() []string { return nil }
