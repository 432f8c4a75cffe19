// The content cache holds the most recently accepted payload for each
// collection, independent of the bundled copy.
//
// System fit:
//
//   - The FallbackReader consults it first; a hit never touches the bundle or
//     the network.
//   - The Syncer writes it before recording the collection's version, so a
//     version record is never ahead of the bytes a reader would get.
//   - The directory lives under an OS-purgeable cache location. A miss is a
//     routine outcome and never an error.
//
// Safety guarantees:
//
//   - Writes go to a temp file in the same directory, are fsynced, then
//     renamed over the destination. Readers see the old or the new payload,
//     never a partial one.
//   - Leftover temp files from a crash are invisible to Read and List.

package content

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// CacheEntry describes one cached collection payload.
type CacheEntry struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ContentCache is the on-disk payload cache abstraction.
type ContentCache interface {
	// Read returns ok=false when no payload is cached for key.
	Read(ctx context.Context, key string) (data []byte, ok bool, err error)
	// Write atomically replaces the payload for key.
	Write(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	List(ctx context.Context) ([]CacheEntry, error)
}

// DiskCache implements ContentCache with one file per collection.
type DiskCache struct {
	Dir string
}

// NewDiskCache creates dir if needed and returns a cache rooted there.
func NewDiskCache(dir string) (*DiskCache, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", dir, err)
	}
	return &DiskCache{Dir: dir}, nil
}

func (c *DiskCache) path(key string) string {
	return filepath.Join(c.Dir, cacheFileName(key))
}

func (c *DiskCache) Read(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}

	data, err := os.ReadFile(c.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read cache %s: %w", key, err)
	}
	return data, true, nil
}

func (c *DiskCache) Write(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir %s: %w", c.Dir, err)
	}
	if err := writeFileAtomic(c.path(key), data); err != nil {
		return fmt.Errorf("write cache %s: %w", key, err)
	}
	return nil
}

func (c *DiskCache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	err := os.Remove(c.path(key))
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("delete cache %s: %w", key, err)
}

// Clear removes every cached payload and any leftover temp files.
func (c *DiskCache) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("clear cache: %w", err)
	}

	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || (!strings.HasSuffix(entry.Name(), ".json") && !isTempName(entry.Name())) {
			continue
		}
		if err := os.Remove(filepath.Join(c.Dir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("clear cache: %w", errors.Join(errs...))
	}
	return nil
}

func (c *DiskCache) List(ctx context.Context) ([]CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(c.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []CacheEntry{}, nil
		}
		return nil, fmt.Errorf("list cache: %w", err)
	}

	items := make([]CacheEntry, 0, len(dirEntries))
	for _, entry := range dirEntries {
		name := entry.Name()
		if entry.IsDir() || isTempName(name) || !strings.HasSuffix(name, ".json") {
			continue
		}
		key := strings.TrimSuffix(name, ".json")
		if ValidateKey(key) != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// purged between ReadDir and Info
			continue
		}
		items = append(items, CacheEntry{
			Key:       key,
			Size:      info.Size(),
			UpdatedAt: info.ModTime().UTC(),
		})
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].Key < items[j].Key
	})
	return items, nil
}

func isTempName(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp-")
}

// writeFileAtomic writes data to a hidden temp file next to dest, fsyncs it,
// renames it into place and fsyncs the directory.
func writeFileAtomic(dest string, data []byte) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// directory fsync is unsupported on some platforms; the rename itself is
	// already atomic there.
	_ = d.Sync()
	return nil
}
