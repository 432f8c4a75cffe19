package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// VersionRecord is the persisted sync state of the dataset.
type VersionRecord struct {
	DatasetVersion string            `json:"dataset_version" bson:"dataset_version"`
	Collections    map[string]string `json:"collections" bson:"collections"`
	LastSyncedAt   *time.Time        `json:"last_synced_at,omitempty" bson:"last_synced_at,omitempty"`
}

// DefaultVersionRecord is the record reported before anything was persisted.
func DefaultVersionRecord() VersionRecord {
	return VersionRecord{
		DatasetVersion: DefaultDatasetVersion,
		Collections:    map[string]string{},
	}
}

// CollectionVersion returns the applied version for key, if any.
func (r VersionRecord) CollectionVersion(key string) (string, bool) {
	v, ok := r.Collections[key]
	return v, ok
}

func (r VersionRecord) clone() VersionRecord {
	out := VersionRecord{
		DatasetVersion: r.DatasetVersion,
		Collections:    make(map[string]string, len(r.Collections)),
	}
	for k, v := range r.Collections {
		out.Collections[k] = v
	}
	if r.LastSyncedAt != nil {
		t := *r.LastSyncedAt
		out.LastSyncedAt = &t
	}
	return out
}

func (r *VersionRecord) normalize() {
	if r.DatasetVersion == "" {
		r.DatasetVersion = DefaultDatasetVersion
	}
	if r.Collections == nil {
		r.Collections = map[string]string{}
	}
}

// VersionStore persists the applied dataset and collection versions across
// process restarts.
//
// SetCollectionVersion must only be called after the matching payload has
// been durably written to the ContentCache. Get returns DefaultVersionRecord
// when nothing has been stored yet or the stored record cannot be decoded;
// neither is an error.
type VersionStore interface {
	Get(ctx context.Context) (VersionRecord, error)
	SetCollectionVersion(ctx context.Context, key, version string) error
	ClearCollectionVersion(ctx context.Context, key string) error
	SetDatasetVersion(ctx context.Context, version string) error
	SetLastSyncedAt(ctx context.Context, t time.Time) error
	Reset(ctx context.Context) error
}

// MemoryVersionStore keeps the record in process memory. It does not survive
// restarts and is meant for tests and ephemeral tooling.
type MemoryVersionStore struct {
	mu     sync.Mutex
	record VersionRecord
}

func NewMemoryVersionStore() *MemoryVersionStore {
	return &MemoryVersionStore{record: DefaultVersionRecord()}
}

func (s *MemoryVersionStore) Get(ctx context.Context) (VersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.normalize()
	return s.record.clone(), nil
}

func (s *MemoryVersionStore) update(ctx context.Context, fn func(*VersionRecord)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.normalize()
	fn(&s.record)
	return nil
}

func (s *MemoryVersionStore) SetCollectionVersion(ctx context.Context, key, version string) error {
	return s.update(ctx, func(r *VersionRecord) { r.Collections[key] = version })
}

func (s *MemoryVersionStore) ClearCollectionVersion(ctx context.Context, key string) error {
	return s.update(ctx, func(r *VersionRecord) { delete(r.Collections, key) })
}

func (s *MemoryVersionStore) SetDatasetVersion(ctx context.Context, version string) error {
	return s.update(ctx, func(r *VersionRecord) { r.DatasetVersion = version })
}

func (s *MemoryVersionStore) SetLastSyncedAt(ctx context.Context, t time.Time) error {
	return s.update(ctx, func(r *VersionRecord) {
		t = t.UTC()
		r.LastSyncedAt = &t
	})
}

func (s *MemoryVersionStore) Reset(ctx context.Context) error {
	return s.update(ctx, func(r *VersionRecord) { *r = DefaultVersionRecord() })
}

// FileVersionStore persists the record as a single JSON document. Every
// mutation rewrites the document with writeFileAtomic. A document that no
// longer decodes reads as DefaultVersionRecord and is replaced by the next
// mutation.
type FileVersionStore struct {
	Path   string
	Logger *slog.Logger

	mu sync.Mutex
}

func NewFileVersionStore(path string) (*FileVersionStore, error) {
	if path == "" {
		return nil, fmt.Errorf("version store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create version store dir: %w", err)
	}
	return &FileVersionStore{Path: path}, nil
}

func (s *FileVersionStore) Get(ctx context.Context) (VersionRecord, error) {
	if err := ctx.Err(); err != nil {
		return VersionRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *FileVersionStore) loadLocked() (VersionRecord, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultVersionRecord(), nil
		}
		return VersionRecord{}, fmt.Errorf("read version record: %w", err)
	}
	var rec VersionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger().Warn("discarding undecodable version record", "path", s.Path, "error", err)
		return DefaultVersionRecord(), nil
	}
	rec.normalize()
	return rec, nil
}

func (s *FileVersionStore) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *FileVersionStore) update(ctx context.Context, fn func(*VersionRecord)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.loadLocked()
	if err != nil {
		return err
	}
	fn(&rec)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.Path, data); err != nil {
		return fmt.Errorf("write version record: %w", err)
	}
	return nil
}

func (s *FileVersionStore) SetCollectionVersion(ctx context.Context, key, version string) error {
	return s.update(ctx, func(r *VersionRecord) { r.Collections[key] = version })
}

func (s *FileVersionStore) ClearCollectionVersion(ctx context.Context, key string) error {
	return s.update(ctx, func(r *VersionRecord) { delete(r.Collections, key) })
}

func (s *FileVersionStore) SetDatasetVersion(ctx context.Context, version string) error {
	return s.update(ctx, func(r *VersionRecord) { r.DatasetVersion = version })
}

func (s *FileVersionStore) SetLastSyncedAt(ctx context.Context, t time.Time) error {
	return s.update(ctx, func(r *VersionRecord) {
		t = t.UTC()
		r.LastSyncedAt = &t
	})
}

func (s *FileVersionStore) Reset(ctx context.Context) error {
	return s.update(ctx, func(r *VersionRecord) { *r = DefaultVersionRecord() })
}
