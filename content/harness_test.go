package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testJob struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type testJobsDoc struct {
	Version string    `json:"version"`
	Jobs    []testJob `json:"jobs"`
}

func (d testJobsDoc) Validate() error {
	if d.Jobs == nil {
		return errors.New("jobs is required")
	}
	return nil
}

func jobsPayload(version string, titles ...string) []byte {
	doc := testJobsDoc{Version: version, Jobs: []testJob{}}
	for i, title := range titles {
		doc.Jobs = append(doc.Jobs, testJob{ID: fmt.Sprintf("job-%d", i+1), Title: title})
	}
	data, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return data
}

func manifestJSON(t *testing.T, dataset string, entries ...ManifestEntry) []byte {
	t.Helper()
	files := make(map[string]ManifestEntry, len(entries))
	for _, entry := range entries {
		files[entry.Key] = entry
	}
	data, err := json.Marshal(Manifest{
		DatasetVersion: dataset,
		AppName:        "contentsync-test",
		LastUpdated:    "2025-03-14",
		BaseURL:        "https://example.invalid/data",
		Files:          files,
		Changelog: []ChangelogEntry{
			{Version: dataset, Date: "2025-03-14", Changes: []string{"refresh"}},
		},
	})
	require.NoError(t, err)
	return data
}

func entryFor(key, version string, payload []byte) ManifestEntry {
	hash, err := ContentHash("sha256", payload)
	if err != nil {
		panic(err)
	}
	return ManifestEntry{
		Key:      key,
		Filename: key + ".json",
		Path:     "data/" + key + ".json",
		Version:  version,
		Size:     int64(len(payload)),
		Hash:     hash,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeOrigin serves objects from memory and counts fetches per path.
type fakeOrigin struct {
	mu      sync.Mutex
	objects map[string][]byte
	errs    map[string]error
	calls   map[string]int
	// before runs ahead of every fetch; a non-nil error is returned as-is.
	before func(ctx context.Context, path string) error
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{
		objects: make(map[string][]byte),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (o *fakeOrigin) set(path string, data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[path] = data
}

func (o *fakeOrigin) fail(path string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs[path] = err
}

func (o *fakeOrigin) Fetch(ctx context.Context, path string) ([]byte, error) {
	o.mu.Lock()
	o.calls[path]++
	before := o.before
	err := o.errs[path]
	data, ok := o.objects[path]
	o.mu.Unlock()

	if before != nil {
		if err := before(ctx, path); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOriginNotFound, path)
	}
	return append([]byte(nil), data...), nil
}

func (o *fakeOrigin) callsFor(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[path]
}

func (o *fakeOrigin) totalCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	total := 0
	for _, n := range o.calls {
		total += n
	}
	return total
}

func (o *fakeOrigin) payloadCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	total := 0
	for p, n := range o.calls {
		if p != DefaultManifestPath {
			total += n
		}
	}
	return total
}

// fakeBundle serves payloads from memory and counts reads.
type fakeBundle struct {
	mu    sync.Mutex
	data  map[string][]byte
	reads int
}

func newFakeBundle(data map[string][]byte) *fakeBundle {
	if data == nil {
		data = map[string][]byte{}
	}
	return &fakeBundle{data: data}
}

func (b *fakeBundle) Read(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads++
	data, ok := b.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBundleMiss, key)
	}
	return data, nil
}

func (b *fakeBundle) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.data))
	for key := range b.data {
		keys = append(keys, key)
	}
	return keys
}

func (b *fakeBundle) readCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reads
}

// flakyVersionStore fails SetCollectionVersion for chosen keys, standing in
// for a crash between the cache write and the version write.
type flakyVersionStore struct {
	*MemoryVersionStore
	mu       sync.Mutex
	failKeys map[string]bool
}

func newFlakyVersionStore(keys ...string) *flakyVersionStore {
	s := &flakyVersionStore{MemoryVersionStore: NewMemoryVersionStore(), failKeys: map[string]bool{}}
	for _, key := range keys {
		s.failKeys[key] = true
	}
	return s
}

func (s *flakyVersionStore) SetCollectionVersion(ctx context.Context, key, version string) error {
	s.mu.Lock()
	fail := s.failKeys[key]
	s.mu.Unlock()
	if fail {
		return errors.New("simulated crash before version write")
	}
	return s.MemoryVersionStore.SetCollectionVersion(ctx, key, version)
}

func (s *flakyVersionStore) heal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failKeys = map[string]bool{}
}

type engineFixture struct {
	engine   *Engine
	origin   *fakeOrigin
	bundle   *fakeBundle
	versions VersionStore
	cache    *DiskCache
	cacheDir string
}

func newEngineFixture(t *testing.T, opts ...EngineOption) *engineFixture {
	t.Helper()
	cacheDir := t.TempDir()
	cache, err := NewDiskCache(cacheDir)
	require.NoError(t, err)

	fx := &engineFixture{
		origin:   newFakeOrigin(),
		bundle:   newFakeBundle(nil),
		versions: NewMemoryVersionStore(),
		cache:    cache,
		cacheDir: cacheDir,
	}
	registry := NewRegistry()
	require.NoError(t, RegisterJSON[testJobsDoc](registry, "jobs"))

	base := []EngineOption{
		WithCache(cache),
		WithBundle(fx.bundle),
		WithRegistry(registry),
		WithLogger(discardLogger()),
		WithFetchTimeout(2 * time.Second),
		WithClock(func() time.Time { return time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC) }),
	}
	// options given by the test win, including a replacement version store
	all := append(base, opts...)
	optioned := &Engine{}
	for _, opt := range opts {
		opt(optioned)
	}
	if optioned.Versions == nil {
		all = append(all, WithVersionStore(fx.versions))
	} else {
		fx.versions = optioned.Versions
	}

	engine, err := NewEngine(fx.origin, cacheDir, all...)
	require.NoError(t, err)
	fx.engine = engine
	return fx
}

func (fx *engineFixture) record(t *testing.T) VersionRecord {
	t.Helper()
	rec, err := fx.versions.Get(context.Background())
	require.NoError(t, err)
	return rec
}

func (fx *engineFixture) cached(t *testing.T, key string) ([]byte, bool) {
	t.Helper()
	data, ok, err := fx.cache.Read(context.Background(), key)
	require.NoError(t, err)
	return data, ok
}
