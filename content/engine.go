package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Engine wires the cache, version store, bundle, origin and collection store
// into the read and sync paths.
type Engine struct {
	Origin            Origin
	Cache             ContentCache
	Versions          VersionStore
	Bundle            Bundle
	Registry          *Registry
	Store             *CollectionStore
	Logger            *slog.Logger
	Metrics           Metrics
	SyncLeaseManager  SyncLeaseManager
	SyncLeaseTTL      time.Duration
	LeaseScope        string
	AppVersion        string
	ManifestPath      string
	FetchTimeout      time.Duration
	MaxParallel       int
	ChecksumPolicy    ChecksumPolicy
	AllowIncompatible bool
	ImageBaseURL      string
	Now               func() time.Time

	DownloadRetries       int
	DownloadRetryBase     time.Duration
	DownloadRetryObserver DownloadRetryObserver

	reader  *Reader
	syncer  *Syncer
	commits *keyLocks
}

// EngineOption configures Engine instances.
type EngineOption func(*Engine)

// WithCache replaces the disk cache rooted at the engine's cache dir.
func WithCache(cache ContentCache) EngineOption {
	return func(e *Engine) {
		e.Cache = cache
	}
}

// WithVersionStore sets where applied versions are persisted.
func WithVersionStore(store VersionStore) EngineOption {
	return func(e *Engine) {
		e.Versions = store
	}
}

// WithBundle sets the payloads shipped with the binary.
func WithBundle(bundle Bundle) EngineOption {
	return func(e *Engine) {
		e.Bundle = bundle
	}
}

// WithRegistry sets the per-collection decoders.
func WithRegistry(registry *Registry) EngineOption {
	return func(e *Engine) {
		e.Registry = registry
	}
}

func WithCollectionStore(store *CollectionStore) EngineOption {
	return func(e *Engine) {
		e.Store = store
	}
}

func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.Logger = logger
	}
}

func WithMetrics(metrics Metrics) EngineOption {
	return func(e *Engine) {
		e.Metrics = metrics
	}
}

// WithSyncLeaseManager sets the lease manager that serialises sync cycles.
func WithSyncLeaseManager(mgr SyncLeaseManager) EngineOption {
	return func(e *Engine) {
		if mgr == nil {
			e.SyncLeaseManager = NewInMemorySyncLeaseManager()
			return
		}
		e.SyncLeaseManager = mgr
	}
}

// WithSyncLeaseTTL sets the TTL for sync leases.
func WithSyncLeaseTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) {
		if ttl <= 0 {
			e.SyncLeaseTTL = defaultSyncLeaseTTL
			return
		}
		e.SyncLeaseTTL = ttl
	}
}

// WithLeaseScope names the lease shared by processes syncing the same
// dataset.
func WithLeaseScope(scope string) EngineOption {
	return func(e *Engine) {
		e.LeaseScope = scope
	}
}

// WithAppVersion sets the version compared with the manifest's
// min_app_version.
func WithAppVersion(version string) EngineOption {
	return func(e *Engine) {
		e.AppVersion = version
	}
}

func WithManifestPath(p string) EngineOption {
	return func(e *Engine) {
		if p != "" {
			e.ManifestPath = p
		}
	}
}

// WithFetchTimeout bounds each origin request.
func WithFetchTimeout(timeout time.Duration) EngineOption {
	return func(e *Engine) {
		if timeout > 0 {
			e.FetchTimeout = timeout
		}
	}
}

// WithMaxParallel bounds concurrent downloads and startup loads.
func WithMaxParallel(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.MaxParallel = n
		}
	}
}

func WithChecksumPolicy(policy ChecksumPolicy) EngineOption {
	return func(e *Engine) {
		e.ChecksumPolicy = policy
	}
}

// WithAllowIncompatible lets sync apply a manifest whose min_app_version is
// above the app version.
func WithAllowIncompatible(allow bool) EngineOption {
	return func(e *Engine) {
		e.AllowIncompatible = allow
	}
}

// WithImageBaseURL is used by ImageURL until a manifest with an images
// base_url has been fetched.
func WithImageBaseURL(base string) EngineOption {
	return func(e *Engine) {
		e.ImageBaseURL = base
	}
}

// WithClock overrides the time source used for sync bookkeeping.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.Now = now
	}
}

// NewEngine creates an engine that syncs from origin into a disk cache under
// cacheDir. origin may be nil for a bundle-and-cache-only engine.
func NewEngine(origin Origin, cacheDir string, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		Origin:       origin,
		ManifestPath: DefaultManifestPath,
		FetchTimeout: defaultFetchTimeout,
		MaxParallel:  defaultMaxParallel,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.Cache == nil {
		cache, err := NewDiskCache(cacheDir)
		if err != nil {
			return nil, err
		}
		e.Cache = cache
	}
	if e.Versions == nil {
		if strings.TrimSpace(cacheDir) == "" {
			return nil, fmt.Errorf("cache dir is required without an explicit version store")
		}
		store, err := NewFileVersionStore(filepath.Join(cacheDir, ".state", "versions.json"))
		if err != nil {
			return nil, err
		}
		store.Logger = e.Logger
		e.Versions = store
	}
	if e.Bundle == nil {
		e.Bundle = emptyBundle{}
	}
	if e.Registry == nil {
		e.Registry = NewRegistry()
	}
	if e.Store == nil {
		e.Store = NewCollectionStore()
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	if e.Metrics == nil {
		e.Metrics = NoopMetrics{}
	}
	if e.SyncLeaseManager == nil {
		e.SyncLeaseManager = NewInMemorySyncLeaseManager()
	}
	if e.ChecksumPolicy == "" {
		e.ChecksumPolicy = ChecksumStrict
	}
	if e.Now == nil {
		e.Now = time.Now
	}

	commits := newKeyLocks()
	e.commits = commits
	e.syncer = &Syncer{
		Origin:            e.Origin,
		Cache:             e.Cache,
		Versions:          e.Versions,
		Registry:          e.Registry,
		Store:             e.Store,
		Leases:            e.SyncLeaseManager,
		Logger:            e.Logger,
		Metrics:           e.Metrics,
		LeaseTTL:          e.SyncLeaseTTL,
		LeaseScope:        e.LeaseScope,
		ManifestPath:      e.ManifestPath,
		AppVersion:        e.AppVersion,
		FetchTimeout:      e.FetchTimeout,
		MaxParallel:       e.MaxParallel,
		ChecksumPolicy:    e.ChecksumPolicy,
		AllowIncompatible: e.AllowIncompatible,
		Now:               e.Now,
		DownloadRetries:   e.DownloadRetries,
		RetryBase:         e.DownloadRetryBase,
		RetryObserver:     e.DownloadRetryObserver,
		commits:           commits,
	}
	e.reader = &Reader{
		Cache:        e.Cache,
		Bundle:       e.Bundle,
		Origin:       e.Origin,
		Versions:     e.Versions,
		Resolve:      e.resolvePath,
		Logger:       e.Logger,
		Metrics:      e.Metrics,
		FetchTimeout: e.FetchTimeout,
		commits:      commits,
	}
	return e, nil
}

// resolvePath is the single rule for where a collection lives at the
// origin: the last manifest's entry path, or the data/<key>.json convention
// when no manifest lists the key.
func (e *Engine) resolvePath(key string) (string, bool) {
	if entry, ok := e.syncer.LastManifest().Entry(key); ok {
		return entry.Path, false
	}
	return ConventionPath(key), true
}

// Reader exposes the fallback reader used by Load.
func (e *Engine) Reader() *Reader {
	return e.reader
}

func (e *Engine) Syncer() *Syncer {
	return e.syncer
}

// Keys lists every collection the engine knows about: registered decoders,
// bundled payloads and entries of the last manifest.
func (e *Engine) Keys() []string {
	seen := make(map[string]struct{})
	for _, key := range e.Registry.Keys() {
		seen[key] = struct{}{}
	}
	for _, key := range e.Bundle.Keys() {
		seen[key] = struct{}{}
	}
	for _, entry := range e.syncer.LastManifest().Entries() {
		seen[entry.Key] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

const maxLoadAttempts = 3

// Load resolves one collection through the fallback reader and publishes
// the value to the collection store. A sync commit for key that lands while
// the value is being read makes Load read again, so it never publishes a
// value older than the commit or labels old bytes with the new version.
func (e *Engine) Load(ctx context.Context, key string, allowRemote bool) (Snapshot, error) {
	decode, ok := e.Registry.Lookup(key)
	if !ok {
		decode = RawJSON
	}

	for attempt := 1; ; attempt++ {
		gen := e.commits.generation(key)
		res, err := e.reader.Read(ctx, key, decode, ReadOptions{AllowRemote: allowRemote})
		if err != nil {
			return Snapshot{}, err
		}

		unlock := e.commits.lock(key)
		if e.commits.generation(key) != gen {
			unlock()
			if attempt < maxLoadAttempts {
				continue
			}
			// the committer published a newer value already
			if snap, ok := e.Store.Get(key); ok {
				return snap, nil
			}
			unlock = e.commits.lock(key)
		}
		version := ""
		if res.Source == SourceCache {
			rec, err := e.Versions.Get(ctx)
			if err != nil {
				e.Logger.WarnContext(ctx, "read version record failed", "collection", key, "error", err)
			} else {
				version = rec.Collections[key]
			}
		}
		snap := e.Store.Publish(key, res.Value, version, res.Source)
		unlock()
		return snap, nil
	}
}

// LoadAll loads every known collection concurrently. The returned map holds
// the error of each collection that could not be loaded and is empty when
// all succeeded.
func (e *Engine) LoadAll(ctx context.Context, allowRemote bool) map[string]error {
	keys := e.Keys()

	var mu sync.Mutex
	failures := make(map[string]error)

	var g errgroup.Group
	g.SetLimit(e.MaxParallel)
	for _, key := range keys {
		g.Go(func() error {
			if _, err := e.Load(ctx, key, allowRemote); err != nil {
				mu.Lock()
				failures[key] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		e.Logger.WarnContext(ctx, "some collections failed to load", "failed", len(failures), "total", len(keys))
	}
	return failures
}

// Sync runs one sync cycle. See Syncer.Sync.
func (e *Engine) Sync(ctx context.Context) (*SyncReport, error) {
	if e.Origin == nil {
		return nil, fmt.Errorf("%w: no origin configured", ErrNetwork)
	}
	return e.syncer.Sync(ctx)
}

// CheckForUpdates reports pending collection updates without downloading.
func (e *Engine) CheckForUpdates(ctx context.Context) (*UpdateCheck, error) {
	if e.Origin == nil {
		return nil, fmt.Errorf("%w: no origin configured", ErrNetwork)
	}
	return e.syncer.CheckForUpdates(ctx)
}

// clearCacheHolder is the lease holder recorded while ClearCache runs.
const clearCacheHolder = "cache-clear"

// ClearCache forgets every applied version, removes every cached payload and
// reloads the collection store from the bundle. It holds the sync lease so
// it never interleaves with a sync commit.
func (e *Engine) ClearCache(ctx context.Context) error {
	leaseManager, ttl, scope := e.syncer.leases()
	lease, err := leaseManager.Acquire(ctx, scope, clearCacheHolder, ttl)
	if err != nil {
		if errors.Is(err, ErrSyncLeaseConflict) {
			return fmt.Errorf("%w: scope %s", ErrSyncInProgress, scope)
		}
		return fmt.Errorf("acquire sync lease: %w", err)
	}
	defer func() {
		_ = leaseManager.Release(context.WithoutCancel(ctx), lease)
	}()

	if err := e.Versions.Reset(ctx); err != nil {
		return fmt.Errorf("reset versions: %w", err)
	}
	if err := e.Cache.Clear(ctx); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	e.Logger.InfoContext(ctx, "content cache cleared")

	for key, err := range e.LoadAll(ctx, false) {
		e.Logger.WarnContext(ctx, "reload after cache clear failed", "collection", key, "error", err)
	}
	return nil
}

// Offline reports whether the last value served came from the bundle.
func (e *Engine) Offline() bool {
	return e.reader.Offline()
}

// ImageURL resolves an image reference. Absolute http(s) URLs are returned
// unchanged; relative paths are joined to the manifest's images base_url,
// or to the configured image base URL before a manifest is known.
func (e *Engine) ImageURL(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("empty image path")
	}
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p, nil
	}
	base := e.ImageBaseURL
	if m := e.syncer.LastManifest(); m != nil && m.Images.BaseURL != "" {
		base = m.Images.BaseURL
	}
	if base == "" {
		return "", fmt.Errorf("no image base url for %q", p)
	}
	return url.JoinPath(base, strings.TrimLeft(p, "/"))
}

// CollectionStatus is the local state of one collection.
type CollectionStatus struct {
	Key             string     `json:"key"`
	RecordedVersion string     `json:"recorded_version,omitempty"`
	Cached          bool       `json:"cached"`
	CacheBytes      int64      `json:"cache_bytes,omitempty"`
	CacheUpdatedAt  *time.Time `json:"cache_updated_at,omitempty"`
	RemoteVersion   string     `json:"remote_version,omitempty"`
	Published       bool       `json:"published"`
	Source          Source     `json:"source,omitempty"`
}

// Status is a point-in-time view of the engine's local state.
type Status struct {
	DatasetVersion  string             `json:"dataset_version"`
	ManifestVersion string             `json:"manifest_version,omitempty"`
	LastSyncedAt    *time.Time         `json:"last_synced_at,omitempty"`
	Offline         bool               `json:"offline"`
	Collections     []CollectionStatus `json:"collections"`
	LastSync        *SyncReport        `json:"last_sync,omitempty"`
	// ActiveSync is the lease of a cycle currently running for the dataset
	// scope, in this process or another one sharing the lease backend.
	ActiveSync *SyncLease `json:"active_sync,omitempty"`
}

func (e *Engine) Status(ctx context.Context) (*Status, error) {
	rec, err := e.Versions.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("read version record: %w", err)
	}
	cached, err := e.Cache.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cache: %w", err)
	}
	cacheByKey := make(map[string]CacheEntry, len(cached))
	for _, entry := range cached {
		cacheByKey[entry.Key] = entry
	}

	manifest := e.syncer.LastManifest()
	out := &Status{
		DatasetVersion: rec.DatasetVersion,
		LastSyncedAt:   rec.LastSyncedAt,
		Offline:        e.Offline(),
		LastSync:       e.syncer.LastReport(),
	}
	if manifest != nil {
		out.ManifestVersion = manifest.DatasetVersion
	}
	leases, _, scope := e.syncer.leases()
	if inspector, ok := leases.(SyncLeaseInspector); ok {
		active, err := inspector.Current(ctx, scope)
		if err != nil {
			e.Logger.WarnContext(ctx, "sync lease inspection failed", "scope", scope, "error", err)
		}
		out.ActiveSync = active
	}

	seen := make(map[string]struct{})
	keys := e.Keys()
	for _, key := range keys {
		seen[key] = struct{}{}
	}
	for key := range rec.Collections {
		if _, ok := seen[key]; !ok {
			keys = append(keys, key)
			seen[key] = struct{}{}
		}
	}
	for key := range cacheByKey {
		if _, ok := seen[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out.Collections = make([]CollectionStatus, 0, len(keys))
	for _, key := range keys {
		cs := CollectionStatus{Key: key, RecordedVersion: rec.Collections[key]}
		if entry, ok := cacheByKey[key]; ok {
			updated := entry.UpdatedAt
			cs.Cached = true
			cs.CacheBytes = entry.Size
			cs.CacheUpdatedAt = &updated
		}
		if entry, ok := manifest.Entry(key); ok {
			cs.RemoteVersion = entry.Version
		}
		if snap, ok := e.Store.Get(key); ok {
			cs.Published = true
			cs.Source = snap.Source
		}
		out.Collections = append(out.Collections, cs)
	}
	return out, nil
}
