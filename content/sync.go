package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/mikills/contentsync/content")

const (
	defaultFetchTimeout = 15 * time.Second
	defaultMaxParallel  = 4
	defaultLeaseScope   = "default"
)

type CollectionOutcome string

const (
	OutcomeUnchanged CollectionOutcome = "unchanged"
	OutcomeApplied   CollectionOutcome = "applied"
	OutcomeFailed    CollectionOutcome = "failed"
)

// CollectionReport is the result of one collection within a sync cycle.
type CollectionReport struct {
	Key           string            `json:"key"`
	Outcome       CollectionOutcome `json:"outcome"`
	LocalVersion  string            `json:"local_version"`
	RemoteVersion string            `json:"remote_version"`
	Bytes         int               `json:"bytes,omitempty"`
	Error         string            `json:"error,omitempty"`

	Err error `json:"-"`
}

// SyncReport summarises one sync cycle.
type SyncReport struct {
	ID                     string             `json:"id"`
	StartedAt              time.Time          `json:"started_at"`
	FinishedAt             time.Time          `json:"finished_at"`
	DatasetVersion         string             `json:"dataset_version"`
	PreviousDatasetVersion string             `json:"previous_dataset_version"`
	DatasetUpdated         bool               `json:"dataset_updated"`
	Incompatible           bool               `json:"incompatible,omitempty"`
	Collections            []CollectionReport `json:"collections"`
	Changelog              []ChangelogEntry   `json:"changelog"`
}

func (r *SyncReport) keysWith(outcome CollectionOutcome) []string {
	out := make([]string, 0)
	for _, c := range r.Collections {
		if c.Outcome == outcome {
			out = append(out, c.Key)
		}
	}
	return out
}

// Applied lists the collections whose new payload was committed.
func (r *SyncReport) Applied() []string { return r.keysWith(OutcomeApplied) }

// Failed lists the collections left at their previous state.
func (r *SyncReport) Failed() []string { return r.keysWith(OutcomeFailed) }

func (r *SyncReport) Collection(key string) (CollectionReport, bool) {
	for _, c := range r.Collections {
		if c.Key == key {
			return c, true
		}
	}
	return CollectionReport{}, false
}

// PendingUpdate is a collection the origin has a newer version of.
type PendingUpdate struct {
	Key           string `json:"key"`
	LocalVersion  string `json:"local_version"`
	RemoteVersion string `json:"remote_version"`
	Size          int64  `json:"size"`
}

// UpdateCheck is the result of comparing the manifest with local state
// without downloading anything.
type UpdateCheck struct {
	CheckedAt           time.Time        `json:"checked_at"`
	DatasetVersion      string           `json:"dataset_version"`
	LocalDatasetVersion string           `json:"local_dataset_version"`
	MinAppVersion       string           `json:"min_app_version,omitempty"`
	Incompatible        bool             `json:"incompatible,omitempty"`
	Pending             []PendingUpdate  `json:"pending"`
	TotalBytes          int64            `json:"total_bytes"`
	Changelog           []ChangelogEntry `json:"changelog"`
}

func (u *UpdateCheck) HasUpdates() bool {
	return len(u.Pending) > 0
}

// Syncer applies the origin manifest to the local cache and version store.
//
// A cycle fetches the manifest, downloads every collection whose remote
// version is newer than the local one, and commits each payload with the
// cache write strictly before the version write. Collections fail
// independently. Concurrent Sync calls in one process share a single cycle.
type Syncer struct {
	Origin   Origin
	Cache    ContentCache
	Versions VersionStore
	Registry *Registry
	Store    *CollectionStore
	Leases   SyncLeaseManager
	Logger   *slog.Logger
	Metrics  Metrics

	LeaseTTL          time.Duration
	LeaseScope        string
	ManifestPath      string
	AppVersion        string
	FetchTimeout      time.Duration
	MaxParallel       int
	ChecksumPolicy    ChecksumPolicy
	AllowIncompatible bool
	Now               func() time.Time

	// DownloadRetries bounds retries of a payload download after a
	// transient network failure.
	DownloadRetries int
	RetryBase       time.Duration
	RetryObserver   DownloadRetryObserver

	commits *keyLocks

	cycleMu  sync.Mutex
	inflight *sharedCycle

	mu           sync.RWMutex
	lastManifest *Manifest
	lastReport   *SyncReport
}

func (s *Syncer) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Syncer) metrics() Metrics {
	if s.Metrics == nil {
		return NoopMetrics{}
	}
	return s.Metrics
}

func (s *Syncer) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *Syncer) leases() (SyncLeaseManager, time.Duration, string) {
	m := s.Leases
	if m == nil {
		m = NewInMemorySyncLeaseManager()
		s.Leases = m
	}
	ttl := s.LeaseTTL
	if ttl <= 0 {
		ttl = defaultSyncLeaseTTL
	}
	scope := s.LeaseScope
	if scope == "" {
		scope = defaultLeaseScope
	}
	return m, ttl, scope
}

// LastManifest returns the most recent compatible manifest fetched by Sync
// or CheckForUpdates, or nil.
func (s *Syncer) LastManifest() *Manifest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastManifest
}

// LastReport returns the report of the most recent completed cycle, or nil.
func (s *Syncer) LastReport() *SyncReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastReport
}

func (s *Syncer) rememberManifest(m *Manifest) {
	s.mu.Lock()
	s.lastManifest = m
	s.mu.Unlock()
}

// sharedCycle is the cycle in flight and the callers waiting on it.
type sharedCycle struct {
	cancel  context.CancelCauseFunc
	waiters int
	done    chan struct{}
	report  *SyncReport
	err     error
}

// Sync runs one cycle. A manifest failure aborts the cycle before any local
// state changes and is returned as the error. Per-collection failures are
// reported in the SyncReport and do not make Sync fail.
//
// Callers that arrive while a cycle is running join it. The cycle is not
// tied to any single caller's ctx: a caller whose ctx ends leaves with its
// own ctx error, and the cycle is cancelled only when its last waiter
// leaves. That waiter receives the partial report and the context error.
func (s *Syncer) Sync(ctx context.Context) (*SyncReport, error) {
	s.cycleMu.Lock()
	c := s.inflight
	if c == nil {
		cycleCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
		c = &sharedCycle{cancel: cancel, done: make(chan struct{})}
		s.inflight = c
		go func() {
			report, err := s.run(cycleCtx)
			s.cycleMu.Lock()
			if s.inflight == c {
				s.inflight = nil
			}
			s.cycleMu.Unlock()
			cancel(nil)
			c.report, c.err = report, err
			close(c.done)
		}()
	} else {
		s.logger().DebugContext(ctx, "joined in-flight sync cycle")
	}
	c.waiters++
	s.cycleMu.Unlock()

	select {
	case <-c.done:
		s.leaveCycle(c)
		return c.report, c.err
	case <-ctx.Done():
	}

	if !s.leaveCycle(c) {
		return nil, ctx.Err()
	}
	c.cancel(context.Cause(ctx))
	<-c.done
	return c.report, c.err
}

// leaveCycle drops one waiter from c and reports whether it was the last.
// A cycle left by everyone is no longer offered to new callers.
func (s *Syncer) leaveCycle(c *sharedCycle) bool {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	c.waiters--
	if c.waiters > 0 {
		return false
	}
	if s.inflight == c {
		s.inflight = nil
	}
	return true
}

type plannedEntry struct {
	entry   ManifestEntry
	local   string
	pending bool
}

func (s *Syncer) run(ctx context.Context) (*SyncReport, error) {
	started := s.now()
	syncID := uuid.NewString()
	log := s.logger().With("sync_id", syncID)

	ctx, span := tracer.Start(ctx, "content.sync")
	defer span.End()
	span.SetAttributes(attribute.String("sync.id", syncID))

	report, err := s.cycle(ctx, syncID, started, log)

	applied, failed := 0, 0
	if report != nil {
		applied, failed = len(report.Applied()), len(report.Failed())
		span.SetAttributes(attribute.Int("sync.applied", applied), attribute.Int("sync.failed", failed))
	}
	s.metrics().RecordSync(applied, failed, s.now().Sub(started), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sync failed")
	}
	return report, err
}

func (s *Syncer) cycle(ctx context.Context, syncID string, started time.Time, log *slog.Logger) (*SyncReport, error) {
	leaseManager, ttl, scope := s.leases()
	lease, err := leaseManager.Acquire(ctx, scope, syncID, ttl)
	if err != nil {
		if errors.Is(err, ErrSyncLeaseConflict) {
			holder := currentHolder(ctx, leaseManager, scope)
			log.WarnContext(ctx, "sync skipped: lease held elsewhere", "scope", scope, "holder", holder)
			if holder != "" {
				return nil, fmt.Errorf("%w: scope %s held by sync %s", ErrSyncInProgress, scope, holder)
			}
			return nil, fmt.Errorf("%w: scope %s", ErrSyncInProgress, scope)
		}
		log.ErrorContext(ctx, "sync lease acquisition failed", "scope", scope, "error", err)
		return nil, fmt.Errorf("acquire sync lease: %w", err)
	}
	defer func() {
		if err := leaseManager.Release(context.WithoutCancel(ctx), lease); err != nil {
			log.WarnContext(ctx, "sync lease release failed", "scope", scope, "error", err)
		}
	}()

	cycleCtx, cancelCycle := context.WithCancelCause(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		keepLeaseAlive(cycleCtx, leaseManager, lease, ttl, log, func() {
			cancelCycle(ErrSyncLeaseConflict)
		})
	}()
	defer func() {
		cancelCycle(nil)
		<-renewDone
	}()

	manifest, err := s.fetchManifest(cycleCtx)
	incompatible := false
	if err != nil {
		if errors.Is(err, ErrIncompatible) && manifest != nil && s.AllowIncompatible {
			log.WarnContext(ctx, "applying manifest despite app version requirement", "min_app_version", manifest.MinAppVersion, "app_version", s.AppVersion)
			incompatible = true
		} else {
			log.WarnContext(ctx, "could not check for updates", "error", err)
			if ctx.Err() != nil {
				return nil, context.Cause(ctx)
			}
			return nil, err
		}
	}
	s.rememberManifest(manifest)

	rec, plan, err := s.plan(cycleCtx, manifest)
	if err != nil {
		return nil, err
	}

	report := &SyncReport{
		ID:                     syncID,
		StartedAt:              started,
		DatasetVersion:         manifest.DatasetVersion,
		PreviousDatasetVersion: rec.DatasetVersion,
		Incompatible:           incompatible,
		Collections:            make([]CollectionReport, len(plan)),
		Changelog:              manifest.ChangesSince(rec.DatasetVersion),
	}

	maxParallel := s.MaxParallel
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}
	var g errgroup.Group
	g.SetLimit(maxParallel)
	for i, p := range plan {
		if !p.pending {
			report.Collections[i] = CollectionReport{
				Key:           p.entry.Key,
				Outcome:       OutcomeUnchanged,
				LocalVersion:  p.local,
				RemoteVersion: p.entry.Version,
			}
			continue
		}
		g.Go(func() error {
			report.Collections[i] = s.syncCollection(cycleCtx, p, log)
			return nil
		})
	}
	_ = g.Wait()

	// bookkeeping runs even when the caller gave up mid-cycle
	commitCtx := context.WithoutCancel(ctx)
	finished := s.now()
	if err := s.Versions.SetLastSyncedAt(commitCtx, finished); err != nil {
		log.ErrorContext(ctx, "record last sync time failed", "error", err)
	}
	failed := report.Failed()
	cycleErr := context.Cause(cycleCtx)
	if len(failed) == 0 && cycleErr == nil {
		if err := s.Versions.SetDatasetVersion(commitCtx, manifest.DatasetVersion); err != nil {
			log.ErrorContext(ctx, "record dataset version failed", "error", err)
		} else {
			report.DatasetUpdated = true
		}
	}
	report.FinishedAt = finished

	s.mu.Lock()
	s.lastReport = report
	s.mu.Unlock()

	log.InfoContext(ctx, "sync completed",
		"dataset_version", manifest.DatasetVersion,
		"applied", len(report.Applied()),
		"failed", len(failed),
		"dataset_updated", report.DatasetUpdated,
		"duration", finished.Sub(started).String(),
	)
	if ctx.Err() != nil {
		return report, context.Cause(ctx)
	}
	if cycleErr != nil {
		return report, fmt.Errorf("sync interrupted: %w", cycleErr)
	}
	return report, nil
}

// plan compares every manifest entry with local state. A collection's local
// version is its recorded version only while the cache still holds its
// payload; a purged payload counts as never synced. A recorded version is
// never moved backwards.
func (s *Syncer) plan(ctx context.Context, m *Manifest) (VersionRecord, []plannedEntry, error) {
	rec, err := s.Versions.Get(ctx)
	if err != nil {
		return VersionRecord{}, nil, fmt.Errorf("read version record: %w", err)
	}
	entries, err := s.Cache.List(ctx)
	if err != nil {
		return VersionRecord{}, nil, fmt.Errorf("list cache: %w", err)
	}
	cached := make(map[string]bool, len(entries))
	for _, e := range entries {
		cached[e.Key] = true
	}

	manifestEntries := m.Entries()
	plan := make([]plannedEntry, 0, len(manifestEntries))
	for _, entry := range manifestEntries {
		recorded, hasRecord := rec.CollectionVersion(entry.Key)
		local := ZeroVersion
		if hasRecord && cached[entry.Key] {
			local = recorded
		}
		pending := IsNewer(entry.Version, local)
		if pending && hasRecord && CompareVersions(entry.Version, recorded) < 0 {
			s.logger().WarnContext(ctx, "manifest version older than recorded version, skipping",
				"collection", entry.Key, "version", entry.Version, "recorded_version", recorded)
			pending = false
		}
		plan = append(plan, plannedEntry{entry: entry, local: local, pending: pending})
	}
	return rec, plan, nil
}

func (s *Syncer) syncCollection(ctx context.Context, p plannedEntry, log *slog.Logger) CollectionReport {
	entry := p.entry
	out := CollectionReport{
		Key:           entry.Key,
		LocalVersion:  p.local,
		RemoteVersion: entry.Version,
	}
	log = log.With("collection", entry.Key, "version", entry.Version)

	ctx, span := tracer.Start(ctx, "content.sync_collection")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", entry.Key),
		attribute.String("version", entry.Version),
	)

	fail := func(err error) CollectionReport {
		span.RecordError(err)
		span.SetStatus(codes.Error, "collection failed")
		log.WarnContext(ctx, "collection sync failed", "error", err)
		out.Outcome = OutcomeFailed
		out.Err = err
		out.Error = err.Error()
		return out
	}

	data, err := s.download(ctx, entry)
	if err != nil {
		return fail(err)
	}
	out.Bytes = len(data)

	if err := s.verify(ctx, entry, data, log); err != nil {
		return fail(err)
	}

	decode, ok := s.Registry.Lookup(entry.Key)
	if !ok {
		decode = RawJSON
	}
	value, err := decode(data)
	if err != nil {
		return fail(asDecodeError(entry.Key, err))
	}

	if err := ctx.Err(); err != nil {
		return fail(fmt.Errorf("abandoned before commit: %w", err))
	}

	if err := s.commit(ctx, entry, data, value); err != nil {
		return fail(err)
	}
	out.Outcome = OutcomeApplied
	log.InfoContext(ctx, "collection updated", "previous_version", p.local, "bytes", len(data))
	return out
}

func (s *Syncer) fetchTimeout() time.Duration {
	if s.FetchTimeout <= 0 {
		return defaultFetchTimeout
	}
	return s.FetchTimeout
}

func (s *Syncer) fetchManifest(ctx context.Context) (*Manifest, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout())
	defer cancel()
	return FetchManifest(fetchCtx, s.Origin, s.ManifestPath, s.AppVersion)
}

// download fetches one payload, each attempt bounded by the fetch timeout.
// An attempt that times out is retried like any other network failure; the
// retries stop once ctx itself is done.
func (s *Syncer) download(ctx context.Context, entry ManifestEntry) ([]byte, error) {
	timeout := s.fetchTimeout()

	var data []byte
	err := runWithDownloadRetry(ctx, entry.Key, s.DownloadRetries, s.RetryBase, s.RetryObserver, func() error {
		fetchCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		started := time.Now()
		got, err := s.Origin.Fetch(fetchCtx, entry.Path)
		s.metrics().RecordDownload(entry.Key, len(got), time.Since(started), err)
		if err != nil {
			return err
		}
		data = got
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", entry.Path, err)
	}
	return data, nil
}

func (s *Syncer) verify(ctx context.Context, entry ManifestEntry, data []byte, log *slog.Logger) error {
	policy := s.ChecksumPolicy
	if policy == "" {
		policy = ChecksumStrict
	}
	if policy == ChecksumOff {
		return nil
	}
	err := verifyPayload(entry, data)
	if err == nil {
		return nil
	}
	if policy == ChecksumWarn {
		log.WarnContext(ctx, "payload integrity mismatch ignored", "error", err)
		return nil
	}
	return err
}

// commit writes the payload, then its version, then publishes value, all
// under the key's commit lock. Once started it runs to completion even if
// ctx is cancelled, so a cycle never stops between the two writes by choice.
func (s *Syncer) commit(ctx context.Context, entry ManifestEntry, data []byte, value any) error {
	unlock := s.commits.lock(entry.Key)
	defer unlock()

	commitCtx := context.WithoutCancel(ctx)
	if err := s.Cache.Write(commitCtx, entry.Key, data); err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	s.commits.committed(entry.Key)
	if err := s.Versions.SetCollectionVersion(commitCtx, entry.Key, entry.Version); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	if s.Store != nil {
		s.Store.Publish(entry.Key, value, entry.Version, SourceRemote)
	}
	return nil
}

// CheckForUpdates fetches the manifest and reports what a sync would
// download, without writing anything. With an incompatible manifest the
// check is returned together with ErrIncompatible.
func (s *Syncer) CheckForUpdates(ctx context.Context) (*UpdateCheck, error) {
	ctx, span := tracer.Start(ctx, "content.check_updates")
	defer span.End()

	manifest, err := s.fetchManifest(ctx)
	var incompatible error
	if err != nil {
		if !errors.Is(err, ErrIncompatible) || manifest == nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "manifest failed")
			return nil, err
		}
		incompatible = err
	} else {
		s.rememberManifest(manifest)
	}

	rec, plan, err := s.plan(ctx, manifest)
	if err != nil {
		return nil, err
	}
	check := &UpdateCheck{
		CheckedAt:           s.now(),
		DatasetVersion:      manifest.DatasetVersion,
		LocalDatasetVersion: rec.DatasetVersion,
		MinAppVersion:       manifest.MinAppVersion,
		Incompatible:        incompatible != nil,
		Pending:             make([]PendingUpdate, 0),
		Changelog:           manifest.ChangesSince(rec.DatasetVersion),
	}
	for _, p := range plan {
		if !p.pending {
			continue
		}
		check.Pending = append(check.Pending, PendingUpdate{
			Key:           p.entry.Key,
			LocalVersion:  p.local,
			RemoteVersion: p.entry.Version,
			Size:          p.entry.Size,
		})
		check.TotalBytes += p.entry.Size
	}
	span.SetAttributes(attribute.Int("pending", len(check.Pending)))
	return check, incompatible
}
