package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Source names the tier that produced a value.
type Source string

const (
	SourceCache  Source = "cache"
	SourceBundle Source = "bundle"
	SourceRemote Source = "remote"
)

// Result is a decoded collection value and the tier it came from.
type Result struct {
	Key    string `json:"key"`
	Value  any    `json:"value"`
	Source Source `json:"source"`
}

type ReadOptions struct {
	// AllowRemote enables the origin tier after cache and bundle.
	AllowRemote bool
}

// PathResolver maps a collection key to its origin path. deprecated is true
// when the path comes from the data/<key>.json convention rather than a
// manifest entry.
type PathResolver func(key string) (path string, deprecated bool)

func conventionResolver(key string) (string, bool) {
	return ConventionPath(key), true
}

// Reader resolves a collection value through cache, bundle and origin, in
// that order, stopping at the first payload that decodes.
type Reader struct {
	Cache    ContentCache
	Bundle   Bundle
	Origin   Origin
	Versions VersionStore
	Resolve  PathResolver
	Logger   *slog.Logger
	Metrics  Metrics
	// FetchTimeout bounds the origin request of the remote tier.
	FetchTimeout time.Duration

	commits *keyLocks
	offline atomic.Bool
}

// Offline reports whether the last value served came from the bundle rather
// than the origin. Cache hits leave it unchanged.
func (r *Reader) Offline() bool {
	return r.offline.Load()
}

func (r *Reader) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *Reader) metrics() Metrics {
	if r.Metrics == nil {
		return NoopMetrics{}
	}
	return r.Metrics
}

// Read returns the first value that decodes, trying the cache, then the
// bundle, then (with AllowRemote) the origin. Absence and decode failures in
// a tier are logged and fall through. When every tier fails the error wraps
// ErrNotFound together with the per-tier causes.
func (r *Reader) Read(ctx context.Context, key string, decode DecodeFunc, opts ReadOptions) (Result, error) {
	if err := ValidateKey(key); err != nil {
		return Result{}, err
	}
	if decode == nil {
		decode = RawJSON
	}

	ctx, span := tracer.Start(ctx, "content.read")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", key),
		attribute.Bool("allow_remote", opts.AllowRemote),
	)

	res, err := r.read(ctx, key, decode, opts)
	r.metrics().RecordRead(key, res.Source, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return Result{}, err
	}
	span.SetAttributes(attribute.String("source", string(res.Source)))
	return res, nil
}

func (r *Reader) read(ctx context.Context, key string, decode DecodeFunc, opts ReadOptions) (Result, error) {
	var causes []error
	log := r.logger().With("collection", key)

	value, err := r.fromCache(ctx, key, decode)
	if err == nil {
		log.DebugContext(ctx, "collection served", "source", SourceCache)
		return Result{Key: key, Value: value, Source: SourceCache}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}
	causes = append(causes, err)

	value, err = r.fromBundle(ctx, key, decode)
	if err == nil {
		r.offline.Store(true)
		log.DebugContext(ctx, "collection served", "source", SourceBundle)
		return Result{Key: key, Value: value, Source: SourceBundle}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}
	causes = append(causes, err)

	if opts.AllowRemote && r.Origin != nil {
		value, err = r.fromRemote(ctx, key, decode)
		if err == nil {
			r.offline.Store(false)
			log.InfoContext(ctx, "collection served", "source", SourceRemote)
			return Result{Key: key, Value: value, Source: SourceRemote}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		causes = append(causes, err)
	}

	log.WarnContext(ctx, "collection unavailable in every source", "allow_remote", opts.AllowRemote)
	return Result{}, errors.Join(append([]error{fmt.Errorf("%w: %s", ErrNotFound, key)}, causes...)...)
}

func (r *Reader) fromCache(ctx context.Context, key string, decode DecodeFunc) (any, error) {
	if r.Cache == nil {
		return nil, fmt.Errorf("cache: not configured")
	}
	data, ok, err := r.Cache.Read(ctx, key)
	if err != nil {
		r.tierFailed(ctx, key, SourceCache, err)
		return nil, fmt.Errorf("cache: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("cache: miss")
	}
	value, err := decode(data)
	if err != nil {
		err = asDecodeError(key, err)
		r.tierFailed(ctx, key, SourceCache, err)
		return nil, fmt.Errorf("cache: %w", err)
	}
	return value, nil
}

func (r *Reader) fromBundle(ctx context.Context, key string, decode DecodeFunc) (any, error) {
	if r.Bundle == nil {
		return nil, fmt.Errorf("bundle: %w", ErrBundleMiss)
	}
	data, err := r.Bundle.Read(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrBundleMiss) {
			r.tierFailed(ctx, key, SourceBundle, err)
		}
		return nil, fmt.Errorf("bundle: %w", err)
	}
	value, err := decode(data)
	if err != nil {
		err = asDecodeError(key, err)
		r.tierFailed(ctx, key, SourceBundle, err)
		return nil, fmt.Errorf("bundle: %w", err)
	}
	return value, nil
}

func (r *Reader) fromRemote(ctx context.Context, key string, decode DecodeFunc) (any, error) {
	resolve := r.Resolve
	if resolve == nil {
		resolve = conventionResolver
	}
	originPath, deprecated := resolve(key)
	if deprecated {
		r.logger().WarnContext(ctx, "fetching collection by deprecated convention path", "collection", key, "path", originPath)
	}

	fetchCtx := ctx
	if r.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, r.FetchTimeout)
		defer cancel()
	}
	data, err := r.Origin.Fetch(fetchCtx, originPath)
	if err != nil {
		r.tierFailed(ctx, key, SourceRemote, err)
		return nil, fmt.Errorf("remote: %w", err)
	}
	value, err := decode(data)
	if err != nil {
		err = asDecodeError(key, err)
		r.tierFailed(ctx, key, SourceRemote, err)
		return nil, fmt.Errorf("remote: %w", err)
	}

	r.storeUnversioned(ctx, key, data)
	return value, nil
}

// storeUnversioned caches a payload fetched outside a sync. Its version is
// unknown, so the recorded version is cleared first; the next sync then
// treats the collection as never synced.
func (r *Reader) storeUnversioned(ctx context.Context, key string, data []byte) {
	if r.Cache == nil {
		return
	}
	unlock := r.commits.lock(key)
	defer unlock()

	commitCtx := context.WithoutCancel(ctx)
	if r.Versions != nil {
		if err := r.Versions.ClearCollectionVersion(commitCtx, key); err != nil {
			r.logger().WarnContext(ctx, "skip caching remote payload: clear version failed", "collection", key, "error", err)
			return
		}
	}
	if err := r.Cache.Write(commitCtx, key, data); err != nil {
		r.logger().WarnContext(ctx, "cache remote payload failed", "collection", key, "error", err)
		return
	}
	r.commits.committed(key)
}

func (r *Reader) tierFailed(ctx context.Context, key string, tier Source, err error) {
	r.metrics().RecordTierFailure(key, tier)
	r.logger().WarnContext(ctx, "collection source failed, falling through", "collection", key, "source", tier, "error", err)
}

// ReadAs reads key and decodes it as T with JSONDecoder.
func ReadAs[T any](ctx context.Context, r *Reader, key string, opts ReadOptions) (T, Source, error) {
	var zero T
	res, err := r.Read(ctx, key, JSONDecoder[T](), opts)
	if err != nil {
		return zero, "", err
	}
	value, ok := res.Value.(T)
	if !ok {
		return zero, "", fmt.Errorf("%w: %s decoded to %T", ErrDecode, key, res.Value)
	}
	return value, res.Source, nil
}
