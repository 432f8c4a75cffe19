package content

import (
	"context"
	"errors"
	"time"
)

const defaultDownloadRetryBase = 50 * time.Millisecond

// DownloadRetryStats tracks retry behavior for one payload download.
type DownloadRetryStats struct {
	Collection      string
	Attempts        int
	TransientCount  int
	TotalRetryDelay time.Duration
	Success         bool
}

// DownloadRetryObserver is notified once per download with its retry stats.
type DownloadRetryObserver interface {
	ObserveDownloadRetry(stats DownloadRetryStats)
}

// DownloadRetryObserverFunc is an adapter to allow ordinary functions
// to be used as DownloadRetryObserver.
type DownloadRetryObserverFunc func(stats DownloadRetryStats)

// ObserveDownloadRetry calls f(stats).
func (f DownloadRetryObserverFunc) ObserveDownloadRetry(stats DownloadRetryStats) {
	if f != nil {
		f(stats)
	}
}

// WithDownloadRetries sets how many times a sync retries a payload download
// after a transient network failure. Zero disables retries.
func WithDownloadRetries(n int) EngineOption {
	return func(e *Engine) {
		if n >= 0 {
			e.DownloadRetries = n
		}
	}
}

// WithDownloadRetryObserver sets an observer for download retry events.
func WithDownloadRetryObserver(observer DownloadRetryObserver) EngineOption {
	return func(e *Engine) {
		e.DownloadRetryObserver = observer
	}
}

// isTransient reports whether a download error may succeed on retry. A
// missing object will stay missing.
func isTransient(err error) bool {
	return errors.Is(err, ErrNetwork) && !errors.Is(err, ErrOriginNotFound)
}

func runWithDownloadRetry(ctx context.Context, collection string, maxRetries int, base time.Duration, observer DownloadRetryObserver, op func() error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if base <= 0 {
		base = defaultDownloadRetryBase
	}

	stats := DownloadRetryStats{Collection: collection}
	for {
		stats.Attempts++
		err := op()
		if err == nil {
			stats.Success = true
			notifyDownloadRetryObserver(observer, stats)
			return nil
		}
		if !isTransient(err) || ctx.Err() != nil {
			notifyDownloadRetryObserver(observer, stats)
			return err
		}

		stats.TransientCount++
		if stats.TransientCount > maxRetries {
			notifyDownloadRetryObserver(observer, stats)
			return err
		}

		attempt := stats.TransientCount
		backoff := time.Duration(attempt*attempt) * base
		stats.TotalRetryDelay += backoff

		if err := sleepWithContext(ctx, backoff); err != nil {
			notifyDownloadRetryObserver(observer, stats)
			return err
		}
	}
}

func notifyDownloadRetryObserver(observer DownloadRetryObserver, stats DownloadRetryStats) {
	if observer == nil {
		return
	}
	observer.ObserveDownloadRetry(stats)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WithDownloadRetryBackoff sets the base delay; retry n waits n*n*base.
func WithDownloadRetryBackoff(base time.Duration) EngineOption {
	return func(e *Engine) {
		e.DownloadRetryBase = base
	}
}
