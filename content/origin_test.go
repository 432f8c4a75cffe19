package content

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mikills/contentsync/content/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalOrigin(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "data", "jobs.json"), []byte(`{"jobs":[]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(root), "outside.json"), []byte(`{}`), 0o644))

	origin := NewLocalOrigin(root)

	data, err := origin.Fetch(ctx, "data/jobs.json")
	require.NoError(t, err)
	assert.Equal(t, `{"jobs":[]}`, string(data))

	data, err = origin.Fetch(ctx, "/data/jobs.json")
	require.NoError(t, err, "leading slash is relative to the root")
	assert.NotEmpty(t, data)

	_, err = origin.Fetch(ctx, "data/courses.json")
	require.ErrorIs(t, err, ErrOriginNotFound)

	for _, p := range []string{"../outside.json", "data/../../outside.json", "", "   "} {
		_, err = origin.Fetch(ctx, p)
		require.ErrorIs(t, err, ErrOriginNotFound, "path %q", p)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = origin.Fetch(cctx, "data/jobs.json")
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, errors.Is(err, ErrNetwork))

	dctx, dcancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer dcancel()
	_, err = origin.Fetch(dctx, "data/jobs.json")
	require.ErrorIs(t, err, ErrNetwork)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func newTestHTTPOrigin(t *testing.T, baseURL string, mutate func(*HTTPOriginConfig)) *HTTPOrigin {
	t.Helper()
	cfg := DefaultHTTPOriginConfig(baseURL)
	cfg.Timeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	origin, err := NewHTTPOrigin(cfg, discardLogger())
	require.NoError(t, err)
	return origin
}

func TestHTTPOrigin(t *testing.T) {
	ctx := context.Background()

	t.Run("fetch_and_status_mapping", func(t *testing.T) {
		srv := testutil.StartOrigin()
		t.Cleanup(srv.Close)
		srv.Set("manifest.json", []byte(`{"version":"1.0.0","files":{}}`))
		srv.Set("data/jobs.json", []byte(`{"jobs":[]}`))

		origin := newTestHTTPOrigin(t, srv.URL(), nil)

		data, err := origin.Fetch(ctx, "manifest.json")
		require.NoError(t, err)
		assert.JSONEq(t, `{"version":"1.0.0","files":{}}`, string(data))

		_, err = origin.Fetch(ctx, "data/missing.json")
		require.ErrorIs(t, err, ErrOriginNotFound)
		require.False(t, errors.Is(err, ErrNetwork))

		srv.Fail("data/jobs.json", http.StatusServiceUnavailable)
		_, err = origin.Fetch(ctx, "data/jobs.json")
		require.ErrorIs(t, err, ErrNetwork)

		srv.Fail("data/jobs.json", http.StatusGone)
		_, err = origin.Fetch(ctx, "data/jobs.json")
		require.ErrorIs(t, err, ErrOriginNotFound)

		_, err = origin.Fetch(ctx, "../escape.json")
		require.ErrorIs(t, err, ErrOriginNotFound)
		assert.Zero(t, srv.Hits("escape.json"))
	})

	t.Run("base_url_with_prefix", func(t *testing.T) {
		srv := testutil.StartOrigin()
		t.Cleanup(srv.Close)
		srv.Set("content/v1/manifest.json", []byte(`{}`))

		origin := newTestHTTPOrigin(t, srv.URL()+"/content/v1/", nil)
		_, err := origin.Fetch(ctx, "manifest.json")
		require.NoError(t, err)
		assert.Equal(t, 1, srv.Hits("content/v1/manifest.json"))
	})

	t.Run("oversized_body", func(t *testing.T) {
		srv := testutil.StartOrigin()
		t.Cleanup(srv.Close)
		srv.Set("data/jobs.json", []byte(strings.Repeat("x", 64)))

		origin := newTestHTTPOrigin(t, srv.URL(), func(cfg *HTTPOriginConfig) {
			cfg.MaxPayloadBytes = 16
		})
		_, err := origin.Fetch(ctx, "data/jobs.json")
		require.ErrorIs(t, err, ErrNetwork)
	})

	t.Run("breaker_opens_on_server_errors", func(t *testing.T) {
		srv := testutil.StartOrigin()
		t.Cleanup(srv.Close)
		srv.Fail("manifest.json", http.StatusInternalServerError)

		origin := newTestHTTPOrigin(t, srv.URL(), func(cfg *HTTPOriginConfig) {
			cfg.BreakerMinRequests = 3
			cfg.BreakerFailureRate = 0.5
			cfg.BreakerTimeout = time.Minute
		})

		for i := 0; i < 3; i++ {
			_, err := origin.Fetch(ctx, "manifest.json")
			require.ErrorIs(t, err, ErrNetwork)
		}
		require.Equal(t, 3, srv.Hits("manifest.json"))

		srv.Recover("manifest.json")
		srv.Set("manifest.json", []byte(`{}`))
		_, err := origin.Fetch(ctx, "manifest.json")
		require.ErrorIs(t, err, ErrNetwork, "open breaker fails fast")
		assert.Equal(t, 3, srv.Hits("manifest.json"))
	})

	t.Run("missing_objects_do_not_trip_breaker", func(t *testing.T) {
		srv := testutil.StartOrigin()
		t.Cleanup(srv.Close)
		srv.Set("manifest.json", []byte(`{}`))

		origin := newTestHTTPOrigin(t, srv.URL(), func(cfg *HTTPOriginConfig) {
			cfg.BreakerMinRequests = 2
			cfg.BreakerFailureRate = 0.5
		})
		for i := 0; i < 5; i++ {
			_, err := origin.Fetch(ctx, "data/missing.json")
			require.ErrorIs(t, err, ErrOriginNotFound)
		}
		_, err := origin.Fetch(ctx, "manifest.json")
		require.NoError(t, err)
	})

	t.Run("unreachable_host", func(t *testing.T) {
		srv := testutil.StartOrigin()
		url := srv.URL()
		srv.Close()

		origin := newTestHTTPOrigin(t, url, nil)
		_, err := origin.Fetch(ctx, "manifest.json")
		require.ErrorIs(t, err, ErrNetwork)
	})

	t.Run("deadline_is_network_failure", func(t *testing.T) {
		srv := testutil.StartOrigin()
		t.Cleanup(srv.Close)
		srv.Set("data/jobs.json", []byte(`{"jobs":[]}`))
		srv.Stall("data/jobs.json", time.Second, 1)

		origin := newTestHTTPOrigin(t, srv.URL(), nil)
		fetchCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := origin.Fetch(fetchCtx, "data/jobs.json")
		require.ErrorIs(t, err, ErrNetwork)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		data, err := origin.Fetch(ctx, "data/jobs.json")
		require.NoError(t, err)
		assert.JSONEq(t, `{"jobs":[]}`, string(data))
	})

	t.Run("cancelled_caller_is_not_network_failure", func(t *testing.T) {
		srv := testutil.StartOrigin()
		t.Cleanup(srv.Close)
		srv.Set("data/jobs.json", []byte(`{"jobs":[]}`))
		srv.Stall("data/jobs.json", time.Second, 1)

		origin := newTestHTTPOrigin(t, srv.URL(), nil)
		cctx, cancel := context.WithCancel(ctx)
		time.AfterFunc(50*time.Millisecond, cancel)
		_, err := origin.Fetch(cctx, "data/jobs.json")
		require.ErrorIs(t, err, context.Canceled)
		require.False(t, errors.Is(err, ErrNetwork))
	})

	t.Run("invalid_base_url", func(t *testing.T) {
		_, err := NewHTTPOrigin(HTTPOriginConfig{BaseURL: "not a url"}, nil)
		require.Error(t, err)
		_, err = NewHTTPOrigin(HTTPOriginConfig{BaseURL: "/relative/only"}, nil)
		require.Error(t, err)
	})
}

func TestS3Origin(t *testing.T) {
	ctx := context.Background()
	mock, err := testutil.StartMockS3(ctx, "content")
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	require.NoError(t, mock.Put(ctx, "prod/manifest.json", []byte(`{"version":"1.0.0","files":{}}`)))
	require.NoError(t, mock.Put(ctx, "prod/data/jobs.json", jobsPayload("1.0.0", "Barista")))

	origin := NewS3Origin(mock.Client, mock.Bucket, "prod/")

	data, err := origin.Fetch(ctx, "manifest.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"1.0.0","files":{}}`, string(data))

	data, err = origin.Fetch(ctx, "/data/jobs.json")
	require.NoError(t, err)
	assert.Equal(t, jobsPayload("1.0.0", "Barista"), data)

	_, err = origin.Fetch(ctx, "data/courses.json")
	require.ErrorIs(t, err, ErrOriginNotFound)

	_, err = origin.Fetch(ctx, "../other-tenant/manifest.json")
	require.ErrorIs(t, err, ErrOriginNotFound)

	unprefixed := NewS3Origin(mock.Client, mock.Bucket, "")
	_, err = unprefixed.Fetch(ctx, "prod/manifest.json")
	require.NoError(t, err)

	expired, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancel()
	_, err = origin.Fetch(expired, "manifest.json")
	require.ErrorIs(t, err, ErrNetwork)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSyncOverS3Origin(t *testing.T) {
	ctx := context.Background()
	mock, err := testutil.StartMockS3(ctx, "content")
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	payload := jobsPayload("1.2.0", "Barista")
	require.NoError(t, mock.Put(ctx, "data/jobs.json", payload))
	require.NoError(t, mock.Put(ctx, DefaultManifestPath, manifestJSON(t, "1.1.0", entryFor("jobs", "1.2.0", payload))))

	registry := NewRegistry()
	require.NoError(t, RegisterJSON[testJobsDoc](registry, "jobs"))
	engine, err := NewEngine(NewS3Origin(mock.Client, mock.Bucket, ""), t.TempDir(),
		WithRegistry(registry),
		WithLogger(discardLogger()),
	)
	require.NoError(t, err)

	report, err := engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"jobs"}, report.Applied())

	snap, err := engine.Load(ctx, "jobs", false)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, snap.Source)
	assert.Equal(t, "1.2.0", snap.Version)
}

func TestSyncOverHTTPOrigin(t *testing.T) {
	ctx := context.Background()
	srv := testutil.StartOrigin()
	t.Cleanup(srv.Close)

	jobs := jobsPayload("1.2.0", "Barista")
	courses := []byte(`{"courses":[]}`)
	srv.Set("data/jobs.json", jobs)
	srv.Set("data/courses.json", courses)
	srv.Set(DefaultManifestPath, manifestJSON(t, "1.1.0",
		entryFor("jobs", "1.2.0", jobs),
		entryFor("courses", "1.0.0", courses),
	))
	srv.Fail("data/courses.json", http.StatusBadGateway)

	engine, err := NewEngine(newTestHTTPOrigin(t, srv.URL(), nil), t.TempDir(), WithLogger(discardLogger()))
	require.NoError(t, err)

	report, err := engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"jobs"}, report.Applied())
	assert.Equal(t, []string{"courses"}, report.Failed())

	c, _ := report.Collection("courses")
	require.ErrorIs(t, c.Err, ErrNetwork)

	srv.Recover("data/courses.json")
	report, err = engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"courses"}, report.Applied())
	assert.Equal(t, 1, srv.Hits("data/jobs.json"))
}
