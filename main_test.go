package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mikills/contentsync/content"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "contentsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := loadConfig(envMap(nil))
		require.NoError(t, err)
		assert.Equal(t, defaultConfig(), cfg)
		assert.Equal(t, "none", cfg.Origin.Kind)
		assert.Equal(t, "sqlite", cfg.Versions.Kind)
	})

	t.Run("yaml_over_defaults", func(t *testing.T) {
		path := writeConfigFile(t, `
log_format: json
app_version: 2.3.0
sync_interval: 5m
checksum_policy: warn
origin:
  kind: s3
  bucket: content
  prefix: prod/
versions:
  kind: file
redis:
  addr: localhost:6379
`)
		cfg, err := loadConfig(envMap(map[string]string{"CONTENTSYNC_CONFIG": path}))
		require.NoError(t, err)
		assert.Equal(t, "json", cfg.LogFormat)
		assert.Equal(t, "2.3.0", cfg.AppVersion)
		assert.Equal(t, 5*time.Minute, cfg.SyncInterval)
		assert.Equal(t, "warn", cfg.ChecksumPolicy)
		assert.Equal(t, originConfig{Kind: "s3", Bucket: "content", Prefix: "prod/", Region: "us-east-1"}, cfg.Origin)
		assert.Equal(t, "file", cfg.Versions.Kind)
		assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
		assert.Equal(t, "contentsync:sync:", cfg.Redis.Prefix)
		assert.Equal(t, 4, cfg.MaxParallel)
	})

	t.Run("env_over_yaml", func(t *testing.T) {
		path := writeConfigFile(t, "sync_interval: 5m\norigin:\n  kind: local\n  root: /srv/content\n")
		cfg, err := loadConfig(envMap(map[string]string{
			"CONTENTSYNC_CONFIG":        path,
			"CONTENTSYNC_SYNC_INTERVAL": "0s",
			"CONTENTSYNC_ORIGIN":        "http",
			"CONTENTSYNC_ORIGIN_URL":    "https://cdn.example.com/content",
			"CONTENTSYNC_MAX_PARALLEL":  "8",
			"CONTENTSYNC_SYNC_ON_START": "false",
		}))
		require.NoError(t, err)
		assert.Zero(t, cfg.SyncInterval)
		assert.Equal(t, "http", cfg.Origin.Kind)
		assert.Equal(t, "https://cdn.example.com/content", cfg.Origin.URL)
		assert.Equal(t, "/srv/content", cfg.Origin.Root)
		assert.Equal(t, 8, cfg.MaxParallel)
		assert.False(t, cfg.SyncOnStart)
	})

	t.Run("empty_yaml_file", func(t *testing.T) {
		path := writeConfigFile(t, "")
		cfg, err := loadConfig(envMap(map[string]string{"CONTENTSYNC_CONFIG": path}))
		require.NoError(t, err)
		assert.Equal(t, defaultConfig(), cfg)
	})

	tests := []struct {
		name string
		yaml string
		env  map[string]string
		want string
	}{
		{name: "unknown_yaml_field", yaml: "sync_every: 5m\n", want: "sync_every"},
		{name: "bad_duration", env: map[string]string{"CONTENTSYNC_SYNC_INTERVAL": "soon"}, want: "CONTENTSYNC_SYNC_INTERVAL"},
		{name: "negative_duration", env: map[string]string{"CONTENTSYNC_FETCH_TIMEOUT": "-1s"}, want: "CONTENTSYNC_FETCH_TIMEOUT"},
		{name: "bad_retries", env: map[string]string{"CONTENTSYNC_DOWNLOAD_RETRIES": "-1"}, want: "CONTENTSYNC_DOWNLOAD_RETRIES"},
		{name: "bad_parallelism", env: map[string]string{"CONTENTSYNC_MAX_PARALLEL": "0"}, want: "CONTENTSYNC_MAX_PARALLEL"},
		{name: "bad_bool", env: map[string]string{"CONTENTSYNC_ALLOW_INCOMPATIBLE": "maybe"}, want: "CONTENTSYNC_ALLOW_INCOMPATIBLE"},
		{name: "bad_log_format", env: map[string]string{"CONTENTSYNC_LOG_FORMAT": "xml"}, want: "log_format"},
		{name: "bad_app_version", env: map[string]string{"CONTENTSYNC_APP_VERSION": "latest"}, want: "app_version"},
		{name: "bad_checksum_policy", env: map[string]string{"CONTENTSYNC_CHECKSUM_POLICY": "paranoid"}, want: "checksum policy"},
		{name: "http_without_url", env: map[string]string{"CONTENTSYNC_ORIGIN": "http"}, want: "origin url"},
		{name: "s3_without_bucket", env: map[string]string{"CONTENTSYNC_ORIGIN": "s3"}, want: "bucket"},
		{name: "unknown_origin", env: map[string]string{"CONTENTSYNC_ORIGIN": "ftp"}, want: "unknown origin"},
		{name: "mongo_without_uri", env: map[string]string{"CONTENTSYNC_VERSIONS": "mongo"}, want: "mongo_uri"},
		{name: "unknown_version_store", env: map[string]string{"CONTENTSYNC_VERSIONS": "etcd"}, want: "unknown version store"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := map[string]string{}
			for k, v := range tc.env {
				env[k] = v
			}
			if tc.yaml != "" {
				env["CONTENTSYNC_CONFIG"] = writeConfigFile(t, tc.yaml)
			}
			_, err := loadConfig(envMap(env))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	t.Run("missing_file", func(t *testing.T) {
		_, err := loadConfig(envMap(map[string]string{"CONTENTSYNC_CONFIG": filepath.Join(t.TempDir(), "nope.yaml")}))
		require.Error(t, err)
	})
}

func TestNewOrigin(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("none", func(t *testing.T) {
		origin, err := newOrigin(ctx, originConfig{Kind: "none"}, time.Second, logger)
		require.NoError(t, err)
		assert.Nil(t, origin)
	})

	t.Run("local", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(root, "manifest.json"), []byte(`{}`), 0o644))
		origin, err := newOrigin(ctx, originConfig{Kind: "local", Root: root}, time.Second, logger)
		require.NoError(t, err)
		data, err := origin.Fetch(ctx, "manifest.json")
		require.NoError(t, err)
		assert.Equal(t, `{}`, string(data))
	})

	t.Run("http", func(t *testing.T) {
		origin, err := newOrigin(ctx, originConfig{Kind: "http", URL: "https://cdn.example.com/content"}, 3*time.Second, logger)
		require.NoError(t, err)
		httpOrigin, ok := origin.(*content.HTTPOrigin)
		require.True(t, ok)
		assert.Equal(t, 3*time.Second, httpOrigin.Client.Timeout)
	})

	t.Run("s3", func(t *testing.T) {
		origin, err := newOrigin(ctx, originConfig{Kind: "s3", Bucket: "content", Region: "us-east-1", Endpoint: "http://127.0.0.1:9000"}, time.Second, logger)
		require.NoError(t, err)
		_, ok := origin.(*content.S3Origin)
		assert.True(t, ok)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := newOrigin(ctx, originConfig{Kind: "gopher"}, time.Second, logger)
		require.Error(t, err)
	})
}

func TestNewVersionStore(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	for _, kind := range []string{"sqlite", "file"} {
		t.Run(kind, func(t *testing.T) {
			cacheDir := t.TempDir()
			store, closeStore, err := newVersionStore(ctx, versionsConfig{Kind: kind}, cacheDir, logger)
			require.NoError(t, err)
			require.NoError(t, store.SetCollectionVersion(ctx, "jobs", "1.2.0"))
			closeStore()

			reopened, closeReopened, err := newVersionStore(ctx, versionsConfig{Kind: kind}, cacheDir, logger)
			require.NoError(t, err)
			t.Cleanup(closeReopened)
			rec, err := reopened.Get(ctx)
			require.NoError(t, err)
			assert.Equal(t, "1.2.0", rec.Collections["jobs"])
		})
	}

	t.Run("unknown", func(t *testing.T) {
		_, _, err := newVersionStore(ctx, versionsConfig{Kind: "etcd"}, t.TempDir(), logger)
		require.Error(t, err)
	})
}
