package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mikills/contentsync/bundle"
	"github.com/mikills/contentsync/catalog"
	appcmd "github.com/mikills/contentsync/cmd"
	"github.com/mikills/contentsync/content"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
)

func main() {
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		newLogger(getenvDefault("CONTENTSYNC_LOG_FORMAT", "text")).Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogFormat)
	ctx := context.Background()

	origin, err := newOrigin(ctx, cfg.Origin, cfg.FetchTimeout, logger)
	if err != nil {
		logger.Error("configure origin", "error", err)
		os.Exit(1)
	}

	versions, closeVersions, err := newVersionStore(ctx, cfg.Versions, cfg.CacheDir, logger)
	if err != nil {
		logger.Error("configure version store", "error", err)
		os.Exit(1)
	}
	defer closeVersions()

	policy, _ := content.ParseChecksumPolicy(cfg.ChecksumPolicy)
	metrics := content.NewPrometheusMetrics("contentsync")
	opts := []content.EngineOption{
		content.WithVersionStore(versions),
		content.WithBundle(bundle.New()),
		content.WithRegistry(catalog.NewRegistry()),
		content.WithLogger(logger),
		content.WithMetrics(metrics),
		content.WithAppVersion(cfg.AppVersion),
		content.WithManifestPath(cfg.ManifestPath),
		content.WithFetchTimeout(cfg.FetchTimeout),
		content.WithMaxParallel(cfg.MaxParallel),
		content.WithDownloadRetries(cfg.DownloadRetries),
		content.WithDownloadRetryObserver(content.DownloadRetryObserverFunc(func(stats content.DownloadRetryStats) {
			if stats.Attempts > 1 {
				logger.Info("download retried",
					"collection", stats.Collection,
					"attempts", stats.Attempts,
					"retry_delay_ms", stats.TotalRetryDelay.Milliseconds(),
					"success", stats.Success,
				)
			}
		})),
		content.WithChecksumPolicy(policy),
		content.WithAllowIncompatible(cfg.AllowIncompatible),
		content.WithImageBaseURL(cfg.ImageBaseURL),
		content.WithSyncLeaseTTL(cfg.LeaseTTL),
		content.WithLeaseScope(cfg.LeaseScope),
	}

	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		defer pingCancel()
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Error("redis ping", "error", err)
			os.Exit(1)
		}
		defer func() { _ = redisClient.Close() }()
		leases, err := content.NewRedisSyncLeaseManager(redisClient, cfg.Redis.Prefix)
		if err != nil {
			logger.Error("redis sync lease manager", "error", err)
			os.Exit(1)
		}
		opts = append(opts, content.WithSyncLeaseManager(leases))
		logger.Info("configured redis sync leases", "addr", cfg.Redis.Addr, "prefix", cfg.Redis.Prefix)
	}

	engine, err := content.NewEngine(origin, cfg.CacheDir, opts...)
	if err != nil {
		logger.Error("create content engine", "error", err)
		os.Exit(1)
	}

	// serve whatever is local before the first sync reaches the origin
	for key, err := range engine.LoadAll(ctx, false) {
		logger.Warn("collection unavailable at startup", "collection", key, "error", err)
	}

	logger.Info("configured content engine",
		"origin", cfg.Origin.Kind,
		"versions", cfg.Versions.Kind,
		"cache_dir", cfg.CacheDir,
		"app_version", cfg.AppVersion,
		"checksum_policy", policy,
		"sync_interval", cfg.SyncInterval,
	)

	appCfg := appcmd.AppConfig{
		Address:           cfg.HTTPAddr,
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		SyncInterval:      cfg.SyncInterval,
		SyncOnStart:       cfg.SyncOnStart,
		SyncTimeout:       cfg.SyncTimeout,
		Logger:            logger,
	}
	app := appcmd.NewApp(engine, appCfg)

	if err := app.Start(); err != nil {
		logger.Error("start app", "error", err)
		os.Exit(1)
	}
	logger.Info("contentsync listening", "address", app.Address())

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-sigCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appCfg.ShutdownTimeout)
		defer cancel()
		if err := app.Stop(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	if err := app.Wait(); err != nil {
		logger.Error("app exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(format string) *slog.Logger {
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func getenvDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

// newOrigin returns nil for the "none" origin; the engine then serves only
// the cache and the bundle.
func newOrigin(ctx context.Context, cfg originConfig, timeout time.Duration, logger *slog.Logger) (content.Origin, error) {
	switch cfg.Kind {
	case "http":
		httpCfg := content.DefaultHTTPOriginConfig(cfg.URL)
		if timeout > 0 {
			httpCfg.Timeout = timeout
		}
		origin, err := content.NewHTTPOrigin(httpCfg, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("configured http origin", "url", cfg.URL)
		return origin, nil
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				o.UsePathStyle = true
			}
		})
		logger.Info("configured s3 origin", "bucket", cfg.Bucket, "prefix", cfg.Prefix, "endpoint", cfg.Endpoint)
		return content.NewS3Origin(client, cfg.Bucket, cfg.Prefix), nil
	case "local":
		logger.Info("configured local origin", "root", cfg.Root)
		return content.NewLocalOrigin(cfg.Root), nil
	case "none":
		logger.Info("no origin configured, serving cache and bundle only")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown origin %q", cfg.Kind)
	}
}

// newVersionStore opens the configured store. The returned func releases it.
func newVersionStore(ctx context.Context, cfg versionsConfig, cacheDir string, logger *slog.Logger) (content.VersionStore, func(), error) {
	switch cfg.Kind {
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = filepath.Join(cacheDir, ".state", "versions.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, err
		}
		store, err := content.OpenSQLiteVersionStore(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite version store: %w", err)
		}
		logger.Info("configured sqlite version store", "path", path)
		return store, func() { _ = store.Close() }, nil
	case "file":
		path := cfg.Path
		if path == "" {
			path = filepath.Join(cacheDir, ".state", "versions.json")
		}
		store, err := content.NewFileVersionStore(path)
		if err != nil {
			return nil, nil, err
		}
		store.Logger = logger
		logger.Info("configured file version store", "path", path)
		return store, func() {}, nil
	case "mongo":
		mongoClient, err := mongo.Connect(mongooptions.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("mongo connect: %w", err)
		}
		disconnect := func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mongoClient.Disconnect(disconnectCtx)
		}
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		defer pingCancel()
		if err := mongoClient.Ping(pingCtx, nil); err != nil {
			disconnect()
			return nil, nil, fmt.Errorf("mongo ping: %w", err)
		}
		coll := mongoClient.Database(cfg.MongoDB).Collection(cfg.MongoCollection)
		logger.Info("configured mongo version store",
			"db", cfg.MongoDB,
			"collection", cfg.MongoCollection,
		)
		return content.NewMongoVersionStore(coll, cfg.MongoDocID), disconnect, nil
	default:
		return nil, nil, fmt.Errorf("unknown version store %q", cfg.Kind)
	}
}
