package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mikills/contentsync/content"

	"gopkg.in/yaml.v3"
)

type originConfig struct {
	// Kind is one of http, s3, local or none.
	Kind     string `yaml:"kind"`
	URL      string `yaml:"url"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Root     string `yaml:"root"`
}

type versionsConfig struct {
	// Kind is one of sqlite, file or mongo.
	Kind            string `yaml:"kind"`
	Path            string `yaml:"path"`
	MongoURI        string `yaml:"mongo_uri"`
	MongoDB         string `yaml:"mongo_db"`
	MongoCollection string `yaml:"mongo_collection"`
	MongoDocID      string `yaml:"mongo_doc_id"`
}

type redisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type config struct {
	LogFormat         string         `yaml:"log_format"`
	HTTPAddr          string         `yaml:"http_addr"`
	CacheDir          string         `yaml:"cache_dir"`
	AppVersion        string         `yaml:"app_version"`
	ManifestPath      string         `yaml:"manifest_path"`
	ImageBaseURL      string         `yaml:"image_base_url"`
	ChecksumPolicy    string         `yaml:"checksum_policy"`
	AllowIncompatible bool           `yaml:"allow_incompatible"`
	FetchTimeout      time.Duration  `yaml:"fetch_timeout"`
	MaxParallel       int            `yaml:"max_parallel"`
	DownloadRetries   int            `yaml:"download_retries"`
	SyncInterval      time.Duration  `yaml:"sync_interval"`
	SyncOnStart       bool           `yaml:"sync_on_start"`
	SyncTimeout       time.Duration  `yaml:"sync_timeout"`
	LeaseTTL          time.Duration  `yaml:"lease_ttl"`
	LeaseScope        string         `yaml:"lease_scope"`
	Origin            originConfig   `yaml:"origin"`
	Versions          versionsConfig `yaml:"versions"`
	Redis             redisConfig    `yaml:"redis"`
}

func defaultConfig() config {
	return config{
		LogFormat:       "text",
		HTTPAddr:        "127.0.0.1:8080",
		CacheDir:        "./.temp/cache",
		AppVersion:      "1.0.0",
		ManifestPath:    content.DefaultManifestPath,
		ChecksumPolicy:  string(content.ChecksumStrict),
		FetchTimeout:    15 * time.Second,
		MaxParallel:     4,
		DownloadRetries: 2,
		SyncInterval:    15 * time.Minute,
		SyncOnStart:     true,
		SyncTimeout:     2 * time.Minute,
		LeaseTTL:        30 * time.Second,
		LeaseScope:      "default",
		Origin:          originConfig{Kind: "none", Region: "us-east-1"},
		Versions: versionsConfig{
			Kind:            "sqlite",
			MongoDB:         "contentsync",
			MongoCollection: "versions",
		},
		Redis: redisConfig{Prefix: "contentsync:sync:"},
	}
}

// loadConfig layers the YAML file named by CONTENTSYNC_CONFIG and then the
// CONTENTSYNC_* environment over the defaults.
func loadConfig(getenv func(string) string) (config, error) {
	cfg := defaultConfig()

	if path := strings.TrimSpace(getenv("CONTENTSYNC_CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return config{}, fmt.Errorf("read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(getenv, &cfg); err != nil {
		return config{}, err
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func applyEnv(getenv func(string) string, cfg *config) error {
	setString := func(key string, dest *string) error {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dest = v
		}
		return nil
	}

	// setInt parses a required-positive int env var into dest.
	setInt := func(key string, dest *int) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s must be a positive integer", key)
		}
		*dest = n
		return nil
	}

	setNonNegativeInt := func(key string, dest *int) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("%s must be a non-negative integer", key)
		}
		*dest = n
		return nil
	}

	setBool := func(key string, dest *bool) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s must be a boolean", key)
		}
		*dest = b
		return nil
	}

	// setDuration accepts zero so the sync loop can be switched off.
	setDuration := func(key string, dest *time.Duration) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return fmt.Errorf("%s must be a non-negative duration", key)
		}
		*dest = d
		return nil
	}

	return errors.Join(
		setString("CONTENTSYNC_LOG_FORMAT", &cfg.LogFormat),
		setString("CONTENTSYNC_HTTP_ADDR", &cfg.HTTPAddr),
		setString("CONTENTSYNC_CACHE_DIR", &cfg.CacheDir),
		setString("CONTENTSYNC_APP_VERSION", &cfg.AppVersion),
		setString("CONTENTSYNC_MANIFEST_PATH", &cfg.ManifestPath),
		setString("CONTENTSYNC_IMAGE_BASE_URL", &cfg.ImageBaseURL),
		setString("CONTENTSYNC_CHECKSUM_POLICY", &cfg.ChecksumPolicy),
		setBool("CONTENTSYNC_ALLOW_INCOMPATIBLE", &cfg.AllowIncompatible),
		setDuration("CONTENTSYNC_FETCH_TIMEOUT", &cfg.FetchTimeout),
		setInt("CONTENTSYNC_MAX_PARALLEL", &cfg.MaxParallel),
		setNonNegativeInt("CONTENTSYNC_DOWNLOAD_RETRIES", &cfg.DownloadRetries),
		setDuration("CONTENTSYNC_SYNC_INTERVAL", &cfg.SyncInterval),
		setBool("CONTENTSYNC_SYNC_ON_START", &cfg.SyncOnStart),
		setDuration("CONTENTSYNC_SYNC_TIMEOUT", &cfg.SyncTimeout),
		setDuration("CONTENTSYNC_LEASE_TTL", &cfg.LeaseTTL),
		setString("CONTENTSYNC_LEASE_SCOPE", &cfg.LeaseScope),

		setString("CONTENTSYNC_ORIGIN", &cfg.Origin.Kind),
		setString("CONTENTSYNC_ORIGIN_URL", &cfg.Origin.URL),
		setString("CONTENTSYNC_ORIGIN_BUCKET", &cfg.Origin.Bucket),
		setString("CONTENTSYNC_ORIGIN_PREFIX", &cfg.Origin.Prefix),
		setString("CONTENTSYNC_ORIGIN_REGION", &cfg.Origin.Region),
		setString("CONTENTSYNC_ORIGIN_ENDPOINT", &cfg.Origin.Endpoint),
		setString("CONTENTSYNC_ORIGIN_ROOT", &cfg.Origin.Root),

		setString("CONTENTSYNC_VERSIONS", &cfg.Versions.Kind),
		setString("CONTENTSYNC_VERSIONS_PATH", &cfg.Versions.Path),
		setString("CONTENTSYNC_VERSIONS_MONGO_URI", &cfg.Versions.MongoURI),
		setString("CONTENTSYNC_VERSIONS_MONGO_DB", &cfg.Versions.MongoDB),
		setString("CONTENTSYNC_VERSIONS_MONGO_COLLECTION", &cfg.Versions.MongoCollection),
		setString("CONTENTSYNC_VERSIONS_MONGO_DOC_ID", &cfg.Versions.MongoDocID),

		setString("CONTENTSYNC_REDIS_ADDR", &cfg.Redis.Addr),
		setString("CONTENTSYNC_REDIS_PASSWORD", &cfg.Redis.Password),
		setString("CONTENTSYNC_REDIS_PREFIX", &cfg.Redis.Prefix),
	)
}

func (c config) validate() error {
	var errs []error
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if strings.TrimSpace(c.CacheDir) == "" {
		errs = append(errs, errors.New("cache_dir is required"))
	}
	if !content.ValidVersion(c.AppVersion) {
		errs = append(errs, fmt.Errorf("app_version %q is not a version", c.AppVersion))
	}
	if _, err := content.ParseChecksumPolicy(c.ChecksumPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.MaxParallel <= 0 {
		errs = append(errs, errors.New("max_parallel must be > 0"))
	}
	if c.DownloadRetries < 0 {
		errs = append(errs, errors.New("download_retries must be >= 0"))
	}

	switch c.Origin.Kind {
	case "http":
		if c.Origin.URL == "" {
			errs = append(errs, errors.New("origin url is required for the http origin"))
		}
	case "s3":
		if c.Origin.Bucket == "" {
			errs = append(errs, errors.New("origin bucket is required for the s3 origin"))
		}
	case "local":
		if c.Origin.Root == "" {
			errs = append(errs, errors.New("origin root is required for the local origin"))
		}
	case "none":
	default:
		errs = append(errs, fmt.Errorf("unknown origin %q (allowed: http, s3, local, none)", c.Origin.Kind))
	}

	switch c.Versions.Kind {
	case "sqlite", "file":
	case "mongo":
		if c.Versions.MongoURI == "" {
			errs = append(errs, errors.New("versions mongo_uri is required for the mongo version store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown version store %q (allowed: sqlite, file, mongo)", c.Versions.Kind))
	}
	return errors.Join(errs...)
}
