package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
)

const (
	defaultHTTPOriginTimeout = 30 * time.Second
	defaultMaxPayloadBytes   = 64 << 20
)

// HTTPOriginConfig configures an HTTPOrigin.
type HTTPOriginConfig struct {
	BaseURL string
	// Timeout bounds each request including the body read.
	Timeout         time.Duration
	MaxPayloadBytes int64
	UserAgent       string

	// Breaker settings. Zero values use the defaults below.
	BreakerMaxRequests uint32
	BreakerInterval    time.Duration
	BreakerTimeout     time.Duration
	BreakerMinRequests uint32
	BreakerFailureRate float64
}

func DefaultHTTPOriginConfig(baseURL string) HTTPOriginConfig {
	return HTTPOriginConfig{
		BaseURL:            baseURL,
		Timeout:            defaultHTTPOriginTimeout,
		MaxPayloadBytes:    defaultMaxPayloadBytes,
		UserAgent:          "contentsync",
		BreakerMaxRequests: 1,
		BreakerInterval:    60 * time.Second,
		BreakerTimeout:     30 * time.Second,
		BreakerMinRequests: 5,
		BreakerFailureRate: 0.6,
	}
}

// HTTPOrigin fetches objects over HTTP(S) relative to BaseURL. Repeated
// transport failures and 5xx responses open the circuit breaker, after which
// fetches fail fast with ErrNetwork until the breaker half-opens.
type HTTPOrigin struct {
	BaseURL string
	Client  *http.Client
	Breaker *gobreaker.CircuitBreaker

	maxBytes  int64
	userAgent string
}

func NewHTTPOrigin(cfg HTTPOriginConfig, logger *slog.Logger) (*HTTPOrigin, error) {
	defaults := DefaultHTTPOriginConfig(cfg.BaseURL)
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = defaults.MaxPayloadBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaults.UserAgent
	}
	if cfg.BreakerMaxRequests == 0 {
		cfg.BreakerMaxRequests = defaults.BreakerMaxRequests
	}
	if cfg.BreakerInterval <= 0 {
		cfg.BreakerInterval = defaults.BreakerInterval
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaults.BreakerTimeout
	}
	if cfg.BreakerMinRequests == 0 {
		cfg.BreakerMinRequests = defaults.BreakerMinRequests
	}
	if cfg.BreakerFailureRate <= 0 {
		cfg.BreakerFailureRate = defaults.BreakerFailureRate
	}
	if logger == nil {
		logger = slog.Default()
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid origin base url %q", cfg.BaseURL)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "origin:" + base.Host,
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.BreakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.BreakerFailureRate
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("origin circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		// a missing object or a cancelled caller says nothing about origin health
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrOriginNotFound) ||
				errors.Is(err, context.Canceled)
		},
	})

	return &HTTPOrigin{
		BaseURL:   cfg.BaseURL,
		Client:    &http.Client{Timeout: cfg.Timeout},
		Breaker:   breaker,
		maxBytes:  cfg.MaxPayloadBytes,
		userAgent: cfg.UserAgent,
	}, nil
}

func (o *HTTPOrigin) Fetch(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, originFailure(ctx, "get", p, err)
	}
	cleaned, err := cleanOriginPath(p)
	if err != nil {
		return nil, err
	}
	target, err := url.JoinPath(o.BaseURL, cleaned)
	if err != nil {
		return nil, fmt.Errorf("join origin url %s: %w", cleaned, err)
	}

	out, err := o.Breaker.Execute(func() (interface{}, error) {
		return o.get(ctx, target)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s: %v", ErrNetwork, cleaned, err)
		}
		return nil, err
	}
	return out.([]byte), nil
}

func (o *HTTPOrigin) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", target, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", o.userAgent)

	resp, err := o.Client.Do(req)
	if err != nil {
		return nil, originFailure(ctx, "get", target, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %s", ErrOriginNotFound, target)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: get %s: status %d", ErrNetwork, target, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, o.maxBytes+1))
	if err != nil {
		return nil, originFailure(ctx, "read", target, err)
	}
	if int64(len(data)) > o.maxBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrNetwork, target, o.maxBytes)
	}
	return data, nil
}
