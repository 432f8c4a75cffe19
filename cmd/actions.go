package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mikills/contentsync/content"

	"github.com/labstack/echo/v4"
)

type Dependencies struct {
	MetricsHandler  http.Handler
	Status          func(context.Context) (*content.Status, error)
	Snapshots       func() []content.Snapshot
	Snapshot        func(string) (content.Snapshot, bool)
	Load            func(context.Context, string, bool) (content.Snapshot, error)
	Sync            func(context.Context) (*content.SyncReport, error)
	CheckForUpdates func(context.Context) (*content.UpdateCheck, error)
	ClearCache      func(context.Context) error
	ImageURL        func(string) (string, error)
	Logger          *slog.Logger
}

type collectionSummary struct {
	Key       string         `json:"key"`
	Version   string         `json:"version,omitempty"`
	Source    content.Source `json:"source"`
	UpdatedAt time.Time      `json:"updated_at"`
	Seq       uint64         `json:"seq"`
}

func summarize(s content.Snapshot) collectionSummary {
	return collectionSummary{Key: s.Key, Version: s.Version, Source: s.Source, UpdatedAt: s.UpdatedAt, Seq: s.Seq}
}

func unavailable(c echo.Context) error {
	return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "content engine unavailable"})
}

func Register(e *echo.Echo, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
	})
	if deps.MetricsHandler != nil {
		e.GET("/metrics", echo.WrapHandler(deps.MetricsHandler))
	}

	e.GET("/status", func(c echo.Context) error {
		if deps.Status == nil {
			return unavailable(c)
		}
		status, err := deps.Status(c.Request().Context())
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, status)
	})

	e.GET("/collections", func(c echo.Context) error {
		if deps.Snapshots == nil {
			return unavailable(c)
		}
		snaps := deps.Snapshots()
		out := make([]collectionSummary, 0, len(snaps))
		for _, s := range snaps {
			out = append(out, summarize(s))
		}
		return c.JSON(http.StatusOK, map[string]any{"collections": out})
	})

	// An unpublished collection is resolved from cache or bundle on first
	// request. The origin is only contacted by reload.
	e.GET("/collections/:key", func(c echo.Context) error {
		if deps.Snapshot == nil || deps.Load == nil {
			return unavailable(c)
		}
		key := c.Param("key")
		if err := content.ValidateKey(key); err != nil {
			return WriteError(c, err)
		}
		if snap, ok := deps.Snapshot(key); ok {
			return c.JSON(http.StatusOK, snap)
		}
		snap, err := deps.Load(c.Request().Context(), key, false)
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, snap)
	})

	e.POST("/collections/:key/reload", func(c echo.Context) error {
		if deps.Load == nil {
			return unavailable(c)
		}
		key := c.Param("key")
		if err := content.ValidateKey(key); err != nil {
			return WriteError(c, err)
		}
		remote := false
		if raw := strings.TrimSpace(c.QueryParam("remote")); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				return c.JSON(http.StatusBadRequest, map[string]any{"error": "remote must be a boolean"})
			}
			remote = v
		}
		snap, err := deps.Load(c.Request().Context(), key, remote)
		if err != nil {
			logger.WarnContext(c.Request().Context(), "collection reload failed",
				"collection", key,
				"remote", remote,
				"error", err,
			)
			return WriteError(c, err)
		}
		logger.InfoContext(c.Request().Context(), "collection reloaded",
			"collection", key,
			"source", snap.Source,
			"version", snap.Version,
		)
		return c.JSON(http.StatusOK, summarize(snap))
	})

	e.POST("/sync", func(c echo.Context) error {
		if deps.Sync == nil {
			return unavailable(c)
		}
		report, err := deps.Sync(c.Request().Context())
		if err != nil {
			return WriteError(c, err)
		}
		status := http.StatusOK
		if len(report.Failed()) > 0 {
			status = http.StatusMultiStatus
		}
		return c.JSON(status, report)
	})

	e.GET("/updates", func(c echo.Context) error {
		if deps.CheckForUpdates == nil {
			return unavailable(c)
		}
		check, err := deps.CheckForUpdates(c.Request().Context())
		if err != nil {
			if errors.Is(err, content.ErrIncompatible) && check != nil {
				return c.JSON(http.StatusPreconditionFailed, map[string]any{"error": err.Error(), "check": check})
			}
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, check)
	})

	e.DELETE("/cache", func(c echo.Context) error {
		if deps.ClearCache == nil {
			return unavailable(c)
		}
		if err := deps.ClearCache(c.Request().Context()); err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
	})

	e.GET("/images/*", func(c echo.Context) error {
		if deps.ImageURL == nil {
			return unavailable(c)
		}
		target, err := deps.ImageURL(c.Param("*"))
		if err != nil {
			return c.JSON(http.StatusNotFound, map[string]any{"error": err.Error()})
		}
		return c.Redirect(http.StatusFound, target)
	})
}

// WriteError maps content errors to HTTP statuses.
func WriteError(c echo.Context, err error) error {
	body := map[string]any{"error": err.Error()}
	switch {
	case errors.Is(err, content.ErrInvalidKey):
		return c.JSON(http.StatusBadRequest, body)
	case errors.Is(err, content.ErrNotFound):
		return c.JSON(http.StatusNotFound, body)
	case errors.Is(err, content.ErrSyncInProgress), errors.Is(err, content.ErrSyncLeaseConflict):
		c.Response().Header().Set("Retry-After", "1")
		return c.JSON(http.StatusConflict, body)
	case errors.Is(err, content.ErrIncompatible):
		return c.JSON(http.StatusPreconditionFailed, body)
	case errors.Is(err, context.DeadlineExceeded):
		return c.JSON(http.StatusGatewayTimeout, body)
	case errors.Is(err, content.ErrNetwork), errors.Is(err, content.ErrDecode):
		return c.JSON(http.StatusBadGateway, body)
	default:
		return c.JSON(http.StatusInternalServerError, body)
	}
}
