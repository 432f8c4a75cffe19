package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultManifestPath is where the manifest lives relative to the origin root.
const DefaultManifestPath = "manifest.json"

// Manifest is the origin's description of the current dataset.
type Manifest struct {
	DatasetVersion string                   `json:"version" validate:"required,contentversion"`
	AppName        string                   `json:"app_name"`
	LastUpdated    string                   `json:"last_updated"`
	MinAppVersion  string                   `json:"min_app_version,omitempty" validate:"omitempty,contentversion"`
	BaseURL        string                   `json:"base_url,omitempty"`
	Files          map[string]ManifestEntry `json:"files" validate:"required,dive,keys,collectionkey,endkeys"`
	Images         ImagesInfo               `json:"images"`
	Changelog      []ChangelogEntry         `json:"changelog,omitempty"`
}

// ManifestEntry describes one collection payload at the origin.
type ManifestEntry struct {
	// Key is filled from the files map key and is not part of the wire form.
	Key      string `json:"-"`
	Filename string `json:"filename"`
	Path     string `json:"path" validate:"required,originpath"`
	Version  string `json:"version" validate:"required,contentversion"`
	Size     int64  `json:"size" validate:"gte=0"`
	Hash     string `json:"hash,omitempty"`
}

type ImagesInfo struct {
	BaseURL    string   `json:"base_url,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

type ChangelogEntry struct {
	Version string   `json:"version"`
	Date    string   `json:"date"`
	Changes []string `json:"changes"`
}

var manifestValidate = newManifestValidator()

func newManifestValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("contentversion", func(fl validator.FieldLevel) bool {
		return ValidVersion(fl.Field().String())
	})
	_ = v.RegisterValidation("collectionkey", func(fl validator.FieldLevel) bool {
		return ValidateKey(fl.Field().String()) == nil
	})
	_ = v.RegisterValidation("originpath", func(fl validator.FieldLevel) bool {
		_, err := cleanOriginPath(fl.Field().String())
		return err == nil
	})
	return v
}

// ParseManifest decodes and validates a manifest document. Any JSON or
// shape failure is reported as ErrDecode.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrDecode, err)
	}
	if err := manifestValidate.Struct(&m); err != nil {
		return nil, fmt.Errorf("%w: manifest: %s", ErrDecode, describeValidation(err))
	}
	for key, entry := range m.Files {
		entry.Key = key
		m.Files[key] = entry
	}
	return &m, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// CheckCompatible returns ErrIncompatible when the manifest requires a newer
// app than appVersion. An empty appVersion or min_app_version always passes.
func (m *Manifest) CheckCompatible(appVersion string) error {
	if m.MinAppVersion == "" || strings.TrimSpace(appVersion) == "" {
		return nil
	}
	if CompareVersions(appVersion, m.MinAppVersion) < 0 {
		return fmt.Errorf("%w: app %s, manifest requires %s", ErrIncompatible, appVersion, m.MinAppVersion)
	}
	return nil
}

// Entry returns the manifest entry for key.
func (m *Manifest) Entry(key string) (ManifestEntry, bool) {
	if m == nil {
		return ManifestEntry{}, false
	}
	entry, ok := m.Files[key]
	return entry, ok
}

// Entries returns all entries ordered by key.
func (m *Manifest) Entries() []ManifestEntry {
	if m == nil {
		return nil
	}
	out := make([]ManifestEntry, 0, len(m.Files))
	for _, entry := range m.Files {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key < out[j].Key
	})
	return out
}

// ChangesSince returns changelog entries strictly newer than version, newest
// first. Entries with malformed versions are skipped.
func (m *Manifest) ChangesSince(version string) []ChangelogEntry {
	if m == nil {
		return nil
	}
	out := make([]ChangelogEntry, 0)
	for _, entry := range m.Changelog {
		if ValidVersion(entry.Version) && IsNewer(entry.Version, version) {
			out = append(out, entry)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return CompareVersions(out[i].Version, out[j].Version) > 0
	})
	return out
}

// FetchManifest retrieves and parses the manifest with a single origin
// request. When the manifest requires a newer app the parsed manifest is
// returned together with ErrIncompatible.
func FetchManifest(ctx context.Context, origin Origin, manifestPath, appVersion string) (*Manifest, error) {
	if manifestPath == "" {
		manifestPath = DefaultManifestPath
	}
	ctx, span := tracer.Start(ctx, "content.fetch_manifest")
	defer span.End()
	span.SetAttributes(attribute.String("manifest.path", manifestPath))

	data, err := origin.Fetch(ctx, manifestPath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
			return nil, ctxErr
		}
		if errors.Is(err, ErrNetwork) {
			return nil, fmt.Errorf("fetch manifest %s: %w", manifestPath, err)
		}
		// a missing manifest means the origin cannot be used for updates
		return nil, fmt.Errorf("%w: fetch manifest %s: %w", ErrNetwork, manifestPath, err)
	}

	m, err := ParseManifest(data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("manifest.version", m.DatasetVersion),
		attribute.Int("manifest.files", len(m.Files)),
	)
	if err := m.CheckCompatible(appVersion); err != nil {
		span.SetStatus(codes.Error, "incompatible")
		return m, err
	}
	return m, nil
}
