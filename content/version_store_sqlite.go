package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteVersionStore persists the version record in an embedded SQLite
// database. It is the default durable store of the service binary.
type SQLiteVersionStore struct {
	db *sql.DB
}

// OpenSQLiteVersionStore opens or creates the database at path.
func OpenSQLiteVersionStore(path string) (*SQLiteVersionStore, error) {
	if path == "" {
		return nil, errors.New("sqlite version store: db path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer keeps SQLITE_BUSY out of the sync fan-out
	db.SetMaxOpenConns(1)
	store := &SQLiteVersionStore{db: db}
	ctx := context.Background()
	if err := store.applyPragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteVersionStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteVersionStore) applyPragmas(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteVersionStore) migrate(ctx context.Context) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return err
	}

	var version int
	if err = tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return err
	}
	if version < 1 {
		for _, stmt := range []string{
			`CREATE TABLE IF NOT EXISTS dataset_state (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				dataset_version TEXT NOT NULL,
				last_synced_at TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS collection_versions (
				collection TEXT PRIMARY KEY,
				version TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
		} {
			if _, err = tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		if _, err = tx.ExecContext(ctx, "INSERT INTO schema_migrations(version, applied_at) VALUES(1, ?)", time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteVersionStore) Get(ctx context.Context) (VersionRecord, error) {
	rec := DefaultVersionRecord()

	var dataset string
	var lastSynced sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT dataset_version, last_synced_at FROM dataset_state WHERE id = 1").Scan(&dataset, &lastSynced)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return VersionRecord{}, fmt.Errorf("read dataset state: %w", err)
	default:
		rec.DatasetVersion = dataset
		if lastSynced.Valid && lastSynced.String != "" {
			t, perr := time.Parse(time.RFC3339Nano, lastSynced.String)
			if perr == nil {
				rec.LastSyncedAt = &t
			}
		}
	}

	rows, err := s.db.QueryContext(ctx, "SELECT collection, version FROM collection_versions")
	if err != nil {
		return VersionRecord{}, fmt.Errorf("read collection versions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key, version string
		if err := rows.Scan(&key, &version); err != nil {
			return VersionRecord{}, fmt.Errorf("scan collection version: %w", err)
		}
		rec.Collections[key] = version
	}
	if err := rows.Err(); err != nil {
		return VersionRecord{}, fmt.Errorf("collection versions iteration: %w", err)
	}
	rec.normalize()
	return rec, nil
}

func (s *SQLiteVersionStore) SetCollectionVersion(ctx context.Context, key, version string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO collection_versions(collection, version, updated_at) VALUES(?, ?, ?)
ON CONFLICT(collection) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at`,
		key, version, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set collection version %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteVersionStore) ClearCollectionVersion(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM collection_versions WHERE collection = ?", key); err != nil {
		return fmt.Errorf("clear collection version %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteVersionStore) SetDatasetVersion(ctx context.Context, version string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dataset_state(id, dataset_version) VALUES(1, ?)
ON CONFLICT(id) DO UPDATE SET dataset_version = excluded.dataset_version`, version)
	if err != nil {
		return fmt.Errorf("set dataset version: %w", err)
	}
	return nil
}

func (s *SQLiteVersionStore) SetLastSyncedAt(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dataset_state(id, dataset_version, last_synced_at) VALUES(1, ?, ?)
ON CONFLICT(id) DO UPDATE SET last_synced_at = excluded.last_synced_at`,
		DefaultDatasetVersion, t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set last synced at: %w", err)
	}
	return nil
}

func (s *SQLiteVersionStore) Reset(ctx context.Context) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, "DELETE FROM collection_versions"); err != nil {
		return fmt.Errorf("reset collection versions: %w", err)
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM dataset_state"); err != nil {
		return fmt.Errorf("reset dataset state: %w", err)
	}
	return tx.Commit()
}
