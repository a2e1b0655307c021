package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	logx "herald/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is the shared SQLite handle. The notification store, the directory and
// the entity resolver all read through it.
type DB struct {
	*sqlx.DB
	log      logx.Logger
	migrated atomic.Bool
}

// Open opens the configured database and applies pending migrations.
func Open(cfg Config, log logx.Logger) (*DB, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	var dsn string
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "memory":
		dsn = ":memory:"
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("sqlite path is required")
		}
		if cfg.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, fmt.Errorf("creating db dir: %w", err)
			}
		}
		dsn = cfg.Path
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}

	sdb, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and an in-memory
	// database only exists per connection.
	sdb.SetMaxOpenConns(1)
	sdb.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = sdb.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = sdb.Exec("PRAGMA journal_mode = WAL")
	_, _ = sdb.Exec("PRAGMA synchronous = NORMAL")

	db := &DB{DB: sdb, log: log}
	if err := db.Migrate(context.Background()); err != nil {
		_ = sdb.Close()
		return nil, err
	}
	return db, nil
}

type migration struct {
	version int
	name    string
	sql     string
}

func loadMigrations() ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	out := make([]migration, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: missing version prefix", name)
		}
		v, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
		b, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, err
		}
		out = append(out, migration{version: v, name: name, sql: string(b)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Migrate applies outstanding migrations once per DB; later calls are no-ops.
func (db *DB) Migrate(ctx context.Context) error {
	if !db.migrated.CompareAndSwap(false, true) {
		return nil
	}
	if err := db.migrate(ctx); err != nil {
		db.migrated.Store(false)
		return err
	}
	return nil
}

func (db *DB) migrate(ctx context.Context) error {
	ms, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("creating schema_version: %w", err)
	}
	var current int
	if err := db.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range ms {
		if m.version <= current {
			continue
		}
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning migration v%d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES(?)`, m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration v%d: %w", m.version, err)
		}
		db.log.Debug("migration applied", logx.Int("version", m.version), logx.String("name", m.name))
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
