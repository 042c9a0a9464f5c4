package sqlite

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nulzo/sermon-proxy/internal/store"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// defaultPragmas are go-sqlite3 DSN options applied when the caller passes a
// bare path. A DSN that already carries a query string is used untouched.
const defaultPragmas = "_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

func withPragmas(dsn string) string {
	if dsn == ":memory:" || strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?" + defaultPragmas
}

// NewSQLiteStorage opens the usage database at dsn and brings its schema up
// to date.
func NewSQLiteStorage(dsn string, logger *zap.Logger) (store.Repository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sqlx.Connect("sqlite3", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	// single writer; WAL still lets readers through
	db.SetMaxOpenConns(1)

	if err := migrateUp(db, logger.With(zap.String("dsn", dsn))); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate usage db: %w", err)
	}
	return NewSqliteRepository(db), nil
}

func migrateUp(db *sqlx.DB, logger *zap.Logger) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}

	switch err := m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
	case err != nil:
		return err
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return err
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty", version)
	}
	logger.Debug("Usage schema ready", zap.Uint("version", version))
	return nil
}
