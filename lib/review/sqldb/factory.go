package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/antimoltbook/verifier/lib/review"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

var ErrMissingDSN = errors.New("sqldb.Config: dsn is missing")

func init() {
	review.Register("sqlite", Factory{dialect: dialectSQLite})
	review.Register("postgres", Factory{dialect: dialectPostgres})
}

// Config is the SQL review backend configuration.
type Config struct {
	// DSN is a go-sqlite3 file name (":memory:" works) or a postgres URL.
	DSN string `json:"dsn"`
}

func (c Config) Valid() error {
	if c.DSN == "" {
		return ErrMissingDSN
	}

	return nil
}

// Factory opens a SQL review repository for one dialect.
type Factory struct {
	dialect dialect
}

func parse(data json.RawMessage) (*Config, error) {
	var config Config
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %w", review.ErrBadConfig, ErrMissingDSN)
	}

	if err := json.Unmarshal([]byte(data), &config); err != nil {
		return nil, fmt.Errorf("%w: %w", review.ErrBadConfig, err)
	}

	if err := config.Valid(); err != nil {
		return nil, fmt.Errorf("%w: %w", review.ErrBadConfig, err)
	}

	return &config, nil
}

func (f Factory) Valid(data json.RawMessage) error {
	_, err := parse(data)
	return err
}

func (f Factory) Build(ctx context.Context, data json.RawMessage) (review.Repository, error) {
	config, err := parse(data)
	if err != nil {
		return nil, err
	}

	db, err := f.open(ctx, config.DSN)
	if err != nil {
		return nil, err
	}

	if err := migrateUp(db, f.dialect); err != nil {
		db.Close()
		return nil, err
	}

	return &Repository{db: db, dialect: f.dialect}, nil
}

func (f Factory) open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open(f.dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("can't open %s database: %w", f.dialect, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("can't ping %s database: %w", f.dialect, err)
	}

	if f.dialect != dialectSQLite {
		return db, nil
	}

	// One connection keeps ":memory:" a single database and serializes
	// writers, which the vote transaction relies on.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %s: %w", pragma, err)
		}
	}

	return db, nil
}
