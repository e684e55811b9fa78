package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PgMessageStore struct {
	dsn  string
	conn *sql.DB
}

func NewPgMessageStore(dsn string) (*PgMessageStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgMessageStore{dsn: dsn, conn: db}, nil
}

// Migrate applies the embedded schema migrations.
func (db *PgMessageStore) Migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// the migration driver closes its connection when done, so it gets
	// its own pool
	conn, err := sql.Open("postgres", db.dsn)
	if err != nil {
		return err
	}

	driver, err := migratepg.WithInstance(conn, &migratepg.Config{})
	if err != nil {
		conn.Close()
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		conn.Close()
		return fmt.Errorf("new migrate: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	return nil
}

func (db *PgMessageStore) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *PgMessageStore) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
