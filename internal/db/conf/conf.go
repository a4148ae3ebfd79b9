// Package conf
package conf

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds database connection settings and, once opened, the handle.
type Config struct {
	Driver  string
	DSN     string
	MaxOpen int
	MaxIdle int
	DB      *sql.DB
}

// Open connects and pings the database. The driver must already be
// registered by importing it.
func Open(ctx context.Context, c Config) (Config, error) {
	db, err := sql.Open(c.Driver, c.DSN)
	if err != nil {
		return c, fmt.Errorf("open %s: %w", c.Driver, err)
	}

	if c.Driver == DriverSQLite {
		// One connection keeps in-memory databases alive and writes serialized.
		db.SetMaxOpenConns(1)
	} else {
		if c.MaxOpen > 0 {
			db.SetMaxOpenConns(c.MaxOpen)
		}
		if c.MaxIdle > 0 {
			db.SetMaxIdleConns(c.MaxIdle)
		}
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return c, fmt.Errorf("ping %s: %w", c.Driver, err)
	}

	c.DB = db
	return c, nil
}

// NewTestConfig returns a private database for a test and a cleanup func.
// It uses an in-memory SQLite database, or the Postgres server named by
// TEST_DB_CONN_STR when set (the test is skipped if that server is down).
func NewTestConfig(t *testing.T) (Config, func()) {
	t.Helper()

	c := Config{Driver: DriverSQLite, DSN: "file::memory:"}
	if dsn := os.Getenv("TEST_DB_CONN_STR"); dsn != "" {
		c = Config{Driver: DriverPostgres, DSN: dsn, MaxOpen: 4, MaxIdle: 2}
	}

	opened, err := Open(context.Background(), c)
	if err != nil {
		if c.Driver == DriverPostgres {
			t.Skipf("Skipping test: PostgreSQL is not running or not accessible: %v", err)
			return c, func() {}
		}
		t.Fatalf("Failed to open test database: %v", err)
	}

	return opened, func() {
		if opened.Driver == DriverPostgres {
			for _, table := range []string{"ticks", "actions", "events"} {
				opened.DB.Exec("DROP TABLE IF EXISTS " + table)
			}
		}
		opened.DB.Close()
	}
}
