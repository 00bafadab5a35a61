// Package test provides a shared database connection for package tests.
// Tests are run against the database named by the POSTGRES_URL environment
// variable; without it, database-backed tests are skipped.
package test

import (
	"context"
	"fmt"
	"os"
	"testing"

	// Packages
	pg "github.com/goauthentik/authentik-sub008"
)

////////////////////////////////////////////////////////////////////////////////
// TYPES

// Conn is a pool shared by the tests of one package.
type Conn struct {
	pg.PoolConn
}

////////////////////////////////////////////////////////////////////////////////
// LIFECYCLE

// Main connects to the test database and runs the tests. The pool is
// closed after the run.
func Main(m *testing.M, conn *Conn) {
	url := os.Getenv("POSTGRES_URL")
	if url == "" {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	pool, err := pg.NewPool(ctx, pg.WithURL(url))
	if err != nil {
		fmt.Fprintln(os.Stderr, "test database:", err)
		os.Exit(1)
	}
	if err := pool.Ping(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "test database:", err)
		os.Exit(1)
	}

	conn.PoolConn = pool
	code := m.Run()
	pool.Close()
	os.Exit(code)
}

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS

// Begin returns the shared connection, skipping the test when no database
// is configured.
func (c Conn) Begin(t *testing.T) Conn {
	t.Helper()
	if c.PoolConn == nil {
		t.Skip("POSTGRES_URL not set, skipping")
	}
	return c
}

// Close is a no-op. The pool is shared across tests and closed by Main.
func (c Conn) Close() {}
