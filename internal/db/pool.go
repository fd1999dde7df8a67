// Package db is the pooled relational-store client: connection setup,
// and the queries against basics.transactions/blocks/contracts/metrics
// used by the notification listener, the basics verb handlers, and the
// metrics aggregator.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Config holds the connection coordinates resolved from the Config
// Registry (or from config.DBSettings on a worker that only has the
// environment).
type Config struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	MinConnections int
	MaxConnections int
}

func (c Config) dsn() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.Name,
	)
}

// DB wraps the pooled sqlx handle used by every query in this package.
type DB struct {
	*sqlx.DB
}

// Open establishes the pool, applies the configured connection limits,
// and verifies connectivity with a 5-second ping.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	conn, err := sqlx.Open("postgres", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxConnections > 0 {
		conn.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MinConnections > 0 {
		conn.SetMaxIdleConns(cfg.MinConnections)
	}
	conn.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{DB: conn}, nil
}

// DedicatedConn returns the driver name and DSN for a single out-of-pool
// connection; it opens nothing itself. The notification listener uses
// them for its long-lived LISTEN session.
func (c Config) DedicatedConn() (string, string) {
	return "postgres", c.dsn()
}
