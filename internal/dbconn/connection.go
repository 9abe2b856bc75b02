// Package dbconn opens the tenant-scoped Postgres connection pool used by
// pkg/persistence, the same DefaultConfig/LoadFromEnv/Open shape the
// teacher's internal/database package tests.
package dbconn

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		User:            "orchestrator",
		Database:        "orchestrator",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// LoadFromEnv overlays DB_* environment variables onto cfg, returning cfg for
// chaining.
func (cfg *Config) LoadFromEnv() *Config {
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Database = v
	}
	if v := os.Getenv("DB_SSL_MODE"); v != "" {
		cfg.SSLMode = v
	}
	return cfg
}

func (cfg *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)
}

// Open creates a *sqlx.DB backed by the pq driver for the repository layer
// (jmoiron/sqlx query ergonomics) and a pgxpool.Pool for statements that want
// pgx's native type handling (JSONB snapshots, COPY). Both share the same
// DSN; pairing them is how the teacher's go.mod carries pgx, sqlx and lib/pq
// together rather than choosing just one driver.
func Open(ctx context.Context, cfg *Config) (*sqlx.DB, *pgxpool.Pool, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("sqlx connect: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("pgxpool connect: %w", err)
	}

	return db, pool, nil
}
