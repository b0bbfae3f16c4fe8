package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ApplicationName tags the daemon's sessions in pg_stat_activity.
const ApplicationName = "evpn-routed"

const (
	journalConnIdleTime     = 5 * time.Minute
	journalHealthCheckEvery = 30 * time.Second
)

// NewPool opens the pool shared by the route-event journal, the migrator and
// partition maintenance. The database must answer a ping before it returns.
func NewPool(ctx context.Context, dsn string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := poolConfig(dsn, maxConns, minConns)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// poolConfig parses dsn and applies the journal's sizing. An application_name
// set in the DSN wins.
func poolConfig(dsn string, maxConns, minConns int32) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = min(minConns, maxConns)
	// The journal writer holds one connection per flush; idle extras are
	// returned between bursts.
	cfg.MaxConnIdleTime = journalConnIdleTime
	cfg.HealthCheckPeriod = journalHealthCheckEvery
	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		cfg.ConnConfig.RuntimeParams["application_name"] = ApplicationName
	}
	return cfg, nil
}
