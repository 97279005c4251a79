package db

import (
    "context"
    "fmt"
    "time"

    "github.com/jackc/pgx/v5/pgxpool"
)

const DefaultMaxConns = 10

type DB struct {
    Pool *pgxpool.Pool
}

// Connect opens a pool and pings it once. maxConns <= 0 uses DefaultMaxConns.
func Connect(ctx context.Context, url string, maxConns int32) (*DB, error) {
    cfg, err := pgxpool.ParseConfig(url)
    if err != nil {
        return nil, fmt.Errorf("parse db url: %w", err)
    }
    if maxConns <= 0 {
        maxConns = DefaultMaxConns
    }
    cfg.MaxConns = maxConns
    cfg.MaxConnIdleTime = 5 * time.Minute
    pool, err := pgxpool.NewWithConfig(ctx, cfg)
    if err != nil {
        return nil, fmt.Errorf("pgxpool: %w", err)
    }
    d := &DB{Pool: pool}
    if err := d.Ping(ctx); err != nil {
        pool.Close()
        return nil, err
    }
    return d, nil
}

// Ping checks the pool with a short deadline; used at startup and by /healthz.
func (d *DB) Ping(ctx context.Context) error {
    ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()
    if err := d.Pool.Ping(ctx); err != nil {
        return fmt.Errorf("db ping: %w", err)
    }
    return nil
}

func (d *DB) Close() {
    d.Pool.Close()
}
