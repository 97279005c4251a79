package migrate

import (
    "context"
    "embed"
    "fmt"
    "io/fs"
    "sort"
    "strings"

    "github.com/jackc/pgx/v5"
    "github.com/jackc/pgx/v5/pgxpool"
    "github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// lockKey serializes Apply between api and worker processes starting together.
const lockKey int64 = 0x5375_7070_6c79

func names(fsys fs.FS) ([]string, error) {
    entries, err := fs.ReadDir(fsys, "migrations")
    if err != nil {
        return nil, fmt.Errorf("read migrations: %w", err)
    }
    out := make([]string, 0, len(entries))
    for _, e := range entries {
        if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
            out = append(out, e.Name())
        }
    }
    sort.Strings(out)
    return out, nil
}

// Apply runs every embedded migration not yet recorded, each in its own
// transaction, and returns the names it applied.
func Apply(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) ([]string, error) {
    conn, err := pool.Acquire(ctx)
    if err != nil {
        return nil, fmt.Errorf("acquire conn: %w", err)
    }
    defer conn.Release()
    if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, lockKey); err != nil {
        return nil, fmt.Errorf("migration lock: %w", err)
    }
    defer func() { _, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, lockKey) }()

    if _, err := conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (name text PRIMARY KEY, applied_at timestamptz NOT NULL DEFAULT now())`); err != nil {
        return nil, fmt.Errorf("create schema_migrations: %w", err)
    }
    all, err := names(migrationsFS)
    if err != nil {
        return nil, err
    }

    var applied []string
    for _, name := range all {
        var exists bool
        if err := conn.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE name=$1)`, name).Scan(&exists); err != nil {
            return applied, fmt.Errorf("check migration %s: %w", name, err)
        }
        if exists {
            continue
        }
        sqlBytes, err := migrationsFS.ReadFile("migrations/" + name)
        if err != nil {
            return applied, fmt.Errorf("read migration %s: %w", name, err)
        }
        tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
        if err != nil {
            return applied, fmt.Errorf("begin tx: %w", err)
        }
        if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
            _ = tx.Rollback(ctx)
            return applied, fmt.Errorf("apply migration %s: %w", name, err)
        }
        if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(name) VALUES($1)`, name); err != nil {
            _ = tx.Rollback(ctx)
            return applied, fmt.Errorf("record migration %s: %w", name, err)
        }
        if err := tx.Commit(ctx); err != nil {
            return applied, fmt.Errorf("commit migration %s: %w", name, err)
        }
        logger.Info().Str("migration", name).Msg("migration_applied")
        applied = append(applied, name)
    }
    return applied, nil
}
