package main

import (
    "context"
    "errors"
    "fmt"
    "net/http"
    "os/signal"
    "syscall"
    "time"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    "github.com/redis/go-redis/v9"
    "github.com/rs/zerolog"
    "go.opentelemetry.io/otel"
    "go.opentelemetry.io/otel/propagation"
    "golang.org/x/sync/errgroup"

    "supplier-sync/internal/backoff"
    "supplier-sync/internal/config"
    "supplier-sync/internal/db"
    "supplier-sync/internal/guard"
    "supplier-sync/internal/ingest"
    "supplier-sync/internal/ledger"
    "supplier-sync/internal/logging"
    "supplier-sync/internal/metrics"
    "supplier-sync/internal/migrate"
    "supplier-sync/internal/pull"
    "supplier-sync/internal/redisrl"
    "supplier-sync/internal/secrets"
    "supplier-sync/internal/store"
    "supplier-sync/internal/supplierapi"
    "supplier-sync/internal/webhook"
    "supplier-sync/internal/worker"
)

func main() {
    cfg, err := config.Parse()
    if err != nil {
        boot := logging.New("info", "json")
        boot.Fatal().Err(err).Msg("config")
    }
    logger := logging.New(cfg.LogLevel, cfg.LogFormat).With().Str("role", cfg.Role).Logger()

    ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
    defer stop()

    otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

    database, err := db.Connect(ctx, cfg.DatabaseURL, 0)
    if err != nil { logger.Fatal().Err(err).Msg("db_connect") }
    defer database.Close()

    if _, err := migrate.Apply(ctx, database.Pool, logger); err != nil {
        logger.Fatal().Err(err).Msg("migrations")
    }

    var window guard.Window = guard.NewMemoryWindow()
    var bo backoff.Store = backoff.NewMemory()
    if cfg.RedisURL != "" {
        redisOpts, err := redis.ParseURL(cfg.RedisURL)
        if err != nil { logger.Fatal().Err(err).Msg("redis_opts") }
        rdb := redis.NewClient(redisOpts)
        defer rdb.Close()
        if err := rdb.Ping(ctx).Err(); err != nil { logger.Fatal().Err(err).Msg("redis_ping") }
        window, bo = redisrl.New(rdb), redisrl.NewBackoffStore(rdb)
        logger.Info().Msg("shared_throttle_redis")
    } else if cfg.Role != "all" {
        logger.Warn().Msg("throttle_state_in_process_only")
    }

    pgLedger := ledger.NewPG(database.Pool)
    var audit ledger.Ledger = pgLedger
    if len(cfg.KafkaBrokers) > 0 {
        kp := ledger.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaAuditTopic)
        defer kp.Close()
        audit = &ledger.Multi{
            Primary: pgLedger,
            Sinks:   []ledger.Auditor{kp},
            OnError: func(err error) { logger.Warn().Err(err).Msg("audit_sink_error") },
        }
    }

    var dec secrets.Decrypter
    if cfg.CredentialsKey != "" {
        key, err := secrets.ParseKey(cfg.CredentialsKey)
        if err != nil { logger.Fatal().Err(err).Msg("credentials_key") }
        aead, err := secrets.NewAESGCM(key)
        if err != nil { logger.Fatal().Err(err).Msg("credentials_key") }
        dec = aead
    } else {
        logger.Warn().Msg("credentials_key_missing")
    }

    proxies, err := guard.ParseProxies(cfg.TrustedProxies)
    if err != nil { logger.Fatal().Err(err).Msg("trusted_proxies") }

    m := metrics.New(prometheus.DefaultRegisterer)
    offers := store.NewPG(database.Pool)
    client := supplierapi.New(cfg.SupplierTimeout, cfg.AllowPrivateSupplierHosts)
    engine := pull.New(offers, offers, client, bo, dec, audit, m, logger, pull.Config{
        PageSize:           cfg.PageSize,
        MaxPages:           cfg.MaxPages,
        InterPageDelay:     cfg.InterPageDelay,
        InterSupplierDelay: cfg.InterSupplierDelay,
    })
    admission := guard.New(window, audit, m, logger.With().Str("component", "guard").Logger())

    runAPI, runWorker := roles(cfg.Role)
    g, gctx := errgroup.WithContext(ctx)
    if runAPI {
        receiver := webhook.New(offers, offers, admission, audit, m, logger, cfg.WebhookMaxBodyBytes)
        receiver.TrustedProxies = proxies
        srv := &ingest.Server{
            Webhook:    receiver,
            Syncer:     engine,
            Suppliers:  offers,
            Guard:      admission,
            Metrics:    promhttp.Handler(),
            Health:     database.Ping,
            Logger:     logger.With().Str("component", "http").Logger(),
            AdminToken: cfg.AdminToken,

            TrustedProxies: proxies,
        }
        addr := fmt.Sprintf(":%d", cfg.APIPort)
        g.Go(func() error { return serve(gctx, addr, srv.Router(), logger) })
    }
    if runWorker {
        wk := worker.New(engine, pgLedger, admission, bo, cfg.SyncSchedule, cfg.RetentionDays, logger)
        g.Go(func() error {
            if err := wk.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
                return err
            }
            return nil
        })
    }
    if err := g.Wait(); err != nil {
        logger.Fatal().Err(err).Msg("shutdown")
    }
    logger.Info().Msg("bye")
}

// roles reports which halves of the service a ROLE value starts.
func roles(role string) (api, worker bool) {
    switch role {
    case "api":
        return true, false
    case "worker":
        return false, true
    case "all":
        return true, true
    }
    return false, false
}

func serve(ctx context.Context, addr string, h http.Handler, logger zerolog.Logger) error {
    srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
    go func() {
        <-ctx.Done()
        shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
        defer cancel()
        _ = srv.Shutdown(shutdownCtx)
    }()
    logger.Info().Str("addr", addr).Msg("api_listen")
    if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
        return err
    }
    return nil
}
