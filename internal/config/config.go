package config

import (
    "fmt"
    "net/url"
    "os"
    "strconv"
    "strings"
    "time"

    "gopkg.in/yaml.v3"

    "supplier-sync/internal/guard"
)

type Config struct {
    Role                      string        `yaml:"role"`
    APIPort                   int           `yaml:"api_port"`
    DatabaseURL               string        `yaml:"database_url"`
    RedisURL                  string        `yaml:"redis_url"`
    CredentialsKey            string        `yaml:"credentials_key"`
    AdminToken                string        `yaml:"admin_token"`
    SyncSchedule              string        `yaml:"sync_schedule"`
    PageSize                  int           `yaml:"page_size"`
    MaxPages                  int           `yaml:"max_pages"`
    InterPageDelay            time.Duration `yaml:"inter_page_delay"`
    InterSupplierDelay        time.Duration `yaml:"inter_supplier_delay"`
    SupplierTimeout           time.Duration `yaml:"supplier_timeout"`
    KafkaBrokers              []string      `yaml:"kafka_brokers"`
    KafkaAuditTopic           string        `yaml:"kafka_audit_topic"`
    RetentionDays             int           `yaml:"retention_days"`
    LogLevel                  string        `yaml:"log_level"`
    LogFormat                 string        `yaml:"log_format"`
    WebhookMaxBodyBytes       int64         `yaml:"webhook_max_body_bytes"`
    AllowPrivateSupplierHosts bool          `yaml:"allow_private_supplier_hosts"`
    TrustedProxies            []string      `yaml:"trusted_proxies"`
}

func defaults() Config {
    return Config{
        Role:                "api",
        APIPort:             8080,
        SyncSchedule:        "@every 15m",
        PageSize:            100,
        MaxPages:            50,
        InterPageDelay:      500 * time.Millisecond,
        InterSupplierDelay:  2 * time.Second,
        SupplierTimeout:     30 * time.Second,
        KafkaAuditTopic:     "supplier-audit",
        RetentionDays:       30,
        LogLevel:            "info",
        LogFormat:           "json",
        WebhookMaxBodyBytes: 1 << 20,
    }
}

func getenv(key, def string) string {
    if v := os.Getenv(key); v != "" {
        return v
    }
    return def
}

// Parse builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE if set, then environment variables.
func Parse() (*Config, error) {
    cfg := defaults()
    if path := os.Getenv("CONFIG_FILE"); path != "" {
        b, err := os.ReadFile(path)
        if err != nil {
            return nil, fmt.Errorf("read CONFIG_FILE: %w", err)
        }
        if err := yaml.Unmarshal(b, &cfg); err != nil {
            return nil, fmt.Errorf("parse CONFIG_FILE: %w", err)
        }
    }
    if err := applyEnv(&cfg); err != nil {
        return nil, err
    }
    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return &cfg, nil
}

func applyEnv(cfg *Config) error {
    var err error
    cfg.Role = getenv("ROLE", cfg.Role)
    cfg.DatabaseURL = getenv("DATABASE_URL", cfg.DatabaseURL)
    cfg.RedisURL = getenv("REDIS_URL", cfg.RedisURL)
    cfg.CredentialsKey = getenv("CREDENTIALS_KEY", cfg.CredentialsKey)
    cfg.AdminToken = getenv("ADMIN_TOKEN", cfg.AdminToken)
    cfg.SyncSchedule = getenv("SYNC_SCHEDULE", cfg.SyncSchedule)
    cfg.KafkaAuditTopic = getenv("KAFKA_AUDIT_TOPIC", cfg.KafkaAuditTopic)
    cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
    cfg.LogFormat = getenv("LOG_FORMAT", cfg.LogFormat)
    if v := os.Getenv("KAFKA_BROKERS"); v != "" {
        cfg.KafkaBrokers = splitList(v)
    }
    if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
        cfg.TrustedProxies = splitList(v)
    }
    if cfg.APIPort, err = envInt("API_PORT", cfg.APIPort); err != nil { return err }
    if cfg.PageSize, err = envInt("PAGE_SIZE", cfg.PageSize); err != nil { return err }
    if cfg.MaxPages, err = envInt("MAX_PAGES", cfg.MaxPages); err != nil { return err }
    if cfg.RetentionDays, err = envInt("RETENTION_DAYS", cfg.RetentionDays); err != nil { return err }
    if cfg.InterPageDelay, err = envDuration("INTER_PAGE_DELAY", cfg.InterPageDelay); err != nil { return err }
    if cfg.InterSupplierDelay, err = envDuration("INTER_SUPPLIER_DELAY", cfg.InterSupplierDelay); err != nil { return err }
    if cfg.SupplierTimeout, err = envDuration("SUPPLIER_TIMEOUT", cfg.SupplierTimeout); err != nil { return err }
    if v := os.Getenv("WEBHOOK_MAX_BODY_BYTES"); v != "" {
        n, err := strconv.ParseInt(v, 10, 64)
        if err != nil {
            return fmt.Errorf("invalid WEBHOOK_MAX_BODY_BYTES: %w", err)
        }
        cfg.WebhookMaxBodyBytes = n
    }
    if v := os.Getenv("ALLOW_PRIVATE_SUPPLIER_HOSTS"); v != "" {
        b, err := strconv.ParseBool(v)
        if err != nil {
            return fmt.Errorf("invalid ALLOW_PRIVATE_SUPPLIER_HOSTS: %w", err)
        }
        cfg.AllowPrivateSupplierHosts = b
    }
    return nil
}

func (c *Config) validate() error {
    switch c.Role {
    case "api", "worker", "all":
    default:
        return fmt.Errorf("invalid ROLE %q (want api, worker or all)", c.Role)
    }
    if c.DatabaseURL == "" {
        return fmt.Errorf("DATABASE_URL is required")
    }
    if _, err := url.Parse(c.DatabaseURL); err != nil {
        return fmt.Errorf("invalid DATABASE_URL: %w", err)
    }
    if c.RedisURL != "" {
        if _, err := url.Parse(c.RedisURL); err != nil {
            return fmt.Errorf("invalid REDIS_URL: %w", err)
        }
    }
    if c.APIPort <= 0 || c.APIPort > 65535 {
        return fmt.Errorf("invalid API_PORT %d", c.APIPort)
    }
    if c.PageSize <= 0 || c.MaxPages <= 0 {
        return fmt.Errorf("PAGE_SIZE and MAX_PAGES must be positive")
    }
    if c.SupplierTimeout <= 0 {
        return fmt.Errorf("SUPPLIER_TIMEOUT must be positive")
    }
    if c.RetentionDays <= 0 {
        return fmt.Errorf("RETENTION_DAYS must be positive")
    }
    if _, err := guard.ParseProxies(c.TrustedProxies); err != nil {
        return fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
    }
    return nil
}

func envInt(key string, def int) (int, error) {
    v := os.Getenv(key)
    if v == "" {
        return def, nil
    }
    n, err := strconv.Atoi(v)
    if err != nil {
        return 0, fmt.Errorf("invalid %s: %w", key, err)
    }
    return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
    v := os.Getenv(key)
    if v == "" {
        return def, nil
    }
    d, err := time.ParseDuration(v)
    if err != nil {
        return 0, fmt.Errorf("invalid %s: %w", key, err)
    }
    return d, nil
}

func splitList(v string) []string {
    var out []string
    for _, p := range strings.Split(v, ",") {
        if p = strings.TrimSpace(p); p != "" {
            out = append(out, p)
        }
    }
    return out
}
