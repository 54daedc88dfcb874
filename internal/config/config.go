// Package config provides configuration loading and validation for the
// dispatcher and its background tasks.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	// Port is the TCP port the server listens on (e.g. "8080").
	Port string

	// StoreBackend selects the coordination store: "redis" or "sqlite".
	StoreBackend string

	// StoreURL is the Redis endpoint, e.g. redis://localhost:6379/0.
	StoreURL string

	// SQLitePath is the database file path when StoreBackend is "sqlite".
	// ":memory:" is accepted for tests.
	SQLitePath string

	// CORSOrigins is the list of allowed origins for browser clients.
	CORSOrigins []string

	// HeartbeatStale is the window after which a silent worker counts as
	// offline. Workers are told to heartbeat at half this interval.
	HeartbeatStale time.Duration

	// LeaseTimeout bounds how long a worker may hold a job before the
	// lease expires and the reaper may requeue it.
	LeaseTimeout time.Duration

	// TotalJobTimeout is the advisory end-to-end cap carried in each lease
	// for the worker to honor.
	TotalJobTimeout time.Duration

	// P0Enabled turns the high-priority queue on.
	P0Enabled bool

	// PriorityIPs are requester IPs whose submissions go to the P0 queue.
	PriorityIPs map[string]struct{}

	// SweeperEnabled starts the lease reaper in this process.
	SweeperEnabled bool

	// SweepInterval is the reaper period.
	SweepInterval time.Duration

	// EventsMax caps the per-job rolling event log.
	EventsMax int

	// MaxRetries bounds how many times a job is requeued after worker
	// errors or lease expiry before it is failed.
	MaxRetries int

	// Admin JWT parameters.
	JWTSecret string
	JWTIssuer string
	JWTAud    string
	JWTExpiry time.Duration

	// AdminUser and AdminPassHash authenticate the single admin account.
	// AdminPassHash is a bcrypt hash; if empty, ADMIN_PASS is hashed at
	// startup (dev convenience only).
	AdminUser     string
	AdminPass     string
	AdminPassHash string

	// Blob store settings. BlobBackend is "s3" or "memory". The key pair
	// is optional; without it the standard AWS credential chain applies.
	BlobBackend   string
	BlobBucket    string
	BlobEndpoint  string
	BlobRegion    string
	BlobAccessKey string
	BlobSecretKey string

	// ShutdownTimeout is the timeout for graceful shutdown.
	ShutdownTimeout time.Duration
}

var defaultCORSOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"http://localhost:3000",
	"http://127.0.0.1:3000",
}

// Load reads configuration from environment variables, applies defaults and
// validates required values. If CONTROLLER_ENV_FILE points at a dotenv file
// it is loaded first (missing file is not an error).
func Load() (*Config, error) {
	if path := strings.TrimSpace(os.Getenv("CONTROLLER_ENV_FILE")); path != "" {
		_ = godotenv.Overload(path)
	}

	cfg := &Config{
		Port:         envDefault("PORT", "8080"),
		StoreBackend: strings.ToLower(envDefault("STORE_BACKEND", "redis")),
		StoreURL:     envDefault("STORE_URL", "redis://localhost:6379/0"),
		SQLitePath:   strings.TrimSpace(os.Getenv("SQLITE_PATH")),
		AdminUser:    envDefault("ADMIN_USER", "admin"),
		AdminPass:    os.Getenv("ADMIN_PASS"),
		JWTSecret:    envDefault("JWT_SECRET", "change-me"),
		JWTIssuer:    envDefault("JWT_ISS", "gpupool-controller"),
		JWTAud:       envDefault("JWT_AUD", "admin"),
		BlobBackend:  strings.ToLower(envDefault("BLOB_BACKEND", "s3")),
		BlobBucket:   strings.TrimSpace(os.Getenv("BLOB_BUCKET")),
		BlobEndpoint: strings.TrimSpace(os.Getenv("BLOB_ENDPOINT")),
		BlobRegion:   envDefault("BLOB_REGION", "us-east-1"),
	}
	cfg.BlobAccessKey = strings.TrimSpace(os.Getenv("BLOB_ACCESS_KEY"))
	cfg.BlobSecretKey = strings.TrimSpace(os.Getenv("BLOB_SECRET_KEY"))

	cfg.AdminPassHash = strings.TrimSpace(os.Getenv("ADMIN_PASS_HASH"))

	switch cfg.StoreBackend {
	case "redis":
	case "sqlite":
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("SQLITE_PATH is required when STORE_BACKEND=sqlite")
		}
	default:
		return nil, fmt.Errorf("invalid STORE_BACKEND %q (want redis or sqlite)", cfg.StoreBackend)
	}

	switch cfg.BlobBackend {
	case "s3":
		if cfg.BlobBucket == "" {
			return nil, fmt.Errorf("BLOB_BUCKET is required when BLOB_BACKEND=s3")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("invalid BLOB_BACKEND %q (want s3 or memory)", cfg.BlobBackend)
	}

	cfg.CORSOrigins = splitCSV(envDefault("CORS_ORIGINS", strings.Join(defaultCORSOrigins, ",")))

	var err error
	if cfg.HeartbeatStale, err = envSeconds("HEARTBEAT_STALE_SEC", 30); err != nil {
		return nil, err
	}
	if cfg.LeaseTimeout, err = envSeconds("JOB_LEASE_TIMEOUT_SEC", 180); err != nil {
		return nil, err
	}
	if cfg.TotalJobTimeout, err = envSeconds("TOTAL_JOB_TIMEOUT_SEC", 300); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = envSeconds("LEASE_SWEEP_SEC", 2); err != nil {
		return nil, err
	}

	cfg.P0Enabled = envBool("P0_ENABLED", true)
	cfg.SweeperEnabled = envBool("LEASE_SWEEPER_ENABLED", false)

	cfg.PriorityIPs = make(map[string]struct{})
	for _, ip := range splitCSV(os.Getenv("PRIORITY_IPS")) {
		cfg.PriorityIPs[ip] = struct{}{}
	}

	if cfg.EventsMax, err = envInt("EVENTS_MAX", 200); err != nil {
		return nil, err
	}
	if cfg.EventsMax < 1 {
		return nil, fmt.Errorf("EVENTS_MAX must be >= 1")
	}
	if cfg.MaxRetries, err = envInt("MAX_RETRIES", 3); err != nil {
		return nil, err
	}

	expMin, err := envInt("JWT_EXP_MIN", 720)
	if err != nil {
		return nil, err
	}
	cfg.JWTExpiry = time.Duration(expMin) * time.Minute

	st := strings.TrimSpace(os.Getenv("SHUTDOWN_TIMEOUT"))
	if st == "" {
		cfg.ShutdownTimeout = 30 * time.Second
	} else {
		d, err := time.ParseDuration(st)
		if err != nil {
			return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
		}
		cfg.ShutdownTimeout = d
	}

	return cfg, nil
}

// IsPriorityIP reports whether submissions from ip belong on the P0 queue.
func (c *Config) IsPriorityIP(ip string) bool {
	if !c.P0Enabled {
		return false
	}
	_, ok := c.PriorityIPs[ip]
	return ok
}

// HeartbeatIntervalSec is the interval recommended to workers at
// registration: half the stale threshold, never below 2s.
func (c *Config) HeartbeatIntervalSec() int {
	iv := int(c.HeartbeatStale.Seconds()) / 2
	if iv < 2 {
		iv = 2
	}
	return iv
}

func envDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "0", "false", "no", "off":
		return false
	}
	return true
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envSeconds(key string, def float64) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return time.Duration(def * float64(time.Second)), nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if f <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return time.Duration(f * float64(time.Second)), nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
