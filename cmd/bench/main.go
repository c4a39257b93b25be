// README: Smoke and load runner for a deployed dispatch API; executes HTTP/DB/Redis checks and prints results.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func main() {
	cfg := loadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	bench := NewRunner(cfg)
	results := bench.RunAll(ctx)

	fmt.Println("\n== Summary ==")
	pass, fail, skipped := 0, 0, 0
	for _, r := range results {
		switch r.Status {
		case StatusPass:
			pass++
		case StatusFail:
			fail++
		case StatusSkip:
			skipped++
		}
	}
	fmt.Printf("PASS=%d FAIL=%d SKIP=%d\n", pass, fail, skipped)

	if fail > 0 || (cfg.Strict && skipped > 0) {
		os.Exit(1)
	}
}

type Config struct {
	BaseURL        string
	DSN            string
	RedisAddr      string
	MigrationPath  string
	ApplyMigration bool
	Strict         bool
	Timeout        time.Duration
	Concurrency    int
	Duration       time.Duration
	City           string
	VehicleType    string
	DriverID       string
	AdminID        string
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.BaseURL, "base-url", envOrDefault("RIDE_BENCH_BASE_URL", "http://localhost:8080"), "API base URL")
	flag.StringVar(&cfg.DSN, "dsn", envOrDefault("RIDE_DB_DSN", ""), "Postgres DSN")
	flag.StringVar(&cfg.RedisAddr, "redis", envOrDefault("RIDE_REDIS_ADDR", ""), "Redis address")
	flag.StringVar(&cfg.MigrationPath, "migration", envOrDefault("RIDE_BENCH_MIGRATION", "migrations/0001_init.sql"), "Migration SQL path")
	flag.BoolVar(&cfg.ApplyMigration, "apply-migration", envOrDefaultBool("RIDE_BENCH_APPLY_MIGRATION", false), "Apply migration SQL before tests")
	flag.BoolVar(&cfg.Strict, "strict", envOrDefaultBool("RIDE_BENCH_STRICT", false), "Fail on skipped checks")
	flag.DurationVar(&cfg.Timeout, "timeout", envOrDefaultDuration("RIDE_BENCH_TIMEOUT", 60*time.Second), "Total timeout")
	flag.IntVar(&cfg.Concurrency, "concurrency", envOrDefaultInt("RIDE_BENCH_CONCURRENCY", 20), "Concurrency for load checks")
	flag.DurationVar(&cfg.Duration, "duration", envOrDefaultDuration("RIDE_BENCH_DURATION", 10*time.Second), "Duration for load checks")
	flag.StringVar(&cfg.City, "city", envOrDefault("RIDE_BENCH_CITY", "metro"), "City with an active fare")
	flag.StringVar(&cfg.VehicleType, "vehicle", envOrDefault("RIDE_BENCH_VEHICLE", "sedan"), "Vehicle type with an active fare")
	flag.StringVar(&cfg.DriverID, "driver", envOrDefault("RIDE_BENCH_DRIVER", "bench-driver"), "Approved driver id used by the flow check")
	flag.StringVar(&cfg.AdminID, "admin", envOrDefault("RIDE_BENCH_ADMIN", "bench-admin"), "Admin caller id")
	flag.Parse()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(v)
		return v == "1" || v == "true" || v == "yes"
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
