package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != "memory" || cfg.Notifier != "log" {
		t.Fatalf("unexpected backends: %s %s", cfg.Store, cfg.Notifier)
	}
	if cfg.Matching.MinMatchScore != 70 || cfg.Matching.DepartureWindow() != 30*time.Minute {
		t.Fatalf("unexpected matching defaults: %+v", cfg.Matching)
	}
	if cfg.HTTP.ReadTimeout != 10*time.Second {
		t.Fatalf("read timeout = %s", cfg.HTTP.ReadTimeout)
	}
	if cfg.Location.MinInterval != time.Second || cfg.Location.MetricsAddr != ":9091" {
		t.Fatalf("unexpected location defaults: %+v", cfg.Location)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RIDE_MATCH_MIN_SCORE", "65.5")
	t.Setenv("RIDE_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("RIDE_STORE", "postgres")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Matching.MinMatchScore != 65.5 {
		t.Fatalf("min score = %v", cfg.Matching.MinMatchScore)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("brokers = %v", cfg.Kafka.Brokers)
	}
}

func TestLoadKeepsZeroMinScore(t *testing.T) {
	t.Setenv("RIDE_MATCH_MIN_SCORE", "0")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Matching.MinMatchScore != 0 {
		t.Fatalf("min score = %v, want 0", cfg.Matching.MinMatchScore)
	}
}

func TestLoadCollectsErrors(t *testing.T) {
	t.Setenv("RIDE_MATCH_TICK", "soon")
	t.Setenv("RIDE_HTTP_READ_TIMEOUT", "ten")
	t.Setenv("RIDE_NOTIFIER", "pigeon")
	t.Setenv("RIDE_MATCH_MIN_SCORE", "120")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"RIDE_MATCH_TICK", "RIDE_HTTP_READ_TIMEOUT", "RIDE_NOTIFIER", "RIDE_MATCH_MIN_SCORE"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
}
