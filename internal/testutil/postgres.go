// README: Shared helpers for DB-backed tests. They skip unless RIDE_TEST_DSN is set.
package testutil

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Postgres connects to RIDE_TEST_DSN, applies migrations and truncates tables.
func Postgres(t *testing.T, tables ...string) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("RIDE_TEST_DSN")
	if dsn == "" {
		t.Skip("RIDE_TEST_DSN not set; skipping DB-backed tests")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	if len(tables) > 0 {
		if _, err := db.Exec(ctx, "TRUNCATE TABLE "+strings.Join(tables, ", ")+" CASCADE"); err != nil {
			t.Fatalf("truncate tables: %v", err)
		}
	}
	return db
}

// Redis connects to RIDE_TEST_REDIS and flushes the selected database.
func Redis(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("RIDE_TEST_REDIS")
	if addr == "" {
		t.Skip("RIDE_TEST_REDIS not set; skipping redis-backed tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush redis: %v", err)
	}
	return client
}

func ApplyMigrations(ctx context.Context, db *pgxpool.Pool) error {
	root, err := repoRoot()
	if err != nil {
		return err
	}
	files, err := filepath.Glob(filepath.Join(root, "migrations", "*.sql"))
	if err != nil {
		return err
	}
	for _, path := range files {
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		for _, stmt := range splitSQL(stripSQLComments(string(content))) {
			if _, err := db.Exec(ctx, stmt); err != nil {
				return err
			}
		}
	}
	return nil
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for i := 0; i < 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

func stripSQLComments(input string) string {
	var b strings.Builder
	sc := bufio.NewScanner(strings.NewReader(input))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		b.WriteString(sc.Text())
		b.WriteString("\n")
	}
	return b.String()
}

func splitSQL(input string) []string {
	parts := strings.Split(input, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if stmt := strings.TrimSpace(p); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// PostgresOptional is Postgres without the skip: it returns nil when
// RIDE_TEST_DSN is unset so a test can fall back to in-memory stores.
func PostgresOptional(t *testing.T, tables ...string) *pgxpool.Pool {
	t.Helper()
	if os.Getenv("RIDE_TEST_DSN") == "" {
		return nil
	}
	return Postgres(t, tables...)
}

// RedisOptional returns a flushed client when RIDE_TEST_REDIS is set, nil otherwise.
func RedisOptional(t *testing.T) *redis.Client {
	t.Helper()
	if os.Getenv("RIDE_TEST_REDIS") == "" {
		return nil
	}
	return Redis(t)
}
