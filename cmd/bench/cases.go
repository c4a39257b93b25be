// README: Check cases: environment, schema, ride flow, wallet holds, concurrency and throughput.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
}

type Result struct {
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

type caller struct {
	id   string
	role string
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: checkPostgres},
		{Name: "Env: Redis connect", Run: checkRedis},
		{Name: "Migration: apply (optional)", Run: applyMigration},
		{Name: "Migration: tables exist", Run: checkTables},
		{Name: "API: healthz", Run: func(ctx context.Context, r *Runner) Result {
			status, _, latency, err := r.call(ctx, http.MethodGet, "/healthz", caller{}, nil)
			return expect(status, latency, err, http.StatusOK)
		}},
		{Name: "API: missing identity -> 401", Run: func(ctx context.Context, r *Runner) Result {
			status, _, latency, err := r.call(ctx, http.MethodPost, "/api/rides", caller{}, map[string]any{})
			return expect(status, latency, err, http.StatusUnauthorized)
		}},
		{Name: "Pricing: estimate", Run: func(ctx context.Context, r *Runner) Result {
			status, body, latency, err := r.call(ctx, http.MethodPost, "/api/rides/estimate", caller{"bench-rider", "rider"}, r.route())
			res := expect(status, latency, err, http.StatusOK)
			if res.Status == StatusPass {
				res.Note = fmt.Sprintf("fare=%v", body["fare"])
			}
			return res
		}},
		{Name: "Pricing: unknown city -> 422", Run: func(ctx context.Context, r *Runner) Result {
			route := r.route()
			route["city"] = "bench-nowhere"
			status, _, latency, err := r.call(ctx, http.MethodPost, "/api/rides/estimate", caller{"bench-rider", "rider"}, route)
			return expect(status, latency, err, http.StatusUnprocessableEntity)
		}},
		{Name: "Flow: request, accept, start, complete", Run: rideFlow},
		{Name: "Wallet: hold and release", Run: walletHold},
		{Name: "Concurrency: one driver, many riders", Run: oneDriverManyRiders},
		{Name: "Perf: estimate throughput", Run: func(ctx context.Context, r *Runner) Result {
			return perfLoad(ctx, r, "/api/rides/estimate", r.route())
		}},
	}
}

func checkPostgres(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: StatusSkip, Note: "db not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	return Result{Status: StatusPass}
}

func checkRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: StatusSkip, Note: "redis not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	return Result{Status: StatusPass}
}

func applyMigration(ctx context.Context, r *Runner) Result {
	if !r.cfg.ApplyMigration {
		return Result{Status: StatusSkip, Note: "apply-migration=false"}
	}
	if r.db == nil {
		return Result{Status: StatusFail, Note: "db not configured"}
	}
	sql, err := os.ReadFile(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	for _, s := range splitSQL(string(sql)) {
		if _, err := r.db.Exec(ctx, s); err != nil {
			return Result{Status: StatusFail, Note: err.Error()}
		}
	}
	return Result{Status: StatusPass}
}

func checkTables(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: StatusSkip, Note: "db not configured"}
	}
	tables, err := extractTables(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			t,
		).Scan(&exists)
		if err != nil {
			return Result{Status: StatusFail, Note: err.Error()}
		}
		if !exists {
			return Result{Status: StatusFail, Note: "missing table: " + t}
		}
	}
	return Result{Status: StatusPass, Note: fmt.Sprintf("%d tables", len(tables))}
}

// rideFlow needs cfg.DriverID to be an approved driver in the configured
// city and vehicle type.
func rideFlow(ctx context.Context, r *Runner) Result {
	start := time.Now()
	driver := caller{r.cfg.DriverID, "driver"}
	rider := caller{"bench-rider-" + uuid.NewString()[:8], "rider"}
	route := r.route()

	if status, _, _, err := r.call(ctx, http.MethodPut, "/api/drivers/availability", driver, map[string]any{
		"online": true, "lat": route["pickup_lat"], "lng": route["pickup_lng"],
	}); err != nil || status != http.StatusOK {
		return Result{Status: StatusFail, Note: fmt.Sprintf("availability status=%d err=%v", status, err)}
	}
	route["payment_method"] = "cash"
	status, body, _, err := r.call(ctx, http.MethodPost, "/api/rides", rider, route)
	if err != nil || status != http.StatusCreated {
		return Result{Status: StatusFail, Note: fmt.Sprintf("create status=%d err=%v", status, err)}
	}
	id, _ := body["id"].(string)
	if body["driver_id"] != r.cfg.DriverID {
		return Result{Status: StatusFail, Note: fmt.Sprintf("ride %s matched to %v", id, body["driver_id"])}
	}
	for _, step := range []string{"accept", "start", "complete"} {
		status, body, _, err = r.call(ctx, http.MethodPost, "/api/rides/"+id+"/"+step, driver, map[string]any{})
		if err != nil || status != http.StatusOK {
			return Result{Status: StatusFail, Note: fmt.Sprintf("%s status=%d err=%v", step, status, err)}
		}
	}
	rv, _ := body["ride"].(map[string]any)
	if rv["status"] != "completed" {
		return Result{Status: StatusFail, Note: fmt.Sprintf("final status %v", rv["status"])}
	}
	return Result{Status: StatusPass, Latency: time.Since(start), Note: fmt.Sprintf("fare=%v", rv["actual_fare"])}
}

func walletHold(ctx context.Context, r *Runner) Result {
	start := time.Now()
	admin := caller{r.cfg.AdminID, "admin"}
	driverID := "bench-wallet-" + uuid.NewString()[:8]
	base := "/api/wallets/driver/" + driverID

	if status, _, _, err := r.call(ctx, http.MethodPost, base+"/topup", admin, map[string]any{
		"amount": "100", "reference_id": "bench-topup",
	}); err != nil || status != http.StatusCreated {
		return Result{Status: StatusFail, Note: fmt.Sprintf("topup status=%d err=%v", status, err)}
	}
	status, body, _, err := r.call(ctx, http.MethodPost, base+"/reserve", admin, map[string]any{
		"amount": "30", "reference_id": "bench-hold",
	})
	if err != nil || status != http.StatusCreated {
		return Result{Status: StatusFail, Note: fmt.Sprintf("reserve status=%d err=%v", status, err)}
	}
	res, _ := body["reservation"].(map[string]any)
	resID, _ := res["id"].(string)
	if status, _, _, err := r.call(ctx, http.MethodPost, "/api/reservations/"+resID+"/release", admin, nil); err != nil || status != http.StatusOK {
		return Result{Status: StatusFail, Note: fmt.Sprintf("release status=%d err=%v", status, err)}
	}
	_, body, _, err = r.call(ctx, http.MethodGet, base+"/verify", admin, nil)
	if err != nil || body["consistent"] != true {
		return Result{Status: StatusFail, Note: fmt.Sprintf("verify %v err=%v", body, err)}
	}
	return Result{Status: StatusPass, Latency: time.Since(start)}
}

// oneDriverManyRiders brings a single fresh driver online and fires
// concurrent requests at it. At most one ride may be matched to it.
func oneDriverManyRiders(ctx context.Context, r *Runner) Result {
	driverID := r.cfg.DriverID
	route := r.route()
	if status, _, _, err := r.call(ctx, http.MethodPut, "/api/drivers/availability", caller{driverID, "driver"}, map[string]any{
		"online": true, "lat": route["pickup_lat"], "lng": route["pickup_lng"],
	}); err != nil || status != http.StatusOK {
		return Result{Status: StatusFail, Note: fmt.Sprintf("availability status=%d err=%v", status, err)}
	}

	var matched int64
	var wg sync.WaitGroup
	startCh := make(chan struct{})
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-startCh
			rider := caller{fmt.Sprintf("bench-race-%s-%d", uuid.NewString()[:6], i), "rider"}
			status, body, _, err := r.call(ctx, http.MethodPost, "/api/rides", rider, r.route())
			if err == nil && status == http.StatusCreated && body["driver_id"] == driverID {
				atomic.AddInt64(&matched, 1)
			}
		}(i)
	}
	close(startCh)
	wg.Wait()

	if matched > 1 {
		return Result{Status: StatusFail, Note: fmt.Sprintf("driver matched %d times", matched)}
	}
	return Result{Status: StatusPass, Note: fmt.Sprintf("matched=%d", matched)}
}

func (r *Runner) route() map[string]any {
	return map[string]any{
		"pickup_lat":   25.033,
		"pickup_lng":   121.565,
		"dropoff_lat":  25.0478,
		"dropoff_lng":  121.5318,
		"city":         r.cfg.City,
		"vehicle_type": r.cfg.VehicleType,
	}
}

func (r *Runner) call(ctx context.Context, method, path string, who caller, body any) (int, map[string]any, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if who.id != "" {
		req.Header.Set("X-Actor-ID", who.id)
		req.Header.Set("X-Actor-Role", who.role)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()
	latency := time.Since(start)
	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out, latency, nil
}

func expect(status int, latency time.Duration, err error, want int) Result {
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	if status != want {
		return Result{Status: StatusFail, Latency: latency, Note: fmt.Sprintf("status=%d want=%d", status, want)}
	}
	return Result{Status: StatusPass, Latency: latency}
}

func perfLoad(ctx context.Context, r *Runner, path string, payload any) Result {
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount int64
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				status, _, _, err := r.call(ctx, http.MethodPost, path, caller{"bench-load", "rider"}, payload)
				if err != nil || status >= 500 {
					atomic.AddInt64(&errCount, 1)
					continue
				}
				atomic.AddInt64(&count, 1)
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: StatusFail, Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: StatusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
