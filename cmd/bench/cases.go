// README: Benchmark test cases; HTTP lifecycle, socket tracking, DB, Redis and throughput checks.
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
	"time"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"courier/internal/infra"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	// order created by the submit case and carried through the lifecycle cases
	order string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
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
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-7s %s", res.Status, tc.Name)
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
		{Name: "Env: Postgres connect", Run: pingDB},
		{Name: "Env: Redis connect", Run: pingRedis},
		{Name: "Migration: apply (optional)", Run: applyMigration},
		{Name: "Migration: tables exist", Run: tablesExist},
		{Name: "API: health", Run: func(ctx context.Context, r *Runner) Result {
			status, _, latency, err := r.call(ctx, http.MethodGet, "/health", "", nil)
			return expectStatus(status, latency, err, http.StatusOK)
		}},

		{Name: "Order: submit (valid)", Run: func(ctx context.Context, r *Runner) Result {
			number, res := r.submit(ctx)
			r.order = number
			return res
		}},
		{Name: "Order: submit (bad coords -> 400)", Run: func(ctx context.Context, r *Runner) Result {
			status, _, latency, err := r.call(ctx, http.MethodPost, "/api/public/order", "", map[string]any{
				"name": "bench", "phone": "000", "lat": 123.0, "lng": 31.0,
			})
			return expectStatus(status, latency, err, http.StatusBadRequest)
		}},
		{Name: "Order: track", Run: func(ctx context.Context, r *Runner) Result {
			if r.order == "" {
				return Result{Status: "SKIP", Note: "no order submitted"}
			}
			status, _, latency, err := r.call(ctx, http.MethodGet, "/api/public/order/"+r.order, "", nil)
			return expectStatus(status, latency, err, http.StatusOK)
		}},
		{Name: "Order: track unknown -> 404", Run: func(ctx context.Context, r *Runner) Result {
			status, _, latency, err := r.call(ctx, http.MethodGet, "/api/public/order/ORD-0-NOPE", "", nil)
			return expectStatus(status, latency, err, http.StatusNotFound)
		}},
		{Name: "Auth: accept without token -> 401", Run: func(ctx context.Context, r *Runner) Result {
			status, _, latency, err := r.call(ctx, http.MethodPost, "/api/orders/accept", "", map[string]any{"order_number": "x"})
			return expectStatus(status, latency, err, http.StatusUnauthorized)
		}},
		{Name: "Socket: join-order catch-up", Run: socketCatchUp},
		{Name: "Order: driver accept", Run: func(ctx context.Context, r *Runner) Result {
			return r.driverCall(ctx, "/api/orders/accept", "bench-d1", map[string]any{"order_number": r.order}, http.StatusOK)
		}},
		{Name: "Order: accept twice -> 409", Run: func(ctx context.Context, r *Runner) Result {
			return r.driverCall(ctx, "/api/orders/accept", "bench-d2", map[string]any{"order_number": r.order}, http.StatusConflict)
		}},
		{Name: "Location: driver update", Run: func(ctx context.Context, r *Runner) Result {
			return r.driverCall(ctx, "/api/orders/location/update", "bench-d1", map[string]any{"lat": 30.005, "lng": 31.005}, http.StatusOK)
		}},
		{Name: "Location: invalid coords -> 400", Run: func(ctx context.Context, r *Runner) Result {
			return r.driverCall(ctx, "/api/orders/location/update", "bench-d1", map[string]any{"lat": 123.0, "lng": 456.0}, http.StatusBadRequest)
		}},
		{Name: "Order: complete by other driver -> 409", Run: func(ctx context.Context, r *Runner) Result {
			return r.driverCall(ctx, "/api/orders/complete", "bench-d2", map[string]any{"order_number": r.order}, http.StatusConflict)
		}},
		{Name: "Order: driver complete", Run: func(ctx context.Context, r *Runner) Result {
			return r.driverCall(ctx, "/api/orders/complete", "bench-d1", map[string]any{"order_number": r.order}, http.StatusOK)
		}},
		{Name: "Order: delivered cannot transition", Run: func(ctx context.Context, r *Runner) Result {
			return r.driverCall(ctx, "/api/orders/accept", "bench-d1", map[string]any{"order_number": r.order}, http.StatusConflict)
		}},
		{Name: "Order: rate delivered", Run: func(ctx context.Context, r *Runner) Result {
			if r.order == "" {
				return Result{Status: "SKIP", Note: "no order submitted"}
			}
			status, _, latency, err := r.call(ctx, http.MethodPost, "/api/public/order/"+r.order+"/rating", "", map[string]any{"rating": 5})
			return expectStatus(status, latency, err, http.StatusOK)
		}},

		{Name: "Concurrency: multi accept same order", Run: concurrentAccept},

		{Name: "Perf: submit throughput", Run: func(ctx context.Context, r *Runner) Result {
			return perfLoad(ctx, r, "/api/public/order", "", map[string]any{
				"name": "bench", "phone": "000", "address": "Cairo", "lat": 30.0, "lng": 31.0,
			})
		}},
		{Name: "Perf: location update throughput", Run: func(ctx context.Context, r *Runner) Result {
			tok, ok := r.token("bench-d1", "staff")
			if !ok {
				return Result{Status: "SKIP", Note: "jwt-secret not set"}
			}
			return perfLoad(ctx, r, "/api/orders/location/update", tok, map[string]any{"lat": 30.0, "lng": 31.0})
		}},
	}
}

func (r *Runner) token(uid, role string) (string, bool) {
	if r.cfg.JWTSecret == "" {
		return "", false
	}
	tok, err := infra.IssueToken(r.cfg.JWTSecret, uid, role, time.Hour)
	if err != nil {
		return "", false
	}
	return tok, true
}

func (r *Runner) call(ctx context.Context, method, path, token string, body any) (int, map[string]any, time.Duration, error) {
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
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out, time.Since(start), nil
}

func (r *Runner) submit(ctx context.Context) (string, Result) {
	status, body, latency, err := r.call(ctx, http.MethodPost, "/api/public/order", "", map[string]any{
		"name": "bench", "phone": "000", "address": "Cairo", "lat": 30.0, "lng": 31.0, "type_of_item": "parcel",
	})
	res := expectStatus(status, latency, err, http.StatusCreated)
	number, _ := body["order_number"].(string)
	if res.Status == "PASS" && number == "" {
		return "", Result{Status: "FAIL", Note: "no order_number in response"}
	}
	return number, res
}

func (r *Runner) driverCall(ctx context.Context, path, driverID string, body map[string]any, want int) Result {
	if _, ok := body["order_number"]; ok && r.order == "" {
		return Result{Status: "SKIP", Note: "no order submitted"}
	}
	tok, ok := r.token(driverID, "staff")
	if !ok {
		return Result{Status: "SKIP", Note: "jwt-secret not set"}
	}
	status, _, latency, err := r.call(ctx, http.MethodPost, path, tok, body)
	return expectStatus(status, latency, err, want)
}

func expectStatus(status int, latency time.Duration, err error, want int) Result {
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	if status != want {
		return Result{Status: "FAIL", Latency: latency, Note: fmt.Sprintf("status=%d want=%d", status, want)}
	}
	return Result{Status: "PASS", Latency: latency, Note: fmt.Sprintf("status=%d", status)}
}

func pingDB(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: "SKIP", Note: "db not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	return Result{Status: "PASS"}
}

func pingRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: "SKIP", Note: "redis not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	return Result{Status: "PASS"}
}

func applyMigration(ctx context.Context, r *Runner) Result {
	if !r.cfg.ApplyMigration {
		return Result{Status: "SKIP", Note: "apply-migration=false"}
	}
	if r.db == nil {
		return Result{Status: "FAIL", Note: "db not configured"}
	}
	if err := infra.ApplyMigration(ctx, r.db, r.cfg.MigrationPath); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	return Result{Status: "PASS"}
}

func tablesExist(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: "SKIP", Note: "db not configured"}
	}
	tables, err := extractTables(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			t,
		).Scan(&exists)
		if err != nil {
			return Result{Status: "FAIL", Note: err.Error()}
		}
		if !exists {
			return Result{Status: "FAIL", Note: "missing table: " + t}
		}
	}
	return Result{Status: "PASS"}
}

// socketCatchUp joins the bench order's room and expects its last known position.
func socketCatchUp(ctx context.Context, r *Runner) Result {
	if r.order == "" {
		return Result{Status: "SKIP", Note: "no order submitted"}
	}
	url := "ws" + strings.TrimPrefix(r.cfg.BaseURL, "http") + "/ws"
	start := time.Now()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"event": "join-order", "data": r.order}); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame struct {
		Event string `json:"event"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	if frame.Event != "location-updated" {
		return Result{Status: "FAIL", Note: "got " + frame.Event}
	}
	return Result{Status: "PASS", Latency: time.Since(start)}
}

func concurrentAccept(ctx context.Context, r *Runner) Result {
	if r.cfg.JWTSecret == "" {
		return Result{Status: "SKIP", Note: "jwt-secret not set"}
	}
	number, res := r.submit(ctx)
	if res.Status != "PASS" {
		return res
	}

	wg := sync.WaitGroup{}
	succ, conflict := 0, 0
	mu := sync.Mutex{}
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, _ := r.token(fmt.Sprintf("bench-race-%d", i), "staff")
			status, _, _, err := r.call(ctx, http.MethodPost, "/api/orders/accept", tok, map[string]any{"order_number": number})
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			switch status {
			case http.StatusOK:
				succ++
			case http.StatusConflict:
				conflict++
			}
		}(i)
	}
	wg.Wait()

	note := fmt.Sprintf("success=%d conflict=%d", succ, conflict)
	if succ == 1 && conflict == r.cfg.Concurrency-1 {
		return Result{Status: "PASS", Note: note}
	}
	return Result{Status: "FAIL", Note: note}
}

func perfLoad(ctx context.Context, r *Runner, path, token string, payload any) Result {
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount int64
	var mu sync.Mutex
	wg := sync.WaitGroup{}

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				status, _, _, err := r.call(ctx, http.MethodPost, path, token, payload)
				mu.Lock()
				if err != nil || status >= 500 {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: "FAIL", Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: "PASS", Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
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
