// README: Benchmark cases: environment checks, API contract probes, concurrent assignment and throughput.
package main

import (
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"swiftdispatch/internal/auth"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
	token string
	runID string
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
		runID: fmt.Sprintf("bench%d", time.Now().Unix()),
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
	if signer := auth.NewSigner(r.cfg.JWTSecret, time.Hour); signer.Enabled() {
		tok, err := signer.Sign("dispatch-bench")
		if err == nil {
			r.token = tok
		}
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

func (r *Runner) id(name string) string {
	return r.runID + "-" + name
}

func (r *Runner) cases() []TestCase {
	base := r.cfg.BaseURL
	eta := base + "/eta?pickupLat=12.9716&pickupLng=77.5946&dropLat=12.9352&dropLng=77.6245&prepTimeMinutes=10"
	nearby := base + "/drivers/nearby?lat=12.9716&lng=77.5946&radius=3"

	return []TestCase{
		{
			Name: "Env: Postgres connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: statusSkip, Note: "db not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.db.Ping(ctx); err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name: "Env: Redis connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: statusSkip, Note: "redis not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.redis.Ping(ctx).Err(); err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name: "Migration: tables exist",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: statusSkip, Note: "db not configured"}
				}
				tables, err := extractTables(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				for _, t := range tables {
					var exists bool
					err := r.db.QueryRow(ctx,
						"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
						t,
					).Scan(&exists)
					if err != nil {
						return Result{Status: statusFail, Note: err.Error()}
					}
					if !exists {
						return Result{Status: statusFail, Note: "missing table: " + t}
					}
				}
				return Result{Status: statusPass}
			},
		},

		httpCase("API: health", http.MethodGet, base+"/health", nil, 200),
		httpCase("ETA: valid request", http.MethodGet, eta, nil, 200),
		httpCase("ETA: missing drop -> 400", http.MethodGet, base+"/eta?pickupLat=1&pickupLng=1", nil, 400),
		httpCase("Index: report location", http.MethodPost, base+"/drivers/"+r.id("d1")+"/location", map[string]any{
			"lat": 12.972, "lng": 77.595,
			"status": map[string]any{"available": true, "onDuty": true, "vehicleType": "BIKE", "maxCapacity": 1},
		}, 200),
		httpCase("Index: bad latitude -> 400", http.MethodPost, base+"/drivers/"+r.id("d1")+"/location", map[string]any{
			"lat": 123, "lng": 77.595,
		}, 400),
		httpCase("Index: nearby", http.MethodGet, nearby, nil, 200),
		httpCase("Index: unknown courier -> 404", http.MethodGet, base+"/drivers/"+r.id("ghost")+"/location", nil, 404),
		httpCase("Heatmap: surge", http.MethodGet, base+"/heatmap/surge?lat=12.9716&lng=77.5946", nil, 200),

		{
			Name: "Concurrency: one order, many assign calls",
			Run: func(ctx context.Context, r *Runner) Result {
				return concurrentAssign(ctx, r)
			},
		},
		{
			Name: "Perf: ETA throughput",
			Run: func(ctx context.Context, r *Runner) Result {
				return perfLoad(ctx, r, http.MethodGet, eta, nil)
			},
		},
		{
			Name: "Perf: nearby throughput",
			Run: func(ctx context.Context, r *Runner) Result {
				return perfLoad(ctx, r, http.MethodGet, nearby, nil)
			},
		},
		{
			Name: "Perf: location update throughput",
			Run: func(ctx context.Context, r *Runner) Result {
				return perfLoad(ctx, r, http.MethodPost, base+"/drivers/"+r.id("perf")+"/location", map[string]any{
					"lat": 12.9716, "lng": 77.5946,
				})
			},
		},
	}
}

func (r *Runner) do(ctx context.Context, method, url string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = strings.NewReader(string(b))
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	return r.httpc.Do(req)
}

func httpCase(name, method, url string, body any, want int) TestCase {
	return TestCase{
		Name: name,
		Run: func(ctx context.Context, r *Runner) Result {
			start := time.Now()
			resp, err := r.do(ctx, method, url, body)
			if err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			latency := time.Since(start)

			note := fmt.Sprintf("status=%d", resp.StatusCode)
			if resp.StatusCode == want {
				return Result{Status: statusPass, Latency: latency, Note: note}
			}
			return Result{Status: statusFail, Latency: latency, Note: note}
		},
	}
}

// concurrentAssign registers one courier with capacity 1 next to the
// pickup and fires Concurrency assign calls for distinct orders. At most
// one may win.
func concurrentAssign(ctx context.Context, r *Runner) Result {
	base := r.cfg.BaseURL
	courier := r.id("solo")
	resp, err := r.do(ctx, http.MethodPost, base+"/logistics/admin/drivers", map[string]any{
		"id": courier, "vehicleType": "BIKE", "maxCapacity": 1,
	})
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return Result{Status: statusSkip, Note: fmt.Sprintf("create courier status=%d", resp.StatusCode)}
	}
	resp, err = r.do(ctx, http.MethodPost, base+"/drivers/"+courier+"/location", map[string]any{
		"lat": 48.8566, "lng": 2.3522,
		"status": map[string]any{"available": true, "onDuty": true, "vehicleType": "BIKE", "maxCapacity": 1},
	})
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	resp.Body.Close()

	var wins, rejects atomic.Int64
	wg := sync.WaitGroup{}
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := r.do(ctx, http.MethodPost, base+"/logistics/internal/assign", map[string]any{
				"orderId":        r.id(fmt.Sprintf("order%d", i)),
				"customerId":     "bench",
				"pickupLocation": map[string]float64{"lat": 48.8566, "lng": 2.3522},
				"dropLocation":   map[string]float64{"lat": 48.8606, "lng": 2.3376},
				"prepTime":       5,
			})
			if err != nil {
				return
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			switch {
			case resp.StatusCode == http.StatusOK:
				wins.Add(1)
			case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusConflict:
				rejects.Add(1)
			}
		}(i)
	}
	wg.Wait()

	note := fmt.Sprintf("assigned=%d rejected=%d", wins.Load(), rejects.Load())
	if wins.Load() <= 1 {
		return Result{Status: statusPass, Note: note}
	}
	return Result{Status: statusFail, Note: note}
}

func perfLoad(ctx context.Context, r *Runner, method, url string, payload any) Result {
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount atomic.Int64
	wg := sync.WaitGroup{}

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				resp, err := r.do(ctx, method, url, payload)
				if err != nil {
					errCount.Add(1)
					continue
				}
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				if resp.StatusCode >= 500 {
					errCount.Add(1)
					continue
				}
				count.Add(1)
			}
		}()
	}
	wg.Wait()

	if count.Load() == 0 {
		return Result{Status: statusFail, Note: "no requests completed"}
	}
	rps := float64(count.Load()) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount.Load())}
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
