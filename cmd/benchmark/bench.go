// Command benchmark drives an in-process sandbox with vegeta and reports
// latency, replay counts and what the ledger ended up charging.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nulzo/sermon-proxy/internal/config"
	"github.com/nulzo/sermon-proxy/internal/sandbox"
	"github.com/nulzo/sermon-proxy/pkg/api"
	vegeta "github.com/tsenart/vegeta/v12/lib"
)

const (
	appPort      = 8788
	benchAccount = "benchmark"
)

type options struct {
	duration time.Duration
	rate     int
	keys     int
	delay    time.Duration
	chaos    bool
}

func parseFlags() options {
	var o options
	flag.DurationVar(&o.duration, "duration", 10*time.Second, "Duration of the test")
	flag.IntVar(&o.rate, "rate", 50, "Requests per second")
	flag.IntVar(&o.keys, "keys", 0, "Cycle through this many idempotency keys; 0 makes every key unique")
	flag.DurationVar(&o.delay, "delay", 20*time.Millisecond, "Simulated upstream latency")
	flag.BoolVar(&o.chaos, "chaos", false, "Abandon requests on shared keys mid-flight while the attack runs")
	flag.Parse()
	return o
}

func main() {
	opts := parseFlags()
	gin.SetMode(gin.ReleaseMode)

	// limits out of the way so only the idempotency path is measured
	srv := sandbox.New(config.SandboxConfig{
		JWTSecret:       "benchmark-secret-0123456789",
		TokenTTL:        time.Hour,
		TokensQuota:     1 << 30,
		ProcessingDelay: opts.delay,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := srv.Run(ctx, fmt.Sprintf(":%d", appPort)); err != nil {
			log.Fatalf("Sandbox failed: %v", err)
		}
	}()

	base := fmt.Sprintf("http://localhost:%d", appPort)
	if err := waitHealthy(ctx, base+"/health", 5*time.Second); err != nil {
		log.Fatal(err)
	}
	token := anonymousToken(base)

	body, err := json.Marshal(api.GenerateRequest{
		Prompt:   "Summarize the parable of the sower in two sentences.",
		Provider: api.ProviderOpenAI,
		Model:    "gpt-4o-mini",
	})
	if err != nil {
		log.Fatal(err)
	}

	mode := "unique keys"
	if opts.keys > 0 {
		mode = fmt.Sprintf("%d shared keys", opts.keys)
	}
	fmt.Printf("Running generate benchmark (%s): %s duration, %d req/s\n", mode, opts.duration, opts.rate)

	bg, stopBg := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); sampleRuntime(bg) }()
	if opts.chaos {
		workers := min(max(opts.rate/10, 5), 50)
		wg.Add(1)
		go func() { defer wg.Done(); abandonRequests(bg, base+api.PathGenerate, token, body, workers) }()
	}

	target := generateTargeter(base+api.PathGenerate, token, body, opts.keys)
	attacker := vegeta.NewAttacker(vegeta.KeepAlive(true))

	var metrics vegeta.Metrics
	replays := 0
	for res := range attacker.Attack(target, vegeta.Rate{Freq: opts.rate, Per: time.Second}, opts.duration, "Generate") {
		metrics.Add(res)
		if res.Headers.Get(api.HeaderIdempotentReplay) == "true" {
			replays++
		}
	}
	metrics.Close()

	stopBg()
	wg.Wait()

	report(&metrics, replays, srv.Ledger().Get(sandbox.SubjectFor(benchAccount)).TokensUsed)
}

// generateTargeter hands out keys round-robin over n shared keys, or a fresh
// uuid per request when n is zero.
func generateTargeter(url, token string, body []byte, n int) vegeta.Targeter {
	var seq atomic.Uint64
	hdr := http.Header{
		"Content-Type":  []string{"application/json"},
		"Authorization": []string{"Bearer " + token},
	}
	return func(t *vegeta.Target) error {
		key := uuid.NewString()
		if n > 0 {
			key = fmt.Sprintf("bench-%d", (seq.Add(1)-1)%uint64(n))
		}
		t.Method, t.URL, t.Body = http.MethodPost, url, body
		t.Header = hdr.Clone()
		t.Header.Set(api.HeaderIdempotencyKey, key)
		return nil
	}
}

func report(m *vegeta.Metrics, replays int, charged int) {
	const rule = "--------------------------------------------------"
	fmt.Println(rule)
	fmt.Printf("%-17s%s\n", "99th percentile:", m.Latencies.P99)
	fmt.Printf("%-17s%s\n", "Mean:", m.Latencies.Mean)
	fmt.Printf("%-17s%s\n", "Max:", m.Latencies.Max)
	fmt.Printf("%-17s%.2f%%\n", "Success:", m.Success*100)
	fmt.Printf("%-17s%.2f req/s\n", "Throughput:", m.Throughput)
	fmt.Printf("%-17s%d\n", "Replays:", replays)
	fmt.Printf("%-17s%v\n", "Status codes:", m.StatusCodes)
	fmt.Println(rule)
	fmt.Printf("Ledger charged %d tokens\n", charged)

	if len(m.Errors) == 0 {
		return
	}
	fmt.Println("Distinct errors (up to 5):")
	seen := map[string]struct{}{}
	for _, msg := range m.Errors {
		if _, dup := seen[msg]; dup {
			continue
		}
		seen[msg] = struct{}{}
		fmt.Println(msg)
		if len(seen) == 5 {
			break
		}
	}
}

func anonymousToken(base string) string {
	payload, _ := json.Marshal(api.AnonymousAuthRequest{AppAccountToken: benchAccount})
	resp, err := http.Post(base+api.PathAuthAnonymous, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("Auth failed: %v", err)
	}
	defer resp.Body.Close()

	var auth api.AnonymousAuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil || auth.JWT == "" {
		log.Fatalf("Auth failed: status %d", resp.StatusCode)
	}
	return auth.JWT
}

// abandonRequests cancels generate calls on a 20-key space after 1-200ms.
// Each abandoned key must be released rather than left in flight.
func abandonRequests(ctx context.Context, url, token string, body []byte, workers int) {
	fmt.Printf("Chaos: %d workers abandoning requests after 1-200ms\n", workers)
	client := &http.Client{Transport: &http.Transport{MaxIdleConnsPerHost: workers}}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				reqCtx, cancel := context.WithTimeout(ctx, time.Duration(rand.Intn(200)+1)*time.Millisecond)
				req, _ := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set("Authorization", "Bearer "+token)
				req.Header.Set(api.HeaderIdempotencyKey, fmt.Sprintf("chaos-%d", rand.Intn(20)))
				if resp, err := client.Do(req); err == nil {
					resp.Body.Close()
				}
				cancel()
				time.Sleep(time.Duration(rand.Intn(50)) * time.Millisecond)
			}
		}()
	}
	wg.Wait()
}

func sampleRuntime(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	fmt.Println("\n--- Resource Usage (runtime) ---")
	fmt.Printf("%-10s %-10s %-10s %-10s\n", "Time", "Heap(MB)", "Alloc(MB)", "Goroutines")

	const mb = 1 << 20
	var ms runtime.MemStats
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			runtime.ReadMemStats(&ms)
			fmt.Printf("%-10s %-10.2f %-10.2f %-10d\n",
				now.Format("15:04:05"), float64(ms.HeapInuse)/mb, float64(ms.Alloc)/mb, runtime.NumGoroutine())
		}
	}
}

func waitHealthy(ctx context.Context, url string, within time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, within)
	defer cancel()
	for {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if resp, err := http.DefaultClient.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("sandbox not healthy after %s", within)
		case <-time.After(250 * time.Millisecond):
		}
	}
}
