package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/chargeguard/internal/clock"
	"github.com/punchamoorthee/chargeguard/internal/config"
	"github.com/punchamoorthee/chargeguard/internal/domain"
	"github.com/punchamoorthee/chargeguard/internal/service"
)

// Config holds the benchmark settings
var (
	concurrency int
	duration    time.Duration
	workload    string
	latency     time.Duration
	hotKeys     int
	policy      string
	keyTTL      time.Duration
)

// Metrics
var (
	totalRequests uint64
	created       uint64 // Fresh executions
	replayed      uint64 // Idempotent replays
	conflicts     uint64 // Duplicate while processing
	declined      uint64
	failOther     uint64
)

func init() {
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 10*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.DurationVar(&latency, "latency", 5*time.Millisecond, "Simulated charge latency")
	flag.IntVar(&hotKeys, "hot-keys", 8, "Number of shared keys in the hotspot workload")
	flag.StringVar(&policy, "conflict-policy", "reject", "Duplicate handling while processing: reject | wait")
	flag.DurationVar(&keyTTL, "key-ttl", 2*time.Second, "Expiry of completed keys (0 keeps every key)")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	// Large enough that the wallet never runs dry mid-run.
	const initialBalance = int64(1) << 50
	svc := service.NewChargeService(service.Options{
		InitialBalance: initialBalance,
		Delay:          clock.Fixed(latency),
		ConflictPolicy: config.ConflictPolicy(policy),
		KeyTTL:         keyTTL,
		JournalLimit:   1000,
	})

	hot := make([]string, hotKeys)
	for i := range hot {
		hot[i] = service.NewKey()
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	go svc.RunSweeper(ctx, keyTTL/4)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			worker(gctx, svc, hot)
			return nil
		})
	}
	_ = g.Wait()

	printResults(time.Since(start), initialBalance-svc.Balance())
}

func worker(ctx context.Context, svc *service.ChargeService, hot []string) {
	for ctx.Err() == nil {
		key := pickKey(hot)
		amount := int64(100)

		sub, err := svc.SubmitWithKey(ctx, key, amount)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch {
		case sub.Status == domain.SubmissionCompleted && sub.Replayed:
			atomic.AddUint64(&replayed, 1)
		case sub.Status == domain.SubmissionCompleted:
			atomic.AddUint64(&created, 1)
		case sub.Status == domain.SubmissionConflict:
			atomic.AddUint64(&conflicts, 1)
		case sub.Status == domain.SubmissionDeclined:
			atomic.AddUint64(&declined, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
	}
}

func pickKey(hot []string) string {
	if workload == "hotspot" && len(hot) > 0 {
		// Hotspot: 90% of traffic retries one of a few shared keys
		if rand.Float32() < 0.90 {
			return hot[rand.Intn(len(hot))]
		}
	}
	return service.NewKey()
}

func printResults(d time.Duration, charged int64) {
	total := atomic.LoadUint64(&totalRequests)
	fresh := atomic.LoadUint64(&created)
	replays := atomic.LoadUint64(&replayed)
	c409 := atomic.LoadUint64(&conflicts)
	dec := atomic.LoadUint64(&declined)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	conflictRate := 0.0
	if total > 0 {
		conflictRate = float64(c409) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":          workload,
		"conflict_policy":   policy,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    tps,
		"success_created":   fresh,
		"success_replay":    replays,
		"conflicts":         c409,
		"conflict_rate_pct": conflictRate,
		"declined":          dec,
		"errors":            fErr,
		"amount_charged":    charged,
		// Every fresh execution charges exactly once; anything else is a double charge.
		"double_charged": charged != int64(fresh)*100,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("Could not write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
