package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/punchamoorthee/chargeguard/internal/clock"
	"github.com/punchamoorthee/chargeguard/internal/config"
	"github.com/punchamoorthee/chargeguard/internal/scenario"
	"github.com/punchamoorthee/chargeguard/internal/service"
)

func main() {
	showMetrics := flag.Bool("metrics", false, "Print collected metrics after the run")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	reg := prometheus.NewRegistry()

	log.Printf("Running scenarios (env=%s, balance=$%d, charge=$%d, latency=%s)",
		cfg.Env, cfg.InitialBalance, cfg.ChargeAmount, cfg.Latency)

	reports, err := scenario.All(ctx, scenario.Config{
		Options: service.Options{
			InitialBalance: cfg.InitialBalance,
			Delay:          clock.Fixed(cfg.Latency),
			ConflictPolicy: cfg.ConflictPolicy,
			KeyTTL:         cfg.KeyTTL,
			Logger:         logger,
			Registerer:     reg,
		},
		Amount: cfg.ChargeAmount,
	})
	if err != nil {
		log.Fatalf("Scenario failed: %v", err)
	}

	for _, r := range reports {
		printReport(r)
	}

	if *showMetrics {
		families, err := reg.Gather()
		if err != nil {
			log.Fatalf("Gathering metrics failed: %v", err)
		}
		enc := expfmt.NewEncoder(os.Stdout, expfmt.NewFormat(expfmt.TypeTextPlain))
		for _, mf := range families {
			if err := enc.Encode(mf); err != nil {
				log.Fatalf("Encoding metrics failed: %v", err)
			}
		}
	}
}

func printReport(r scenario.Report) {
	fmt.Printf("\n=== %s ===\n", strings.ToUpper(r.Name))
	fmt.Printf("Wallet: $%d -> $%d\n", r.InitialBalance, r.FinalBalance)
	if r.Key != "" {
		status := "ABSENT"
		if r.Record != nil {
			status = string(r.Record.Status)
		}
		fmt.Printf("Key: %s (%s)\n", r.Key, status)
	}
	for i, sub := range r.Submissions {
		fmt.Printf("Submission %d: %s", i+1, sub.Status)
		if sub.Result != nil {
			fmt.Printf(" charged=$%d balance=$%d replayed=%t", sub.Result.Charged, sub.Result.NewBalance, sub.Replayed)
		}
		if sub.Reason != "" {
			fmt.Printf(" reason=%q", sub.Reason)
		}
		fmt.Println()
	}
	for _, e := range r.Journal {
		fmt.Printf("  [%s] %s\n", e.Time.Format("15:04:05.000"), e.Message)
	}
}
