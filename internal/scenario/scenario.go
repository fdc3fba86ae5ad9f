// Package scenario replays the reference checkout runs: a wallet charged by an
// impatient client with and without an idempotency key.
package scenario

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/chargeguard/internal/clock"
	"github.com/punchamoorthee/chargeguard/internal/config"
	"github.com/punchamoorthee/chargeguard/internal/domain"
	"github.com/punchamoorthee/chargeguard/internal/service"
)

// Config parameterizes a run. Options.InitialBalance is overridden by the
// scenarios that pin a starting balance.
type Config struct {
	Options    service.Options
	Amount     int64
	Duplicates int
}

func (c Config) duplicates() int {
	if c.Duplicates < 1 {
		return 3
	}
	return c.Duplicates
}

func (c Config) amount() int64 {
	if c.Amount <= 0 {
		return 100
	}
	return c.Amount
}

// Report is what a run leaves behind.
type Report struct {
	Name           string
	InitialBalance int64
	FinalBalance   int64
	Key            string
	Record         *domain.RequestRecord
	Submissions    []domain.Submission
	Charges        []domain.ChargeResult
	Journal        []domain.LogEntry
}

// options labels the run's metrics with its name so runs can share a registry.
func (c Config) options(name string) service.Options {
	opts := c.Options
	if opts.Registerer != nil {
		opts.Registerer = prometheus.WrapRegistererWith(prometheus.Labels{"scenario": name}, opts.Registerer)
	}
	return opts
}

func finish(name, key string, initial int64, svc *service.ChargeService) Report {
	r := Report{
		Name:           name,
		InitialBalance: initial,
		FinalBalance:   svc.Balance(),
		Key:            key,
		Journal:        svc.Journal(),
	}
	if key != "" {
		if rec, ok := svc.Record(key); ok {
			r.Record = &rec
		}
	}
	return r
}

// NoProtection fires overlapping charges with no key. Every one of them lands.
func NoProtection(ctx context.Context, cfg Config) (Report, error) {
	svc := service.NewChargeService(cfg.options("no_protection"))
	n := cfg.duplicates()
	charges := make([]domain.ChargeResult, n)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			res, err := svc.SubmitWithoutProtection(gctx, cfg.amount())
			charges[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, fmt.Errorf("no protection: %w", err)
	}

	r := finish("no protection", "", cfg.Options.InitialBalance, svc)
	r.Charges = charges
	return r, nil
}

// WithProtection submits the same key several times while the first attempt is
// still processing. Duplicates wait for and receive the first attempt's result.
// If the first attempt returns without reaching the delay, the duplicates are
// sent afterwards instead.
func WithProtection(ctx context.Context, cfg Config) (Report, error) {
	opts := cfg.options("with_protection")
	opts.ConflictPolicy = config.ConflictWait
	reserved := make(chan struct{})
	opts.Delay = signalOnce(opts.Delay, reserved)
	svc := service.NewChargeService(opts)
	key := service.NewKey()
	n := cfg.duplicates()
	subs := make([]domain.Submission, n)

	g, gctx := errgroup.WithContext(ctx)
	submit := func(i int) func() error {
		return func() error {
			sub, err := svc.SubmitWithKey(gctx, key, cfg.amount())
			subs[i] = sub
			return err
		}
	}
	firstDone := make(chan struct{})
	first := submit(0)
	g.Go(func() error {
		defer close(firstDone)
		return first()
	})
	select {
	case <-reserved:
	case <-firstDone:
	case <-gctx.Done():
		_ = g.Wait()
		return Report{}, fmt.Errorf("with protection: %w", context.Cause(gctx))
	}
	for i := 1; i < n; i++ {
		g.Go(submit(i))
	}
	if err := g.Wait(); err != nil {
		return Report{}, fmt.Errorf("with protection: %w", err)
	}

	r := finish("with protection", key, opts.InitialBalance, svc)
	r.Submissions = subs
	return r, nil
}

// InsufficientFunds charges a fresh key against a wallet that cannot cover it.
func InsufficientFunds(ctx context.Context, cfg Config) (Report, error) {
	opts := cfg.options("insufficient_funds")
	opts.InitialBalance = 50
	svc := service.NewChargeService(opts)
	key := service.NewKey()

	sub, err := svc.SubmitWithKey(ctx, key, cfg.amount())
	if err != nil {
		return Report{}, fmt.Errorf("insufficient funds: %w", err)
	}
	r := finish("insufficient funds", key, opts.InitialBalance, svc)
	r.Submissions = []domain.Submission{sub}
	return r, nil
}

// RetryAfterFailure declines a key for lack of funds, tops the wallet up and
// retries the very same key.
func RetryAfterFailure(ctx context.Context, cfg Config) (Report, error) {
	opts := cfg.options("retry_after_failure")
	opts.InitialBalance = 50
	svc := service.NewChargeService(opts)
	key := service.NewKey()

	first, err := svc.SubmitWithKey(ctx, key, cfg.amount())
	if err != nil {
		return Report{}, fmt.Errorf("retry after failure: %w", err)
	}
	if _, err := svc.TopUp(cfg.amount()); err != nil {
		return Report{}, fmt.Errorf("retry after failure: top up: %w", err)
	}
	second, err := svc.SubmitWithKey(ctx, key, cfg.amount())
	if err != nil {
		return Report{}, fmt.Errorf("retry after failure: %w", err)
	}

	r := finish("retry after failure", key, opts.InitialBalance, svc)
	r.Submissions = []domain.Submission{first, second}
	return r, nil
}

// All runs every scenario in order.
func All(ctx context.Context, cfg Config) ([]Report, error) {
	runs := []func(context.Context, Config) (Report, error){
		NoProtection, WithProtection, InsufficientFunds, RetryAfterFailure,
	}
	reports := make([]Report, 0, len(runs))
	for _, run := range runs {
		r, err := run(ctx, cfg)
		if err != nil {
			return reports, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// signalOnce wraps d so that ready is closed the first time any caller starts
// waiting on it. Only a caller holding a reservation reaches the delay.
func signalOnce(d clock.Delay, ready chan<- struct{}) clock.Delay {
	if d == nil {
		d = clock.None
	}
	var once sync.Once
	return clock.DelayFunc(func(ctx context.Context) error {
		once.Do(func() { close(ready) })
		return d.Wait(ctx)
	})
}
