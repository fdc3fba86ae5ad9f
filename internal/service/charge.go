package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/punchamoorthee/chargeguard/internal/clock"
	"github.com/punchamoorthee/chargeguard/internal/config"
	"github.com/punchamoorthee/chargeguard/internal/coordinator"
	"github.com/punchamoorthee/chargeguard/internal/domain"
	"github.com/punchamoorthee/chargeguard/internal/journal"
	"github.com/punchamoorthee/chargeguard/internal/ledger"
	"github.com/punchamoorthee/chargeguard/internal/store"
)

var (
	ErrInsufficientFunds = ledger.ErrInsufficientFunds
	ErrInvalidAmount     = ledger.ErrInvalidAmount
)

// Options configures a ChargeService. Zero values fall back to an instant,
// unobserved service with a single keyed attempt per duplicate.
type Options struct {
	InitialBalance int64
	Delay          clock.Delay
	ConflictPolicy config.ConflictPolicy
	KeyTTL         time.Duration
	JournalLimit   int
	Logger         *slog.Logger
	Registerer     prometheus.Registerer
	Tracer         trace.Tracer
	Now            func() time.Time
}

// ChargeService charges one wallet, either through the idempotency
// coordinator or, as the unprotected baseline, directly.
type ChargeService struct {
	wallet  *ledger.Wallet
	keys    *store.KeyStore
	coord   *coordinator.Coordinator
	journal *journal.Journal
	delay   clock.Delay
	policy  config.ConflictPolicy
	initial int64
	logger  *slog.Logger
	now     func() time.Time
}

func NewChargeService(opts Options) *ChargeService {
	if opts.Delay == nil {
		opts.Delay = clock.None
	}
	if opts.ConflictPolicy == "" {
		opts.ConflictPolicy = config.ConflictReject
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	j := journal.New(opts.JournalLimit)
	keys := store.NewKeyStore(store.WithClock(opts.Now), store.WithTTL(opts.KeyTTL))
	coord := coordinator.New(keys,
		coordinator.WithLogger(opts.Logger),
		coordinator.WithTracer(opts.Tracer),
		coordinator.WithRegisterer(opts.Registerer),
		coordinator.WithLogFunc(j.Append),
		coordinator.WithClock(opts.Now),
	)

	return &ChargeService{
		wallet:  ledger.NewWallet(opts.InitialBalance),
		keys:    keys,
		coord:   coord,
		journal: j,
		delay:   opts.Delay,
		policy:  opts.ConflictPolicy,
		initial: opts.InitialBalance,
		logger:  opts.Logger,
		now:     opts.Now,
	}
}

// NewKey mints a client-side idempotency key. Clients create it once, before
// the first attempt, and reuse it for every retry of the same charge.
func NewKey() string {
	return "key_" + uuid.NewString()
}

// SubmitWithKey charges amount at most once for key. Duplicates after completion
// replay the stored result; duplicates while the first attempt is running get a
// conflict (or wait for its result under the wait policy). Insufficient funds
// come back as a declined submission and leave the key free for a retry.
func (s *ChargeService) SubmitWithKey(ctx context.Context, key string, amount int64) (domain.Submission, error) {
	if amount <= 0 {
		return domain.Submission{}, ErrInvalidAmount
	}

	for {
		out, err := s.coord.Handle(ctx, key, s.charge(amount))
		if err != nil {
			if errors.Is(err, ErrInsufficientFunds) {
				return s.declined(err.Error()), nil
			}
			return domain.Submission{}, fmt.Errorf("submit %q: %w", key, err)
		}

		switch out.Status {
		case domain.OutcomeReplayed:
			return domain.Submission{Status: domain.SubmissionCompleted, Result: out.Result, Replayed: true}, nil
		case domain.OutcomeCompleted:
			return domain.Submission{Status: domain.SubmissionCompleted, Result: out.Result}, nil
		}

		if s.policy != config.ConflictWait {
			return domain.Submission{Status: domain.SubmissionConflict}, nil
		}
		awaited, err := s.coord.Await(ctx, key)
		switch {
		case err == nil:
			return domain.Submission{Status: domain.SubmissionCompleted, Result: awaited.Result, Replayed: true}, nil
		case errors.Is(err, ErrInsufficientFunds):
			return s.declined(awaited.Record.FailureReason), nil
		case errors.Is(err, coordinator.ErrAttemptFailed), errors.Is(err, store.ErrNotFound):
			// The attempt failed for a reason of its own, or freed the key before
			// we could wait on it. Either way the key is free for this caller.
			if err := ctx.Err(); err != nil {
				return domain.Submission{}, err
			}
			continue
		default:
			return domain.Submission{}, fmt.Errorf("await %q: %w", key, err)
		}
	}
}

// charge waits out the simulated round trip, then debits the wallet inside the
// key's commit so the balance and the COMPLETED record move together.
func (s *ChargeService) charge(amount int64) coordinator.Operation {
	return func(ctx context.Context) (coordinator.Commit, error) {
		if err := s.delay.Wait(ctx); err != nil {
			return nil, err
		}
		return func() (domain.ChargeResult, error) {
			balance, err := s.wallet.Debit(amount)
			if err != nil {
				return domain.ChargeResult{}, err
			}
			s.log(fmt.Sprintf("HTTP 200: Charged $%d. Balance: $%d.", amount, balance))
			return domain.ChargeResult{Charged: amount, NewBalance: balance}, nil
		}, nil
	}
}

func (s *ChargeService) declined(reason string) domain.Submission {
	s.log(fmt.Sprintf("HTTP 402: Charge declined (%s). Key free for retry.", reason))
	return domain.Submission{Status: domain.SubmissionDeclined, Reason: reason}
}

// SubmitWithoutProtection is the unprotected baseline: every call charges,
// no matter how many identical requests are already in flight.
func (s *ChargeService) SubmitWithoutProtection(ctx context.Context, amount int64) (domain.ChargeResult, error) {
	if amount <= 0 {
		return domain.ChargeResult{}, ErrInvalidAmount
	}
	s.log("Request POST /charge initiated...")
	if err := s.delay.Wait(ctx); err != nil {
		return domain.ChargeResult{}, err
	}
	balance, err := s.wallet.Debit(amount)
	if err != nil {
		s.log(fmt.Sprintf("HTTP 402: Charge declined (%v).", err))
		return domain.ChargeResult{}, err
	}
	s.log(fmt.Sprintf("HTTP 200: Charged $%d", amount))
	return domain.ChargeResult{Charged: amount, NewBalance: balance}, nil
}

// TopUp credits the wallet.
func (s *ChargeService) TopUp(amount int64) (int64, error) {
	balance, err := s.wallet.TopUp(amount)
	if err != nil {
		return 0, err
	}
	s.log(fmt.Sprintf("Wallet topped up by $%d. Balance: $%d.", amount, balance))
	return balance, nil
}

func (s *ChargeService) Balance() int64 {
	return s.wallet.Balance()
}

// Record returns the current state of key, if any.
func (s *ChargeService) Record(key string) (domain.RequestRecord, bool) {
	return s.keys.Get(key)
}

// Journal returns the server log in append order.
func (s *ChargeService) Journal() []domain.LogEntry {
	return s.journal.Entries()
}

// Reset restores the initial balance and forgets finished keys and the log.
func (s *ChargeService) Reset() {
	s.wallet.Reset(s.initial)
	dropped := s.keys.Reset()
	s.journal.Reset()
	s.logger.Info("simulation reset", slog.Int64("balance", s.initial), slog.Int("keys_dropped", dropped))
}

// RunSweeper expires completed keys past their TTL until ctx is done.
func (s *ChargeService) RunSweeper(ctx context.Context, interval time.Duration) {
	s.keys.RunSweeper(ctx, interval)
}

func (s *ChargeService) log(msg string) {
	s.logger.Debug(msg)
	s.journal.Append(s.now(), msg)
}
