// Package coordinator runs a side-effecting operation at most once per
// idempotency key using the check, lock, process, unlock protocol.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/punchamoorthee/chargeguard/internal/domain"
	"github.com/punchamoorthee/chargeguard/internal/store"
)

const tracerName = "github.com/punchamoorthee/chargeguard/internal/coordinator"

// ErrAttemptFailed is returned by Await when the execution it waited on failed.
var ErrAttemptFailed = errors.New("in-flight attempt failed")

// Commit applies an operation's side effect. It runs while the key is locked,
// so the side effect and the COMPLETED transition are observed together.
type Commit func() (domain.ChargeResult, error)

// Operation performs the slow part of a request without holding any lock and
// returns the Commit step. Returning an error fails the key.
type Operation func(ctx context.Context) (Commit, error)

// Func adapts a plain operation whose result needs no locked commit step.
func Func(fn func(ctx context.Context) (domain.ChargeResult, error)) Operation {
	return func(ctx context.Context) (Commit, error) {
		result, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return func() (domain.ChargeResult, error) { return result, nil }, nil
	}
}

// LogFunc receives a line every time the coordinator changes a key's state.
type LogFunc func(at time.Time, msg string)

// KeyStore is the subset of the key table the coordinator drives.
type KeyStore interface {
	Reserve(key string) (store.Reservation, error)
	Commit(key string, apply func() (domain.ChargeResult, error)) (domain.RequestRecord, error)
	Fail(key, reason string) error
	Wait(ctx context.Context, key string) (domain.RequestRecord, error)
}

var _ KeyStore = (*store.KeyStore)(nil)

// Coordinator is the RequestCoordinator. It is safe for concurrent use; calls
// for different keys never wait on each other.
type Coordinator struct {
	store   KeyStore
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics
	logf    LogFunc
	now     func() time.Time
}

type Option func(*Coordinator)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithTracer(tr trace.Tracer) Option {
	return func(c *Coordinator) {
		if tr != nil {
			c.tracer = tr
		}
	}
}

// WithRegisterer registers the coordinator metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Coordinator) {
		c.metrics = newMetrics(reg)
	}
}

// WithLogFunc sets the log-append callback.
func WithLogFunc(fn LogFunc) Option {
	return func(c *Coordinator) {
		c.logf = fn
	}
}

// WithClock overrides the timestamps handed to the log callback.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func New(keys KeyStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  keys,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer: nooptrace.NewTracerProvider().Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.metrics == nil {
		c.metrics = newMetrics(nil)
	}
	return c
}

// Handle resolves key and runs op only if this call is the one that reserved it.
// A duplicate after completion replays the stored result; a duplicate while the
// first attempt is still running gets OutcomeConflict, which is not an error.
// Errors from op are returned after the key has been freed for retry.
func (c *Coordinator) Handle(ctx context.Context, key string, op Operation) (domain.Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "RequestCoordinator.Handle",
		trace.WithAttributes(attribute.String("idempotency.key", key)))
	defer span.End()

	c.emit(ctx, fmt.Sprintf("Checking Key: %s...", key))
	res, err := c.store.Reserve(key)
	if err != nil {
		return domain.Outcome{}, c.handleError(ctx, span, err, "reserve failed", key)
	}

	if !res.Created {
		rec := res.Record
		span.SetAttributes(attribute.String("idempotency.status", string(rec.Status)))
		if rec.Status == domain.StatusCompleted {
			c.metrics.requests.WithLabelValues("replay").Inc()
			c.emit(ctx, "Key Found! Returning cached response.")
			return domain.Outcome{Status: domain.OutcomeReplayed, Result: rec.Result, Record: rec}, nil
		}
		c.metrics.requests.WithLabelValues("conflict").Inc()
		c.emit(ctx, fmt.Sprintf("Key %s is still processing. Not executing again.", key))
		return domain.Outcome{Status: domain.OutcomeConflict, Record: rec}, nil
	}

	c.metrics.requests.WithLabelValues("new").Inc()
	c.emit(ctx, "Key New. Locking & Processing...")
	return c.execute(ctx, span, key, op)
}

func (c *Coordinator) execute(ctx context.Context, span trace.Span, key string, op Operation) (domain.Outcome, error) {
	c.metrics.inFlight.Inc()
	timer := prometheus.NewTimer(c.metrics.duration)
	defer func() {
		timer.ObserveDuration()
		c.metrics.inFlight.Dec()
	}()

	// A panicking operation must not pin the key in PROCESSING.
	defer func() {
		if r := recover(); r != nil {
			_ = c.store.Fail(key, fmt.Sprint(r))
			c.metrics.executions.WithLabelValues("failed").Inc()
			panic(r)
		}
	}()

	commit, err := op(ctx)
	if err != nil {
		if ferr := c.store.Fail(key, err.Error()); ferr != nil {
			return domain.Outcome{}, c.handleError(ctx, span, errors.Join(err, ferr), "fail transition rejected", key)
		}
		return domain.Outcome{}, c.failed(ctx, span, key, err)
	}

	rec, err := c.store.Commit(key, commit)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return domain.Outcome{}, c.handleError(ctx, span, err, "commit transition rejected", key)
		}
		return domain.Outcome{}, c.failed(ctx, span, key, err)
	}

	c.metrics.executions.WithLabelValues("completed").Inc()
	span.SetAttributes(attribute.String("idempotency.status", string(rec.Status)))
	c.emit(ctx, fmt.Sprintf("Key %s saved as %s.", key, rec.Status))
	return domain.Outcome{Status: domain.OutcomeCompleted, Result: rec.Result, Record: rec}, nil
}

// Await waits for the in-flight execution of key and returns its result, so a
// conflicted caller ends up with exactly what the executing caller got.
func (c *Coordinator) Await(ctx context.Context, key string) (domain.Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "RequestCoordinator.Await",
		trace.WithAttributes(attribute.String("idempotency.key", key)))
	defer span.End()

	rec, err := c.store.Wait(ctx, key)
	if err != nil {
		return domain.Outcome{}, c.handleError(ctx, span, err, "await failed", key)
	}
	if rec.Status == domain.StatusFailed {
		if rec.Cause != nil {
			return domain.Outcome{Record: rec}, fmt.Errorf("%w: %w", ErrAttemptFailed, rec.Cause)
		}
		return domain.Outcome{Record: rec}, fmt.Errorf("%w: %s", ErrAttemptFailed, rec.FailureReason)
	}
	c.emit(ctx, fmt.Sprintf("Key %s finished elsewhere. Returning its response.", key))
	return domain.Outcome{Status: domain.OutcomeReplayed, Result: rec.Result, Record: rec}, nil
}

func (c *Coordinator) failed(ctx context.Context, span trace.Span, key string, err error) error {
	c.metrics.executions.WithLabelValues("failed").Inc()
	span.RecordError(err)
	span.SetAttributes(attribute.String("idempotency.status", string(domain.StatusFailed)))
	c.emit(ctx, fmt.Sprintf("Key %s FAILED: %v. Key released for retry.", key, err))
	return err
}

func (c *Coordinator) handleError(ctx context.Context, span trace.Span, err error, msg, key string) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.logger.ErrorContext(ctx, msg, slog.String("idempotency.key", key), slog.Any("error", err))
	return err
}

func (c *Coordinator) emit(ctx context.Context, msg string) {
	c.logger.InfoContext(ctx, msg)
	if c.logf != nil {
		c.logf(c.now(), msg)
	}
}
