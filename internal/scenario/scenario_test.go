package scenario

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/chargeguard/internal/clock"
	"github.com/punchamoorthee/chargeguard/internal/domain"
	"github.com/punchamoorthee/chargeguard/internal/service"
)

func TestNoProtection(t *testing.T) {
	gate := clock.NewGate()
	go func() {
		if gate.Arrived(context.Background(), 3) == nil {
			gate.Release()
		}
	}()

	r, err := NoProtection(context.Background(), Config{
		Options: service.Options{InitialBalance: 1000, Delay: gate},
		Amount:  100,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(700), r.FinalBalance)
	assert.Len(t, r.Charges, 3)

	charged := 0
	for _, e := range r.Journal {
		if e.Message == "HTTP 200: Charged $100" {
			charged++
		}
	}
	assert.Equal(t, 3, charged)
}

func TestWithProtection(t *testing.T) {
	gate := clock.NewGate()
	go func() {
		if gate.Arrived(context.Background(), 1) == nil {
			gate.Release()
		}
	}()

	r, err := WithProtection(context.Background(), Config{
		Options: service.Options{InitialBalance: 1000, Delay: gate},
		Amount:  100,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(900), r.FinalBalance)
	require.Len(t, r.Submissions, 3)

	first := r.Submissions[0]
	require.Equal(t, domain.SubmissionCompleted, first.Status)
	assert.False(t, first.Replayed)
	for _, dup := range r.Submissions[1:] {
		assert.Equal(t, domain.SubmissionCompleted, dup.Status)
		assert.True(t, dup.Replayed)
		assert.Equal(t, *first.Result, *dup.Result)
	}
	require.NotNil(t, r.Record)
	assert.Equal(t, domain.StatusCompleted, r.Record.Status)
}

func TestWithProtection_FirstAttemptDeclined(t *testing.T) {
	r, err := WithProtection(context.Background(), Config{
		Options: service.Options{InitialBalance: 50},
		Amount:  100,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(50), r.FinalBalance)
	require.Len(t, r.Submissions, 3)
	for _, sub := range r.Submissions {
		assert.Equal(t, domain.SubmissionDeclined, sub.Status)
		assert.Equal(t, service.ErrInsufficientFunds.Error(), sub.Reason)
	}
	assert.Nil(t, r.Record, "key must be retryable")
}

func TestWithProtection_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gate := clock.NewGate()
	go func() {
		if gate.Arrived(context.Background(), 1) == nil {
			cancel()
		}
	}()

	_, err := WithProtection(ctx, Config{
		Options: service.Options{InitialBalance: 1000, Delay: gate},
		Amount:  100,
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestInsufficientFunds(t *testing.T) {
	r, err := InsufficientFunds(context.Background(), Config{Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(50), r.FinalBalance)
	require.Len(t, r.Submissions, 1)
	assert.Equal(t, domain.SubmissionDeclined, r.Submissions[0].Status)
	assert.Nil(t, r.Record, "key must be retryable")
}

func TestRetryAfterFailure(t *testing.T) {
	r, err := RetryAfterFailure(context.Background(), Config{Amount: 100})
	require.NoError(t, err)
	require.Len(t, r.Submissions, 2)
	assert.Equal(t, domain.SubmissionDeclined, r.Submissions[0].Status)
	assert.Equal(t, domain.SubmissionCompleted, r.Submissions[1].Status)
	assert.Equal(t, int64(50), r.FinalBalance)
	require.NotNil(t, r.Record)
	assert.Equal(t, domain.StatusCompleted, r.Record.Status)
}

func TestAll_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	reports, err := All(context.Background(), Config{
		Options: service.Options{InitialBalance: 1000, Registerer: reg},
	})
	require.NoError(t, err)
	require.Len(t, reports, 4)
	assert.Equal(t, "no protection", reports[0].Name)
	assert.Equal(t, int64(700), reports[0].FinalBalance)
	assert.Equal(t, int64(900), reports[1].FinalBalance)

	count, err := testutil.GatherAndCount(reg, "chargeguard_idempotency_requests_total")
	require.NoError(t, err)
	assert.Positive(t, count)
}

func TestAll_RepeatedOnSameRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := Config{Options: service.Options{InitialBalance: 1000, Registerer: reg}}

	_, err := All(context.Background(), cfg)
	require.NoError(t, err)
	var reports []Report
	require.NotPanics(t, func() {
		reports, err = All(context.Background(), cfg)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(900), reports[1].FinalBalance)

	expected := `
# HELP chargeguard_operation_executions_total Guarded operations executed, labeled by result
# TYPE chargeguard_operation_executions_total counter
chargeguard_operation_executions_total{result="completed",scenario="with_protection"} 2
chargeguard_operation_executions_total{result="failed",scenario="insufficient_funds"} 2
chargeguard_operation_executions_total{result="completed",scenario="retry_after_failure"} 2
chargeguard_operation_executions_total{result="failed",scenario="retry_after_failure"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "chargeguard_operation_executions_total"))
}
