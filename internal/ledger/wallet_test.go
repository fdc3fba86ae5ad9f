package ledger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebit(t *testing.T) {
	w := NewWallet(1000)

	bal, err := w.Debit(100)
	require.NoError(t, err)
	assert.Equal(t, int64(900), bal)
	assert.Equal(t, int64(900), w.Balance())
}

func TestDebit_InsufficientFundsLeavesBalance(t *testing.T) {
	w := NewWallet(50)

	bal, err := w.Debit(100)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, int64(50), bal)
	assert.Equal(t, int64(50), w.Balance())
}

func TestInvalidAmounts(t *testing.T) {
	w := NewWallet(100)
	for _, amount := range []int64{0, -5} {
		_, err := w.Debit(amount)
		assert.ErrorIs(t, err, ErrInvalidAmount)
		_, err = w.TopUp(amount)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	}
	assert.Equal(t, int64(100), w.Balance())
}

func TestTopUpAndReset(t *testing.T) {
	w := NewWallet(50)
	bal, err := w.TopUp(100)
	require.NoError(t, err)
	assert.Equal(t, int64(150), bal)

	w.Reset(1000)
	assert.Equal(t, int64(1000), w.Balance())
}

func TestDebit_ConcurrentNeverOverdraws(t *testing.T) {
	w := NewWallet(1000)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = w.Debit(100)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(0), w.Balance())
}
