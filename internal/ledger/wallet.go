package ledger

import (
	"errors"
	"sync"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Wallet is the balance a charge draws from. It is independent of any
// idempotency key; callers decide when a debit is allowed to happen.
type Wallet struct {
	mu      sync.Mutex
	balance int64
}

func NewWallet(initial int64) *Wallet {
	return &Wallet{balance: initial}
}

// Debit removes amount and returns the new balance. The balance is left
// untouched when it cannot cover amount.
func (w *Wallet) Debit(amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.balance < amount {
		return w.balance, ErrInsufficientFunds
	}
	w.balance -= amount
	return w.balance, nil
}

// TopUp adds amount and returns the new balance.
func (w *Wallet) TopUp(amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balance += amount
	return w.balance, nil
}

func (w *Wallet) Balance() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance
}

// Reset sets the balance back to initial.
func (w *Wallet) Reset(initial int64) {
	w.mu.Lock()
	w.balance = initial
	w.mu.Unlock()
}
