package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/punchamoorthee/chargeguard/internal/domain"
)

var (
	ErrNotFound          = errors.New("idempotency key not found")
	ErrInvalidTransition = errors.New("invalid idempotency status transition")
	ErrEmptyKey          = errors.New("idempotency key is empty")
)

// Reservation is the result of claiming a key.
type Reservation struct {
	Created bool
	Record  domain.RequestRecord
}

// entry owns the lock for one key. The store-wide mutex only guards the map;
// every read or transition of a record happens under its entry's mutex.
type entry struct {
	mu      sync.Mutex
	record  *domain.RequestRecord
	done    chan struct{}
	last    domain.RequestRecord
	removed bool
}

// KeyStore is the in-memory table of idempotency keys.
type KeyStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
	ttl     time.Duration
}

type Option func(*KeyStore)

// WithClock overrides the time source for deterministic testing.
func WithClock(now func() time.Time) Option {
	return func(s *KeyStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTTL expires completed keys older than ttl. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(s *KeyStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func NewKeyStore(opts ...Option) *KeyStore {
	s := &KeyStore{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lock returns the live entry for key with its mutex held, or nil when the key
// has no entry and create is false.
func (s *KeyStore) lock(key string, create bool) *entry {
	for {
		s.mu.Lock()
		e, ok := s.entries[key]
		if !ok {
			if !create {
				s.mu.Unlock()
				return nil
			}
			e = &entry{}
			s.entries[key] = e
		}
		s.mu.Unlock()

		e.mu.Lock()
		if !e.removed {
			return e
		}
		// Removed between lookup and lock; the map holds a newer entry or none.
		e.mu.Unlock()
	}
}

// remove drops e from the table. Caller holds e.mu.
func (s *KeyStore) remove(key string, e *entry) {
	e.removed = true
	e.record = nil
	s.mu.Lock()
	if s.entries[key] == e {
		delete(s.entries, key)
	}
	s.mu.Unlock()
}

func (s *KeyStore) expired(rec *domain.RequestRecord) bool {
	return s.ttl > 0 && rec.Status == domain.StatusCompleted && s.now().Sub(rec.CreatedAt) >= s.ttl
}

// Reserve claims key. Exactly one concurrent caller observes Created for an absent key;
// everyone else gets the existing record unchanged.
func (s *KeyStore) Reserve(key string) (Reservation, error) {
	if key == "" {
		return Reservation{}, ErrEmptyKey
	}
	e := s.lock(key, true)
	defer e.mu.Unlock()

	if e.record != nil && !s.expired(e.record) {
		return Reservation{Record: clone(*e.record)}, nil
	}
	e.record = &domain.RequestRecord{
		Key:       key,
		Status:    domain.StatusProcessing,
		CreatedAt: s.now(),
		Version:   1,
	}
	e.done = make(chan struct{})
	return Reservation{Created: true, Record: clone(*e.record)}, nil
}

// Get returns the record for key without side effects.
func (s *KeyStore) Get(key string) (domain.RequestRecord, bool) {
	e := s.lock(key, false)
	if e == nil {
		return domain.RequestRecord{}, false
	}
	defer e.mu.Unlock()
	if e.record == nil || s.expired(e.record) {
		return domain.RequestRecord{}, false
	}
	return clone(*e.record), true
}

// Commit runs apply while holding the key's lock and records its outcome:
// COMPLETED with the returned result, or FAILED (freeing the key) when apply errors.
// apply's error is returned unchanged so callers can match it.
func (s *KeyStore) Commit(key string, apply func() (domain.ChargeResult, error)) (domain.RequestRecord, error) {
	e, err := s.lockProcessing(key, "complete")
	if err != nil {
		return domain.RequestRecord{}, err
	}
	defer e.mu.Unlock()

	result, err := apply()
	if err != nil {
		s.failLocked(key, e, err.Error(), err)
		return clone(e.last), err
	}
	e.record.Status = domain.StatusCompleted
	e.record.Result = &result
	e.record.Version++
	e.last = *e.record
	close(e.done)
	return clone(*e.record), nil
}

// Complete transitions key from PROCESSING to COMPLETED with result.
func (s *KeyStore) Complete(key string, result domain.ChargeResult) error {
	_, err := s.Commit(key, func() (domain.ChargeResult, error) { return result, nil })
	return err
}

// Fail transitions key from PROCESSING to FAILED and frees it for a fresh attempt.
func (s *KeyStore) Fail(key, reason string) error {
	e, err := s.lockProcessing(key, "fail")
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	s.failLocked(key, e, reason, nil)
	return nil
}

func (s *KeyStore) lockProcessing(key, op string) (*entry, error) {
	e := s.lock(key, false)
	if e == nil {
		return nil, fmt.Errorf("%s %q: key absent: %w", op, key, ErrInvalidTransition)
	}
	if e.record == nil || e.record.Status != domain.StatusProcessing {
		status := "absent"
		if e.record != nil {
			status = string(e.record.Status)
		}
		e.mu.Unlock()
		return nil, fmt.Errorf("%s %q: status %s: %w", op, key, status, ErrInvalidTransition)
	}
	return e, nil
}

func (s *KeyStore) failLocked(key string, e *entry, reason string, cause error) {
	e.record.Status = domain.StatusFailed
	e.record.FailureReason = reason
	e.record.Cause = cause
	e.record.Version++
	e.last = *e.record
	close(e.done)
	s.remove(key, e)
}

// Wait blocks until the current attempt for key leaves PROCESSING and returns
// its terminal record. A failed attempt is returned even though the key is free again.
func (s *KeyStore) Wait(ctx context.Context, key string) (domain.RequestRecord, error) {
	e := s.lock(key, false)
	if e == nil {
		return domain.RequestRecord{}, fmt.Errorf("wait %q: %w", key, ErrNotFound)
	}
	if e.record == nil || s.expired(e.record) {
		e.mu.Unlock()
		return domain.RequestRecord{}, fmt.Errorf("wait %q: %w", key, ErrNotFound)
	}
	if e.record.Terminal() {
		rec := clone(*e.record)
		e.mu.Unlock()
		return rec, nil
	}
	done := e.done
	e.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return domain.RequestRecord{}, ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return clone(e.last), nil
}

// Len reports how many keys the store currently holds.
func (s *KeyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep removes completed keys older than the TTL and returns how many it dropped.
// Keys still PROCESSING are never swept.
func (s *KeyStore) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}
	return s.drop(s.expired)
}

// Reset drops every terminal key. Attempts still in flight are left to finish.
func (s *KeyStore) Reset() int {
	return s.drop(func(rec *domain.RequestRecord) bool { return rec.Terminal() })
}

func (s *KeyStore) drop(match func(*domain.RequestRecord) bool) int {
	s.mu.Lock()
	snapshot := make(map[string]*entry, len(s.entries))
	for k, e := range s.entries {
		snapshot[k] = e
	}
	s.mu.Unlock()

	n := 0
	for key, e := range snapshot {
		e.mu.Lock()
		if !e.removed && e.record != nil && match(e.record) {
			s.remove(key, e)
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *KeyStore) RunSweeper(ctx context.Context, interval time.Duration) {
	if s.ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func clone(rec domain.RequestRecord) domain.RequestRecord {
	if rec.Result != nil {
		r := *rec.Result
		rec.Result = &r
	}
	return rec
}
