package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store in memory with the same semantics as the
// Postgres store: debit is check-and-subtract under one lock, and every
// balance change appends a ledger entry. Used by tests and local development.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]Balance
	ledger   []LedgerEntry
	clock    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]Balance),
		clock:    time.Now,
	}
}

func (s *MemoryStore) Debit(ctx context.Context, ownerID string, amountMicros int64, reason, sessionID string) (Balance, error) {
	_ = ctx
	if err := validateAmount(ownerID, amountMicros); err != nil {
		return Balance{}, err
	}
	if reason == "" {
		return Balance{}, ErrInvalidArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[ownerID]
	if !ok {
		return Balance{}, ErrWalletNotFound
	}
	if b.BalanceMicros < amountMicros {
		return Balance{}, ErrInsufficientFunds
	}

	now := s.clock().UTC()
	b.BalanceMicros -= amountMicros
	b.UpdatedAt = now
	s.balances[ownerID] = b

	s.ledger = append(s.ledger, LedgerEntry{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		Type:         LedgerEntryTypeDebit,
		AmountMicros: -amountMicros,
		Currency:     b.Currency,
		Reason:       reason,
		SessionID:    sessionID,
		CreatedAt:    now,
	})
	return b, nil
}

func (s *MemoryStore) Credit(ctx context.Context, ownerID string, amountMicros int64, currency, reason string) (Balance, error) {
	_ = ctx
	if err := validateAmount(ownerID, amountMicros); err != nil {
		return Balance{}, err
	}
	if currency == "" || reason == "" {
		return Balance{}, ErrInvalidArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	b, ok := s.balances[ownerID]
	if !ok {
		b = Balance{OwnerID: ownerID, Currency: currency}
	}
	if b.Currency != currency {
		return Balance{}, ErrInvalidArgument
	}
	b.BalanceMicros += amountMicros
	b.UpdatedAt = now
	s.balances[ownerID] = b

	s.ledger = append(s.ledger, LedgerEntry{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		Type:         LedgerEntryTypeCredit,
		AmountMicros: amountMicros,
		Currency:     currency,
		Reason:       reason,
		CreatedAt:    now,
	})
	return b, nil
}

func (s *MemoryStore) Balance(ctx context.Context, ownerID string) (Balance, error) {
	_ = ctx
	if ownerID == "" {
		return Balance{}, ErrInvalidArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[ownerID]
	if !ok {
		return Balance{}, ErrWalletNotFound
	}
	return b, nil
}

func (s *MemoryStore) LedgerEntries(ctx context.Context, ownerID string, from, to time.Time) ([]LedgerEntry, error) {
	_ = ctx
	if ownerID == "" {
		return nil, ErrInvalidArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []LedgerEntry
	for _, e := range s.ledger {
		if e.OwnerID != ownerID {
			continue
		}
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
