package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"restaurant-payouts/internal/domain"
)

// MemoryRepository is the in-process ledger used by tests and local runs.
type MemoryRepository struct {
	mu   sync.RWMutex
	rows map[string]domain.SettlementTransaction
	keys map[string]string // row key -> id
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rows: map[string]domain.SettlementTransaction{},
		keys: map[string]string{},
	}
}

func (m *MemoryRepository) InsertSet(_ context.Context, txs []domain.SettlementTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for _, t := range txs {
		if _, ok := m.keys[t.Key()]; ok || seen[t.Key()] {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateSettlement, t.Key())
		}
		seen[t.Key()] = true
	}
	for _, t := range txs {
		m.rows[t.ID] = t
		m.keys[t.Key()] = t.ID
	}
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (domain.SettlementTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.rows[id]
	if !ok {
		return domain.SettlementTransaction{}, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	return t, nil
}

func (m *MemoryRepository) ListByOrder(_ context.Context, orderID string) ([]domain.SettlementTransaction, error) {
	return m.filter(func(t domain.SettlementTransaction) bool { return t.OrderID == orderID }, 0), nil
}

func (m *MemoryRepository) ListByEvent(_ context.Context, orderID string, eventType domain.OrderStatus) ([]domain.SettlementTransaction, error) {
	out := m.filter(func(t domain.SettlementTransaction) bool {
		return t.OrderID == orderID && t.EventType == eventType
	}, 0)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RecipientRole != out[j].RecipientRole {
			return out[i].RecipientRole < out[j].RecipientRole
		}
		return out[i].RecipientID < out[j].RecipientID
	})
	return out, nil
}

func (m *MemoryRepository) ListByRecipient(_ context.Context, recipientID string, status domain.TransactionStatus) ([]domain.SettlementTransaction, error) {
	return m.filter(func(t domain.SettlementTransaction) bool {
		return t.RecipientID == recipientID && (status == "" || t.Status == status)
	}, 0), nil
}

func (m *MemoryRepository) ListByStatus(_ context.Context, status domain.TransactionStatus, limit int) ([]domain.SettlementTransaction, error) {
	return m.filter(func(t domain.SettlementTransaction) bool { return t.Status == status }, limit), nil
}

func (m *MemoryRepository) ListCreatedBetween(_ context.Context, from, to time.Time) ([]domain.SettlementTransaction, error) {
	return m.filter(func(t domain.SettlementTransaction) bool {
		return !t.CreatedAt.Before(from) && t.CreatedAt.Before(to)
	}, 0), nil
}

func (m *MemoryRepository) UpdateStatus(_ context.Context, id string, from domain.TransactionStatus, upd StatusUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok || t.Status != from {
		return false, nil
	}
	t.Status = upd.Status
	t.Attempts = upd.Attempts
	t.NextAttemptAt = upd.NextAttemptAt
	t.FailureReason = upd.FailureReason
	m.rows[id] = t
	return true, nil
}

func (m *MemoryRepository) DueForRetry(_ context.Context, now, staleBefore time.Time, limit int) ([]domain.SettlementTransaction, error) {
	return m.filter(func(t domain.SettlementTransaction) bool {
		switch t.Status {
		case domain.TxFailed:
			return t.NextAttemptAt == nil || !t.NextAttemptAt.After(now)
		case domain.TxPending:
			return t.CreatedAt.Before(staleBefore)
		}
		return false
	}, limit), nil
}

func (m *MemoryRepository) PayableRecipients(_ context.Context) ([]Recipient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[Recipient]struct{}{}
	for _, t := range m.rows {
		if t.Payable() {
			seen[Recipient{ID: t.RecipientID, Role: t.RecipientRole}] = struct{}{}
		}
	}
	out := make([]Recipient, 0, len(seen))
	for rc := range seen {
		out = append(out, rc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Role < out[j].Role
	})
	return out, nil
}

func (m *MemoryRepository) ListPayable(_ context.Context, recipientID string) ([]domain.SettlementTransaction, error) {
	return m.filter(func(t domain.SettlementTransaction) bool {
		return t.RecipientID == recipientID && t.Payable()
	}, 0), nil
}

func (m *MemoryRepository) Reserve(_ context.Context, batchID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		t, ok := m.rows[id]
		if !ok || !t.Payable() {
			return fmt.Errorf("%w: %s", ErrNotPayable, id)
		}
	}
	for _, id := range ids {
		t := m.rows[id]
		t.BatchID = batchID
		m.rows[id] = t
	}
	return nil
}

func (m *MemoryRepository) Release(_ context.Context, batchID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.rows {
		if t.BatchID == batchID && t.SettledAt == nil {
			t.BatchID = ""
			m.rows[id] = t
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) MarkSettled(_ context.Context, batchID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.rows {
		if t.BatchID == batchID && t.SettledAt == nil {
			settled := at
			t.SettledAt = &settled
			m.rows[id] = t
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) filter(keep func(domain.SettlementTransaction) bool, limit int) []domain.SettlementTransaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.SettlementTransaction
	for _, t := range m.rows {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
