package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"restaurant-payouts/internal/domain"
)

// MemoryRepository keeps order states in process; used by tests and local runs.
type MemoryRepository struct {
	mu     sync.Mutex
	states map[string]domain.OrderState
	log    map[string][]domain.TransitionRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		states: map[string]domain.OrderState{},
		log:    map[string][]domain.TransitionRecord{},
	}
}

func (m *MemoryRepository) Get(_ context.Context, orderID string) (domain.OrderState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[orderID]
	if !ok {
		return domain.OrderState{}, fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
	}
	return st, nil
}

func (m *MemoryRepository) Ensure(_ context.Context, orderID string, kind domain.OrderKind, status domain.OrderStatus) (domain.OrderState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[orderID]; ok {
		return st, nil
	}
	st := domain.OrderState{OrderID: orderID, Kind: kind, Status: status, UpdatedAt: time.Now().UTC()}
	m.states[orderID] = st
	return st, nil
}

func (m *MemoryRepository) CompareAndSet(_ context.Context, rec domain.TransitionRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[rec.OrderID]
	if !ok || st.Version != rec.Version-1 || st.Status != rec.FromStatus {
		return false, nil
	}
	st.Status = rec.ToStatus
	st.Version = rec.Version
	st.UpdatedAt = rec.ChangedAt
	m.states[rec.OrderID] = st
	m.log[rec.OrderID] = append(m.log[rec.OrderID], rec)
	return true, nil
}

func (m *MemoryRepository) MarkSettled(_ context.Context, orderID string, status domain.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[orderID]
	if !ok || st.Status != status {
		return nil
	}
	st.SettledStatus = status
	st.NeedsReconciliation = false
	st.ReconcileReason = ""
	m.states[orderID] = st
	return nil
}

func (m *MemoryRepository) FlagReconciliation(_ context.Context, orderID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[orderID]
	if !ok {
		return nil
	}
	st.NeedsReconciliation = true
	st.ReconcileReason = reason
	st.UpdatedAt = time.Now().UTC()
	m.states[orderID] = st
	return nil
}

func (m *MemoryRepository) ListReconciliation(_ context.Context, limit int) ([]domain.OrderState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OrderState
	for _, st := range m.states {
		if st.NeedsReconciliation {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) History(_ context.Context, orderID string) ([]domain.TransitionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.TransitionRecord(nil), m.log[orderID]...), nil
}
