package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"restaurant-payouts/internal/domain"
)

// MemoryRepository keeps policies, batches and receipts in maps. Used by tests.
type MemoryRepository struct {
	mu       sync.Mutex
	policies map[string]domain.PayoutPolicy
	batches  map[string]domain.PayoutBatch
	receipts map[string]domain.RailReceipt
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		policies: make(map[string]domain.PayoutPolicy),
		batches:  make(map[string]domain.PayoutBatch),
		receipts: make(map[string]domain.RailReceipt),
	}
}

func (m *MemoryRepository) Policies() PolicyRepositoryInterface  { return memPolicies{m} }
func (m *MemoryRepository) Batches() BatchRepositoryInterface    { return memBatches{m} }
func (m *MemoryRepository) Receipts() ReceiptRepositoryInterface { return memReceipts{m} }

type memPolicies struct{ m *MemoryRepository }

func (r memPolicies) Get(_ context.Context, recipientID string) (domain.PayoutPolicy, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	p, ok := r.m.policies[recipientID]
	if !ok {
		return domain.PayoutPolicy{}, fmt.Errorf("%w: policy %s", domain.ErrNotFound, recipientID)
	}
	if p.NextAttemptAt != nil {
		t := *p.NextAttemptAt
		p.NextAttemptAt = &t
	}
	return p, nil
}

func (r memPolicies) Save(_ context.Context, p domain.PayoutPolicy) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if p.NextAttemptAt != nil {
		t := *p.NextAttemptAt
		p.NextAttemptAt = &t
	}
	r.m.policies[p.RecipientID] = p
	return nil
}

type memBatches struct{ m *MemoryRepository }

func cloneBatch(b domain.PayoutBatch) domain.PayoutBatch {
	b.TransactionIDs = append([]string(nil), b.TransactionIDs...)
	return b
}

func (r memBatches) Create(_ context.Context, b domain.PayoutBatch) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.batches[b.ID]; ok {
		return fmt.Errorf("batch %s already exists", b.ID)
	}
	b.UpdatedAt = b.CreatedAt
	r.m.batches[b.ID] = cloneBatch(b)
	return nil
}

func (r memBatches) Get(_ context.Context, id string) (domain.PayoutBatch, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	b, ok := r.m.batches[id]
	if !ok {
		return domain.PayoutBatch{}, fmt.Errorf("%w: batch %s", domain.ErrNotFound, id)
	}
	return cloneBatch(b), nil
}

func (r memBatches) UpdateStatus(_ context.Context, id string, from, to domain.BatchStatus, reference, reason string, at time.Time) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	b, ok := r.m.batches[id]
	if !ok || b.Status != from {
		return false, nil
	}
	b.Status = to
	if reference != "" {
		b.RailReference = reference
	}
	b.FailureReason = reason
	b.UpdatedAt = at
	r.m.batches[id] = b
	return true, nil
}

func (r memBatches) ListByRecipient(_ context.Context, recipientID string) ([]domain.PayoutBatch, error) {
	return r.filter(func(b domain.PayoutBatch) bool { return b.RecipientID == recipientID }, 0, true), nil
}

func (r memBatches) ListByStatus(_ context.Context, status domain.BatchStatus, olderThan time.Time, limit int) ([]domain.PayoutBatch, error) {
	return r.filter(func(b domain.PayoutBatch) bool {
		return b.Status == status && b.UpdatedAt.Before(olderThan)
	}, limit, false), nil
}

func (r memBatches) filter(keep func(domain.PayoutBatch) bool, limit int, newestFirst bool) []domain.PayoutBatch {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []domain.PayoutBatch
	for _, b := range r.m.batches {
		if keep(b) {
			out = append(out, cloneBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

type memReceipts struct{ m *MemoryRepository }

func (r memReceipts) Save(_ context.Context, rc domain.RailReceipt) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if cur, ok := r.m.receipts[rc.IdempotencyKey]; ok && isFinalRail(cur.Status) {
		return nil
	}
	r.m.receipts[rc.IdempotencyKey] = rc
	return nil
}

func (r memReceipts) Get(_ context.Context, key string) (domain.RailReceipt, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	rc, ok := r.m.receipts[key]
	if !ok {
		return domain.RailReceipt{}, fmt.Errorf("%w: receipt %s", domain.ErrNotFound, key)
	}
	return rc, nil
}

func isFinalRail(s domain.RailStatus) bool {
	return s == domain.RailConfirmed || s == domain.RailRejected
}
