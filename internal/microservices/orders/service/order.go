package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"restaurant-payouts/internal/common/logger"
	"restaurant-payouts/internal/domain"
	"restaurant-payouts/internal/microservices/orders/repository"
	settlement "restaurant-payouts/internal/microservices/settlement/service"
)

// Settler records the money of a terminal transition; repeated calls are idempotent.
type Settler interface {
	Settle(ctx context.Context, order domain.OrderEvent) (settlement.Result, error)
}

type OrderServiceInterface interface {
	// Transition applies event to an order the caller saw at from and returns the new status.
	Transition(ctx context.Context, order domain.OrderEvent, from domain.OrderStatus, event string) (domain.OrderStatus, error)
	Get(ctx context.Context, orderID string) (domain.OrderState, error)
	History(ctx context.Context, orderID string) ([]domain.TransitionRecord, error)
	ListReconciliation(ctx context.Context, limit int) ([]domain.OrderState, error)
}

type OrderService struct {
	repo    repository.OrderRepositoryInterface
	settler Settler
	lg      *logger.Logger
	now     func() time.Time
}

func NewOrderService(repo repository.OrderRepositoryInterface, settler Settler, lg *logger.Logger) *OrderService {
	if lg == nil {
		lg = logger.Nop()
	}
	return &OrderService{repo: repo, settler: settler, lg: lg, now: time.Now}
}

func (s *OrderService) Transition(ctx context.Context, order domain.OrderEvent, from domain.OrderStatus, event string) (domain.OrderStatus, error) {
	fields := map[string]any{"order_id": order.OrderID, "from": from, "event": event}

	// повторный терминальный вебхук
	if from.IsTerminal() && eventTargets[event] == from {
		st, err := s.repo.Get(ctx, order.OrderID)
		if err == nil && st.Status == from {
			return from, s.ensureSettled(ctx, st, order)
		}
	}

	to, ok := Next(order.Kind, from, event)
	if !ok {
		s.lg.Warn("transition_rejected", fields)
		return from, fmt.Errorf("%w: %s %q from %s", domain.ErrInvalidTransition, order.Kind, event, from)
	}

	st, err := s.repo.Get(ctx, order.OrderID)
	if errors.Is(err, domain.ErrNotFound) {
		st, err = s.repo.Ensure(ctx, order.OrderID, order.Kind, from)
	}
	if err != nil {
		return from, err
	}
	if st.Kind != order.Kind {
		return st.Status, fmt.Errorf("%w: order %s is a %s, not a %s", domain.ErrInvalidTransition, order.OrderID, st.Kind, order.Kind)
	}

	switch st.Status {
	case from:
	case to:
		// the same transition already happened
		s.lg.Debug("transition_duplicate", fields)
		return to, s.ensureSettled(ctx, st, order)
	default:
		fields["stored"] = st.Status
		s.lg.Warn("transition_stale", fields)
		return st.Status, fmt.Errorf("%w: order %s is %s, not %s", domain.ErrConcurrentTransition, order.OrderID, st.Status, from)
	}

	rec := domain.TransitionRecord{
		OrderID:    order.OrderID,
		FromStatus: from,
		ToStatus:   to,
		Event:      event,
		Version:    st.Version + 1,
		ChangedAt:  s.now().UTC(),
	}
	won, err := s.repo.CompareAndSet(ctx, rec)
	if err != nil {
		return from, err
	}
	if !won {
		return from, fmt.Errorf("%w: order %s version %d", domain.ErrConcurrentTransition, order.OrderID, st.Version)
	}
	fields["to"] = to
	fields["version"] = rec.Version
	s.lg.Info("order_transitioned", fields)

	st.Status, st.Version = to, rec.Version
	return to, s.ensureSettled(ctx, st, order)
}

// ensureSettled settles a terminal state whose settlement is not recorded yet.
// It also re-drives settlement interrupted by a crash or outage after the transition.
func (s *OrderService) ensureSettled(ctx context.Context, st domain.OrderState, order domain.OrderEvent) error {
	if !st.Status.IsTerminal() || st.SettledStatus == st.Status || s.settler == nil {
		return nil
	}
	order.Status = st.Status
	res, err := s.settler.Settle(ctx, order)
	if err != nil {
		if errors.Is(err, domain.ErrCalculation) {
			if ferr := s.repo.FlagReconciliation(ctx, order.OrderID, err.Error()); ferr != nil {
				s.lg.Error("reconciliation_flag_failed", ferr, map[string]any{"order_id": order.OrderID})
			}
			s.lg.Error("settlement_aborted", err, map[string]any{"order_id": order.OrderID, "status": st.Status})
		}
		return err
	}
	if err := s.repo.MarkSettled(ctx, order.OrderID, st.Status); err != nil {
		return err
	}
	s.lg.Debug("order_settlement_recorded", map[string]any{
		"order_id": order.OrderID, "status": st.Status,
		"transactions": len(res.Transactions), "created": res.Created,
	})
	return nil
}

func (s *OrderService) Get(ctx context.Context, orderID string) (domain.OrderState, error) {
	return s.repo.Get(ctx, orderID)
}

func (s *OrderService) History(ctx context.Context, orderID string) ([]domain.TransitionRecord, error) {
	return s.repo.History(ctx, orderID)
}

func (s *OrderService) ListReconciliation(ctx context.Context, limit int) ([]domain.OrderState, error) {
	return s.repo.ListReconciliation(ctx, limit)
}
