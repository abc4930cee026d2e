package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"restaurant-payouts/internal/common/logger"
	"restaurant-payouts/internal/domain"
)

// PricingSource is the part of the pricing store settlement reads.
type PricingSource interface {
	GetConfig(ctx context.Context, asOf time.Time) (domain.PricingConfig, error)
	ActivePeakRules(ctx context.Context, at time.Time) ([]domain.PeakRule, error)
	SubscriptionDiscount(ctx context.Context, restaurantID string, at time.Time) (decimal.Decimal, error)
}

// Ledger is the part of the payout ledger settlement writes to.
type Ledger interface {
	AppendSet(ctx context.Context, txs []domain.SettlementTransaction) ([]domain.SettlementTransaction, bool, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.SettlementTransaction, error)
	Process(ctx context.Context, txs []domain.SettlementTransaction)
}

// InstantPayouts is told about recipients that just received new entries.
type InstantPayouts interface {
	TriggerInstant(ctx context.Context, recipientIDs []string)
}

// Result is what one terminal transition wrote (or had already written) to the ledger.
type Result struct {
	Breakdown    *domain.SettlementBreakdown
	Transactions []domain.SettlementTransaction
	Created      bool
}

type SettlementServiceInterface interface {
	// Settle records the money split of a terminal transition exactly once.
	// Malformed orders and missing pricing fail with domain.ErrCalculation and write nothing.
	Settle(ctx context.Context, order domain.OrderEvent) (Result, error)
}

type SettlementService struct {
	calc    CalculatorInterface
	pricing PricingSource
	ledger  Ledger
	instant InstantPayouts
	lg      *logger.Logger
	now     func() time.Time
}

func NewSettlementService(calc CalculatorInterface, pricing PricingSource, ledger Ledger, instant InstantPayouts, lg *logger.Logger) *SettlementService {
	if lg == nil {
		lg = logger.Nop()
	}
	return &SettlementService{calc: calc, pricing: pricing, ledger: ledger, instant: instant, lg: lg, now: time.Now}
}

// SetInstantPayouts wires the scheduler after construction; it depends on the same ledger.
func (s *SettlementService) SetInstantPayouts(instant InstantPayouts) { s.instant = instant }

func (s *SettlementService) Settle(ctx context.Context, order domain.OrderEvent) (Result, error) {
	if !order.Status.IsTerminal() {
		return Result{}, fmt.Errorf("%w: status %q is not terminal", domain.ErrCalculation, order.Status)
	}
	if order.Status.IsReversal() {
		return s.reverse(ctx, order)
	}
	return s.settleForward(ctx, order)
}

func (s *SettlementService) settleForward(ctx context.Context, order domain.OrderEvent) (Result, error) {
	if err := order.Validate(); err != nil {
		return Result{}, err
	}
	at := order.PricedAt()
	cfg, err := s.pricing.GetConfig(ctx, at)
	if err != nil {
		if errors.Is(err, domain.ErrPricingNotFound) {
			return Result{}, fmt.Errorf("%w: %w", domain.ErrCalculation, err)
		}
		return Result{}, err
	}
	rules, err := s.pricing.ActivePeakRules(ctx, at)
	if err != nil {
		return Result{}, err
	}
	discount, err := s.pricing.SubscriptionDiscount(ctx, order.RestaurantID, at)
	if err != nil {
		return Result{}, err
	}

	b, err := s.calc.Settle(order, cfg, rules, discount)
	if err != nil {
		return Result{}, err
	}
	txs := BuildTransactions(b, order, s.now().UTC())
	stored, created, err := s.ledger.AppendSet(ctx, txs)
	if err != nil {
		return Result{}, fmt.Errorf("append settlement %s: %w", domain.IdempotencyKey(order.OrderID, order.Status), err)
	}

	res := Result{Breakdown: &b, Transactions: stored, Created: created}
	if created {
		s.lg.Info("order_settled", map[string]any{
			"order_id":        order.OrderID,
			"event_type":      order.Status,
			"pricing_version": b.PricingVersion,
			"gross_total":     b.GrossTotal.String(),
			"restaurant_net":  b.RestaurantNet.String(),
			"driver_net":      b.DriverNet.String(),
			"platform_net":    b.PlatformNet.String(),
			"peak_multiplier": b.PeakMultiplier.String(),
		})
		s.afterAppend(ctx, stored)
	}
	return res, nil
}

func (s *SettlementService) reverse(ctx context.Context, order domain.OrderEvent) (Result, error) {
	existing, err := s.ledger.ListByOrder(ctx, order.OrderID)
	if err != nil {
		return Result{}, err
	}
	reversals := BuildReversals(existing, order.Status, s.now().UTC())
	if len(reversals) == 0 {
		// nothing was settled, or this reversal is already recorded
		var already []domain.SettlementTransaction
		for _, t := range existing {
			if t.EventType == order.Status {
				already = append(already, t)
			}
		}
		return Result{Transactions: already}, nil
	}

	stored, created, err := s.ledger.AppendSet(ctx, reversals)
	if err != nil {
		return Result{}, fmt.Errorf("append reversal %s: %w", domain.IdempotencyKey(order.OrderID, order.Status), err)
	}
	if created {
		s.lg.Info("order_reversed", map[string]any{
			"order_id": order.OrderID, "event_type": order.Status, "transactions": len(stored),
		})
		s.afterAppend(ctx, stored)
	}
	return Result{Transactions: stored, Created: created}, nil
}

func (s *SettlementService) afterAppend(ctx context.Context, stored []domain.SettlementTransaction) {
	s.ledger.Process(ctx, stored)
	if s.instant == nil {
		return
	}
	ids := make([]string, 0, len(stored))
	for _, t := range stored {
		ids = append(ids, t.RecipientID)
	}
	s.instant.TriggerInstant(ctx, ids)
}
