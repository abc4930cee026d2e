package service

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restaurant-payouts/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testPricing() domain.PricingConfig {
	return domain.PricingConfig{
		Version:               "2026-01",
		EffectiveFrom:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Currency:              "USD",
		CommissionRate:        d("0.15"),
		ServiceFeeRate:        d("0.05"),
		DeliveryFee:           d("2.99"),
		SmallOrderThreshold:   d("15.00"),
		SmallOrderFee:         d("2.99"),
		TaxRate:               d("0.08"),
		ProcessingRate:        d("0.029"),
		ProcessingFixed:       d("0.30"),
		DriverBasePay:         d("3.00"),
		DriverPerMile:         d("0.60"),
		DriverPerMinute:       d("0.15"),
		ReservationPerCover:   d("2.50"),
		ReservationMinimumFee: d("5.00"),
		NoShowFee:             d("25.00"),
		NoShowRestaurantShare: d("0.5"),
	}
}

// Tuesday 12:15 UTC
var lunchtime = time.Date(2026, 3, 3, 12, 15, 0, 0, time.UTC)

func deliveryOrder(subtotal string) domain.OrderEvent {
	return domain.OrderEvent{
		OrderID:      "ord-1",
		Kind:         domain.KindDelivery,
		Status:       domain.StatusDelivered,
		RestaurantID: "rest-1",
		DriverID:     "drv-1",
		Subtotal:     d(subtotal),
		Tip:          d("6.00"),
		DistanceMi:   d("3"),
		DurationMin:  d("25"),
		CreatedAt:    lunchtime.Add(-40 * time.Minute),
		CompletedAt:  lunchtime,
	}
}

func reservation(party int) domain.OrderEvent {
	return domain.OrderEvent{
		OrderID:      "res-1",
		Kind:         domain.KindReservation,
		Status:       domain.StatusCompleted,
		RestaurantID: "rest-1",
		Subtotal:     d("60.00"),
		PartySize:    party,
		CompletedAt:  lunchtime,
	}
}

func alwaysOn(name, mult string) domain.PeakRule {
	return domain.PeakRule{Name: name, Multiplier: d(mult), Active: true}
}

func assertMoney(t *testing.T, want string, got decimal.Decimal, field string) {
	t.Helper()
	assert.Truef(t, d(want).Equal(got), "%s: want %s, got %s", field, want, got)
}

func TestWorkedExampleDriverNet(t *testing.T) {
	b, err := NewCalculator().Settle(deliveryOrder("40.00"), testPricing(),
		[]domain.PeakRule{alwaysOn("surge", "1.5")}, decimal.Zero)
	require.NoError(t, err)

	// (3.00 + 1.80 + 3.75) * 1.5 + 6.00 = 18.825
	assertMoney(t, "18.83", b.DriverNet, "driver net")
	assertMoney(t, "8.55", b.DriverBasePay, "driver base pay")
	assertMoney(t, "6.00", b.Tip, "tip")
	assert.Equal(t, "surge", b.PeakRule)
	assert.True(t, b.Conserves())
}

func TestDeliveryBreakdown(t *testing.T) {
	b, err := NewCalculator().Settle(deliveryOrder("40.00"), testPricing(), nil, decimal.Zero)
	require.NoError(t, err)

	assertMoney(t, "40.00", b.OrderValue, "order value")
	assertMoney(t, "2.00", b.ServiceFee, "service fee")
	assertMoney(t, "0", b.SmallOrderFee, "small order fee")
	assertMoney(t, "3.20", b.Taxes, "taxes")
	// 40 + 2.99 + 2.00 + 3.20 + 6.00
	assertMoney(t, "54.19", b.GrossTotal, "gross")
	// 0.029 * 54.19 + 0.30 = 1.87151
	assertMoney(t, "1.87", b.ProcessingFee, "processing")
	assertMoney(t, "34.00", b.RestaurantNet, "restaurant net")
	assertMoney(t, "6.00", b.Commission, "commission")
	assertMoney(t, "1", b.PeakMultiplier, "peak")
	// 8.55 + 6.00
	assertMoney(t, "14.55", b.DriverNet, "driver net")
	// 54.19 - 34.00 - 14.55 - 1.87 - 3.20
	assertMoney(t, "0.57", b.PlatformNet, "platform net")
	assert.Equal(t, "USD", b.Currency)
	assert.Equal(t, "2026-01", b.PricingVersion)
}

func TestEventTaxOverridesRate(t *testing.T) {
	tests := []struct {
		name string
		tax  *decimal.Decimal
		want string
	}{
		{name: "reported tax", tax: decPtr("4.10"), want: "4.10"},
		{name: "tax-exempt order", tax: decPtr("0"), want: "0"},
		{name: "no tax reported", tax: nil, want: "3.20"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := deliveryOrder("40.00")
			o.Tax = tt.tax
			b, err := NewCalculator().Settle(o, testPricing(), nil, decimal.Zero)
			require.NoError(t, err)
			assertMoney(t, tt.want, b.Taxes, "taxes")
			assert.True(t, b.Conserves())
		})
	}
}

func decPtr(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func TestSubscriptionDiscountRaisesRestaurantShare(t *testing.T) {
	b, err := NewCalculator().Settle(deliveryOrder("40.00"), testPricing(), nil, d("0.05"))
	require.NoError(t, err)
	assertMoney(t, "36.00", b.RestaurantNet, "restaurant net")
	assertMoney(t, "4.00", b.Commission, "commission")

	b, err = NewCalculator().Settle(deliveryOrder("40.00"), testPricing(), nil, d("0.50"))
	require.NoError(t, err)
	assertMoney(t, "40.00", b.RestaurantNet, "discount never exceeds the commission")
}

func TestPeakRulesTakeTheMaximum(t *testing.T) {
	lunch := domain.PeakRule{
		Name: "lunch", Multiplier: d("1.2"), Active: true,
		Window: &domain.TimeWindow{StartMinute: 11*60 + 30, EndMinute: 14 * 60},
	}
	weather := domain.PeakRule{
		Name: "rain", Multiplier: d("1.3"), Active: true, Weather: []string{"rain", "snow"},
	}
	o := deliveryOrder("40.00")
	o.Weather = "Rain"

	b, err := NewCalculator().Settle(o, testPricing(), []domain.PeakRule{lunch, weather}, decimal.Zero)
	require.NoError(t, err)
	assertMoney(t, "1.3", b.PeakMultiplier, "peak")
	assert.Equal(t, "rain", b.PeakRule)
	// 8.55 * 1.3 + 6.00 = 17.115
	assertMoney(t, "17.12", b.DriverNet, "driver net")

	t.Run("only the window matches", func(t *testing.T) {
		o.Weather = "clear"
		mult, name := PeakMultiplier([]domain.PeakRule{lunch, weather}, o)
		assertMoney(t, "1.2", mult, "peak")
		assert.Equal(t, "lunch", name)
	})
	t.Run("outside every condition", func(t *testing.T) {
		late := o
		late.CompletedAt = lunchtime.Add(6 * time.Hour)
		mult, name := PeakMultiplier([]domain.PeakRule{lunch, weather}, late)
		assertMoney(t, "1", mult, "peak")
		assert.Empty(t, name)
	})
	t.Run("inactive, geofenced and demand rules", func(t *testing.T) {
		minDemand := d("1.5")
		rules := []domain.PeakRule{
			{Name: "off", Multiplier: d("3"), Active: false},
			{Name: "downtown", Multiplier: d("2"), Active: true,
				Geofence: &domain.Geofence{Center: domain.Location{Lat: 40.7128, Lng: -74.0060}, RadiusKm: 2}},
			{Name: "demand", Multiplier: d("1.4"), Active: true, MinDemand: &minDemand},
		}
		o := deliveryOrder("40.00")
		o.Location = domain.Location{Lat: 40.7306, Lng: -73.9352} // ~6km away
		o.DemandRatio = d("1.6")
		mult, name := PeakMultiplier(rules, o)
		assertMoney(t, "1.4", mult, "peak")
		assert.Equal(t, "demand", name)

		o.Location = domain.Location{Lat: 40.7130, Lng: -74.0050}
		mult, _ = PeakMultiplier(rules, o)
		assertMoney(t, "2", mult, "peak")
	})
}

func TestSmallOrderFee(t *testing.T) {
	cases := []struct {
		subtotal string
		fee      string
	}{
		{"10.00", "2.99"},
		{"14.99", "2.99"},
		{"15.00", "0"},
		{"22.00", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.subtotal, func(t *testing.T) {
			b, err := NewCalculator().Settle(deliveryOrder(tc.subtotal), testPricing(), nil, decimal.Zero)
			require.NoError(t, err)
			assertMoney(t, tc.fee, b.SmallOrderFee, "small order fee")
			assert.True(t, b.Conserves())
		})
	}

	b, err := NewCalculator().Settle(deliveryOrder("10.00"), testPricing(), nil, decimal.Zero)
	require.NoError(t, err)
	// 10 + 2.99 delivery + 0.50 service + 2.99 small order + 0.80 tax + 6 tip
	assertMoney(t, "23.28", b.GrossTotal, "gross")
	assertMoney(t, "8.50", b.RestaurantNet, "small-order fee never reaches the restaurant")
	assertMoney(t, "14.55", b.DriverNet, "small-order fee never reaches the driver")
}

func TestReservationMinimumFee(t *testing.T) {
	b, err := NewCalculator().Settle(reservation(1), testPricing(), nil, decimal.Zero)
	require.NoError(t, err)
	assertMoney(t, "5.00", b.Commission, "commission")
	assertMoney(t, "55.00", b.RestaurantNet, "restaurant net")
	assertMoney(t, "5.00", b.PlatformNet, "platform net")
	assertMoney(t, "0", b.DriverNet, "driver net")

	b, err = NewCalculator().Settle(reservation(4), testPricing(), nil, decimal.Zero)
	require.NoError(t, err)
	assertMoney(t, "10.00", b.Commission, "commission")
	assert.True(t, b.Conserves())
}

func TestReservationIgnoresPeakRules(t *testing.T) {
	b, err := NewCalculator().Settle(reservation(2), testPricing(),
		[]domain.PeakRule{alwaysOn("surge", "2")}, decimal.Zero)
	require.NoError(t, err)
	assertMoney(t, "1", b.PeakMultiplier, "peak")
	assertMoney(t, "0", b.DriverNet, "driver net")
}

func TestNoShowChargesFlatFee(t *testing.T) {
	o := reservation(3)
	o.Status = domain.StatusNoShow
	b, err := NewCalculator().Settle(o, testPricing(), nil, decimal.Zero)
	require.NoError(t, err)
	assertMoney(t, "25.00", b.GrossTotal, "gross")
	assertMoney(t, "12.50", b.RestaurantNet, "restaurant net")
	assertMoney(t, "12.50", b.PlatformNet, "platform net")
	assertMoney(t, "0", b.DriverNet, "driver net")
	assert.Equal(t, domain.StatusNoShow, b.EventType)
}

func TestCalculationErrors(t *testing.T) {
	cases := map[string]func(*domain.OrderEvent){
		"negative subtotal": func(o *domain.OrderEvent) { o.Subtotal = d("-1") },
		"missing driver":    func(o *domain.OrderEvent) { o.DriverID = "" },
		"no timestamps":     func(o *domain.OrderEvent) { o.CreatedAt, o.CompletedAt = time.Time{}, time.Time{} },
		"non-terminal":      func(o *domain.OrderEvent) { o.Status = domain.StatusReady },
		"reversal status":   func(o *domain.OrderEvent) { o.Status = domain.StatusCancelled },
		"unknown kind":      func(o *domain.OrderEvent) { o.Kind = "pickup" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			o := deliveryOrder("40.00")
			mutate(&o)
			_, err := NewCalculator().Settle(o, testPricing(), nil, decimal.Zero)
			assert.ErrorIs(t, err, domain.ErrCalculation)
		})
	}
}

func TestConservationHoldsForRandomOrders(t *testing.T) {
	rng := rand.New(rand.NewSource(20260101))
	money := func(maxCents int64) decimal.Decimal { return decimal.New(rng.Int63n(maxCents), -2) }
	rate := func(maxBps int64) decimal.Decimal { return decimal.New(rng.Int63n(maxBps), -4) }

	calc := NewCalculator()
	for i := 0; i < 2000; i++ {
		cfg := testPricing()
		cfg.CommissionRate = rate(3000)
		cfg.ServiceFeeRate = rate(1500)
		cfg.TaxRate = rate(1200)
		cfg.ProcessingRate = rate(400)
		cfg.ProcessingFixed = money(100)
		cfg.DeliveryFee = money(800)
		cfg.DriverBasePay = money(600)
		cfg.DriverPerMile = decimal.New(rng.Int63n(1000), -3)
		cfg.DriverPerMinute = decimal.New(rng.Int63n(500), -3)
		cfg.ReservationPerCover = money(500)
		cfg.NoShowFee = money(5000)
		cfg.NoShowRestaurantShare = rate(10001)

		rules := []domain.PeakRule{
			alwaysOn("a", decimal.New(10000+rng.Int63n(10000), -4).String()),
			alwaysOn("b", decimal.New(10000+rng.Int63n(10000), -4).String()),
		}
		discount := rate(500)

		var o domain.OrderEvent
		switch rng.Intn(3) {
		case 0:
			o = deliveryOrder(money(20000).String())
			o.Tip = money(2000)
			o.DistanceMi = decimal.New(rng.Int63n(2000), -2)
			o.DurationMin = decimal.New(rng.Int63n(900), -1)
			if rng.Intn(2) == 0 {
				tax := money(1500)
				o.Tax = &tax
			}
		case 1:
			o = reservation(1 + rng.Intn(12))
			o.Subtotal = money(50000)
			o.Tip = money(5000)
			tax := money(3000)
			o.Tax = &tax
		default:
			o = reservation(1 + rng.Intn(12))
			o.Status = domain.StatusNoShow
		}

		b, err := calc.Settle(o, cfg, rules, discount)
		require.NoError(t, err)
		require.Truef(t, b.Conserves(), "iteration %d: %+v", i, b)
		for name, v := range map[string]decimal.Decimal{
			"gross": b.GrossTotal, "restaurant": b.RestaurantNet, "driver": b.DriverNet,
			"platform": b.PlatformNet, "taxes": b.Taxes, "processing": b.ProcessingFee,
		} {
			require.Truef(t, v.Equal(v.Round(domain.MoneyPlaces)), "iteration %d: %s %s has sub-cent digits", i, name, v)
		}
		if o.Kind == domain.KindDelivery {
			top := domain.MaxMoney(rules[0].Multiplier, rules[1].Multiplier)
			require.Truef(t, top.Equal(b.PeakMultiplier), "iteration %d: peak rules must not stack", i)
		}
	}
}

func TestMustConservePanicsOnLeak(t *testing.T) {
	b := domain.SettlementBreakdown{
		OrderID:       "leaky",
		GrossTotal:    d("10.00"),
		RestaurantNet: d("5.00"),
		PlatformNet:   d("4.99"),
	}
	assert.Panics(t, b.MustConserve)
}
