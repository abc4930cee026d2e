package domain

import (
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PricingConfig is an immutable, versioned snapshot of rates and fees.
// A change is published as a new version, never edited in place.
type PricingConfig struct {
	Version       string    `json:"version"`
	EffectiveFrom time.Time `json:"effective_from"`
	Currency      string    `json:"currency"`

	CommissionRate      decimal.Decimal `json:"commission_rate"`
	ServiceFeeRate      decimal.Decimal `json:"service_fee_rate"`
	DeliveryFee         decimal.Decimal `json:"delivery_fee"`
	SmallOrderThreshold decimal.Decimal `json:"small_order_threshold"`
	SmallOrderFee       decimal.Decimal `json:"small_order_fee"`
	TaxRate             decimal.Decimal `json:"tax_rate"`
	ProcessingRate      decimal.Decimal `json:"processing_rate"`
	ProcessingFixed     decimal.Decimal `json:"processing_fixed"`

	DriverBasePay   decimal.Decimal `json:"driver_base_pay"`
	DriverPerMile   decimal.Decimal `json:"driver_per_mile"`
	DriverPerMinute decimal.Decimal `json:"driver_per_minute"`

	ReservationPerCover   decimal.Decimal `json:"reservation_per_cover"`
	ReservationMinimumFee decimal.Decimal `json:"reservation_minimum_fee"`
	NoShowFee             decimal.Decimal `json:"no_show_fee"`
	NoShowRestaurantShare decimal.Decimal `json:"no_show_restaurant_share"`
}

// TimeWindow is a minute-of-day range. End before Start wraps past midnight.
type TimeWindow struct {
	StartMinute int `json:"start_minute"`
	EndMinute   int `json:"end_minute"`
}

func (w TimeWindow) Contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	if w.StartMinute <= w.EndMinute {
		return m >= w.StartMinute && m < w.EndMinute
	}
	return m >= w.StartMinute || m < w.EndMinute
}

type Geofence struct {
	Center   Location `json:"center"`
	RadiusKm float64  `json:"radius_km"`
}

func (g Geofence) Contains(l Location) bool {
	return haversineKm(g.Center, l) <= g.RadiusKm
}

// PeakRule multiplies driver pay while all of its set conditions hold.
type PeakRule struct {
	Name       string          `json:"name"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Active     bool            `json:"active"`

	Window     *TimeWindow      `json:"window,omitempty"`
	Weekdays   []time.Weekday   `json:"weekdays,omitempty"`
	Weather    []string         `json:"weather,omitempty"`
	Geofence   *Geofence        `json:"geofence,omitempty"`
	MinDemand  *decimal.Decimal `json:"min_demand,omitempty"`
	ValidFrom  time.Time        `json:"valid_from"`
	ValidUntil time.Time        `json:"valid_until"`
}

// Matches reports whether the rule applies to an order priced at the given instant.
func (r PeakRule) Matches(o OrderEvent, at time.Time) bool {
	if !r.Active {
		return false
	}
	if !r.ValidFrom.IsZero() && at.Before(r.ValidFrom) {
		return false
	}
	if !r.ValidUntil.IsZero() && !at.Before(r.ValidUntil) {
		return false
	}
	if r.Window != nil && !r.Window.Contains(at) {
		return false
	}
	if len(r.Weekdays) > 0 && !containsWeekday(r.Weekdays, at.Weekday()) {
		return false
	}
	if len(r.Weather) > 0 && !containsFold(r.Weather, o.Weather) {
		return false
	}
	if r.Geofence != nil && !r.Geofence.Contains(o.Location) {
		return false
	}
	if r.MinDemand != nil && o.DemandRatio.LessThan(*r.MinDemand) {
		return false
	}
	return true
}

// SubscriptionPlan lowers a restaurant's commission rate for a period.
type SubscriptionPlan struct {
	RestaurantID  string          `json:"restaurant_id"`
	Plan          string          `json:"plan"`
	CommissionOff decimal.Decimal `json:"commission_off"`
	ValidFrom     time.Time       `json:"valid_from"`
	ValidUntil    time.Time       `json:"valid_until"`
}

func (p SubscriptionPlan) ActiveAt(t time.Time) bool {
	if !p.ValidFrom.IsZero() && t.Before(p.ValidFrom) {
		return false
	}
	if !p.ValidUntil.IsZero() && !t.Before(p.ValidUntil) {
		return false
	}
	return true
}

func containsWeekday(days []time.Weekday, d time.Weekday) bool {
	for _, x := range days {
		if x == d {
			return true
		}
	}
	return false
}

func containsFold(vals []string, v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	for _, x := range vals {
		if strings.EqualFold(strings.TrimSpace(x), v) {
			return true
		}
	}
	return false
}

const earthRadiusKm = 6371.0

func haversineKm(a, b Location) float64 {
	rad := math.Pi / 180
	dLat := (b.Lat - a.Lat) * rad
	dLng := (b.Lng - a.Lng) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*rad)*math.Cos(b.Lat*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}
