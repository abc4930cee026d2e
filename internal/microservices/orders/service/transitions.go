package service

import "restaurant-payouts/internal/domain"

// Events accepted on order.status.<event>.
const (
	EventConfirm  = "confirm"
	EventPrepare  = "prepare"
	EventReady    = "ready"
	EventPickUp   = "pick_up"
	EventDeliver  = "deliver"
	EventSeat     = "seat"
	EventComplete = "complete"
	EventCancel   = "cancel"
	EventRefund   = "refund"
	EventNoShow   = "no_show"
)

type edges map[domain.OrderStatus]map[string]domain.OrderStatus

var deliveryTable = edges{
	domain.StatusPending:   {EventConfirm: domain.StatusConfirmed, EventCancel: domain.StatusCancelled},
	domain.StatusConfirmed: {EventPrepare: domain.StatusPreparing, EventCancel: domain.StatusCancelled},
	domain.StatusPreparing: {EventReady: domain.StatusReady, EventCancel: domain.StatusCancelled},
	domain.StatusReady:     {EventPickUp: domain.StatusInTransit, EventCancel: domain.StatusCancelled},
	domain.StatusInTransit: {EventDeliver: domain.StatusDelivered, EventCancel: domain.StatusCancelled},
	domain.StatusDelivered: {EventRefund: domain.StatusRefunded, EventCancel: domain.StatusCancelled},
}

var reservationTable = edges{
	domain.StatusPending:   {EventConfirm: domain.StatusConfirmed, EventCancel: domain.StatusCancelled},
	domain.StatusConfirmed: {EventSeat: domain.StatusSeated, EventNoShow: domain.StatusNoShow, EventCancel: domain.StatusCancelled},
	domain.StatusSeated:    {EventComplete: domain.StatusCompleted, EventCancel: domain.StatusCancelled},
	domain.StatusCompleted: {EventRefund: domain.StatusRefunded, EventCancel: domain.StatusCancelled},
	domain.StatusNoShow:    {EventRefund: domain.StatusRefunded},
}

// eventTargets is where an event always leads; used to recognise a repeated terminal event.
var eventTargets = map[string]domain.OrderStatus{
	EventDeliver:  domain.StatusDelivered,
	EventComplete: domain.StatusCompleted,
	EventCancel:   domain.StatusCancelled,
	EventRefund:   domain.StatusRefunded,
	EventNoShow:   domain.StatusNoShow,
}

func tableFor(kind domain.OrderKind) (edges, bool) {
	switch kind {
	case domain.KindDelivery:
		return deliveryTable, true
	case domain.KindReservation:
		return reservationTable, true
	}
	return nil, false
}

// Next returns the state event leads to from from, if that move is legal.
func Next(kind domain.OrderKind, from domain.OrderStatus, event string) (domain.OrderStatus, bool) {
	table, ok := tableFor(kind)
	if !ok {
		return "", false
	}
	to, ok := table[from][event]
	return to, ok
}
