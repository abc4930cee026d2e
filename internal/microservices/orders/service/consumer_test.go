package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restaurant-payouts/internal/domain"
)

type stubOrders struct {
	OrderServiceInterface
	err error
}

func (s stubOrders) Transition(_ context.Context, o domain.OrderEvent, from domain.OrderStatus, event string) (domain.OrderStatus, error) {
	return from, s.err
}

func message(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(domain.OrderStatusMessage{
		MessageID:  "m1",
		Order:      delivery("o1"),
		FromStatus: domain.StatusInTransit,
		Event:      EventDeliver,
	})
	require.NoError(t, err)
	return body
}

func TestConsumerAckPolicy(t *testing.T) {
	cases := []struct {
		name        string
		body        []byte
		err         error
		redelivered bool
		want        error
	}{
		{name: "processed", err: nil, want: nil},
		{name: "malformed", body: []byte("{not json"), want: ErrDLQ},
		{name: "missing event", body: []byte(`{"order":{"order_id":"o1"},"from_status":"pending"}`), want: ErrDLQ},
		{name: "invalid transition acked", err: fmt.Errorf("%w: x", domain.ErrInvalidTransition), want: nil},
		{name: "calculation error acked", err: fmt.Errorf("%w: x", domain.ErrCalculation), want: nil},
		{name: "conflict requeued", err: fmt.Errorf("%w: x", domain.ErrConcurrentTransition), want: ErrRequeue},
		{name: "repeated conflict dead-lettered", err: domain.ErrConcurrentTransition, redelivered: true, want: ErrDLQ},
		{name: "outage requeued", err: errors.New("db down"), want: ErrRequeue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewEventConsumer(nil, stubOrders{err: tc.err}, 1, nil)
			body := tc.body
			if body == nil {
				body = message(t)
			}
			err := c.Handle(context.Background(), body, tc.redelivered)
			if tc.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}
}
