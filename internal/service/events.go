package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"checkout-service/internal/entity"
)

// EventPublisher notifies downstream services about order lifecycle
// changes and flags saga sync failures for later reconciliation.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, order *entity.Order, action string) error
	PublishReconciliationNeeded(ctx context.Context, orderID, paymentID uuid.UUID, want entity.OrderPaymentStatus, cause string) error
}

type kafkaPublisher struct {
	orders         *kafka.Writer
	reconciliation *kafka.Writer
}

// NewKafkaPublisher builds a publisher over the order-events and
// reconciliation topics.
func NewKafkaPublisher(orders, reconciliation *kafka.Writer) EventPublisher {
	return &kafkaPublisher{orders: orders, reconciliation: reconciliation}
}

func (p *kafkaPublisher) PublishOrderEvent(ctx context.Context, order *entity.Order, action string) error {
	orderJSON, err := json.Marshal(order)
	if err != nil {
		return err
	}

	// key -> "order.created.<id>" or "order.cancelled.<id>"
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("order.%s.%s", action, order.ID)),
		Value: orderJSON,
	}
	return p.orders.WriteMessages(ctx, msg)
}

type reconciliationEvent struct {
	OrderID   uuid.UUID                 `json:"order_id"`
	PaymentID uuid.UUID                 `json:"payment_id"`
	Want      entity.OrderPaymentStatus `json:"want_payment_status"`
	Cause     string                    `json:"cause"`
	At        time.Time                 `json:"at"`
}

func (p *kafkaPublisher) PublishReconciliationNeeded(ctx context.Context, orderID, paymentID uuid.UUID, want entity.OrderPaymentStatus, cause string) error {
	payload, err := json.Marshal(reconciliationEvent{
		OrderID:   orderID,
		PaymentID: paymentID,
		Want:      want,
		Cause:     cause,
		At:        time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("reconciliation.%s", orderID)),
		Value: payload,
	}
	return p.reconciliation.WriteMessages(ctx, msg)
}
