package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkout-service/internal/cache"
	"checkout-service/internal/entity"
)

func TestOrderPaymentStatusFor(t *testing.T) {
	tests := []struct {
		status entity.PaymentStatus
		want   entity.OrderPaymentStatus
		ok     bool
	}{
		{entity.PaymentSucceeded, entity.OrderPaymentPaid, true},
		{entity.PaymentFailed, entity.OrderPaymentFailed, true},
		{entity.PaymentCancelled, entity.OrderPaymentFailed, true},
		{entity.PaymentRefunded, entity.OrderPaymentRefunded, true},
		{entity.PaymentPending, "", false},
		{entity.PaymentProcessing, "", false},
		{entity.PaymentPartiallyRefunded, "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			got, ok := OrderPaymentStatusFor(tt.status)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func seedCoordinatorOrder(t *testing.T, orders *fakeOrderRepo) *entity.Order {
	t.Helper()
	now := time.Now().UTC()
	order := &entity.Order{
		ID:            uuid.New(),
		OrderNumber:   entity.NewOrderNumber(),
		UserID:        uuid.New(),
		Status:        entity.OrderPending,
		PaymentStatus: entity.OrderPaymentPending,
		TotalAmount:   decimal.NewFromFloat(50.00),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, orders.CreateOrderWithItems(context.Background(), order))
	return order
}

func coordinatorPayment(order *entity.Order, status entity.PaymentStatus) *entity.Payment {
	return &entity.Payment{
		ID:      uuid.New(),
		OrderID: order.ID,
		UserID:  order.UserID,
		Amount:  order.TotalAmount,
		Status:  status,
	}
}

func TestCoordinatorSyncsOrder(t *testing.T) {
	orders := newFakeOrderRepo()
	snapshots := newMemCache()
	publisher := &fakePublisher{}
	coordinator := NewSagaCoordinator(orders, snapshots, publisher)

	order := seedCoordinatorOrder(t, orders)
	require.NoError(t, snapshots.Put(context.Background(), cache.OrderKey(order.ID), []byte(`{}`), time.Minute))

	coordinator.PaymentTransitioned(context.Background(), coordinatorPayment(order, entity.PaymentSucceeded))

	stored, err := orders.FindByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.OrderPaymentPaid, stored.PaymentStatus)

	// A stale snapshot must not survive the sync.
	_, ok, err := snapshots.Get(context.Background(), cache.OrderKey(order.ID))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Zero(t, publisher.reconciliation)
}

func TestCoordinatorIgnoresNonTerminalStatuses(t *testing.T) {
	orders := newFakeOrderRepo()
	coordinator := NewSagaCoordinator(orders, newMemCache(), &fakePublisher{})
	order := seedCoordinatorOrder(t, orders)

	for _, status := range []entity.PaymentStatus{
		entity.PaymentPending, entity.PaymentProcessing, entity.PaymentPartiallyRefunded,
	} {
		coordinator.PaymentTransitioned(context.Background(), coordinatorPayment(order, status))
	}

	stored, err := orders.FindByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.OrderPaymentPending, stored.PaymentStatus)
}

func TestMismatchDetectionIgnoresSupersededAttempt(t *testing.T) {
	orders := newFakeOrderRepo()
	payments := newFakePaymentRepo()
	orders.payments = payments

	// Payment 1 was declined, payment 2 succeeded, the saga synced the
	// order to paid. The dead first attempt must not flag the order.
	order := seedCoordinatorOrder(t, orders)
	orders.orders[order.ID].PaymentStatus = entity.OrderPaymentPaid

	declined := coordinatorPayment(order, entity.PaymentFailed)
	declined.CreatedAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, payments.Create(context.Background(), declined))

	succeeded := coordinatorPayment(order, entity.PaymentSucceeded)
	succeeded.CreatedAt = time.Now().UTC()
	require.NoError(t, payments.Create(context.Background(), succeeded))

	mismatches, err := orders.FindPaymentStatusMismatches(context.Background(), 100)
	require.NoError(t, err)
	assert.Empty(t, mismatches, "a paid order with a superseded declined attempt is consistent")
}

func TestMismatchDetectionReportsGoverningPaymentDrift(t *testing.T) {
	orders := newFakeOrderRepo()
	payments := newFakePaymentRepo()
	orders.payments = payments

	// Same retry history, but the paid sync was lost: only the governing
	// succeeded payment may be reported, never the dead first attempt.
	order := seedCoordinatorOrder(t, orders)

	declined := coordinatorPayment(order, entity.PaymentFailed)
	declined.CreatedAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, payments.Create(context.Background(), declined))

	succeeded := coordinatorPayment(order, entity.PaymentSucceeded)
	succeeded.CreatedAt = time.Now().UTC()
	require.NoError(t, payments.Create(context.Background(), succeeded))

	mismatches, err := orders.FindPaymentStatusMismatches(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, succeeded.ID, mismatches[0].PaymentID)
	assert.Equal(t, entity.PaymentSucceeded, mismatches[0].PaymentStatus)
}

func TestMismatchDetectionUsesLatestWhenAllTerminal(t *testing.T) {
	orders := newFakeOrderRepo()
	payments := newFakePaymentRepo()
	orders.payments = payments

	// Every attempt declined and no sync landed: the latest attempt
	// governs and the order should read failed.
	order := seedCoordinatorOrder(t, orders)

	declined := coordinatorPayment(order, entity.PaymentFailed)
	declined.CreatedAt = time.Now().UTC()
	require.NoError(t, payments.Create(context.Background(), declined))

	mismatches, err := orders.FindPaymentStatusMismatches(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, declined.ID, mismatches[0].PaymentID)
}

func TestCoordinatorSyncFailureFlagsReconciliation(t *testing.T) {
	orders := newFakeOrderRepo()
	publisher := &fakePublisher{}
	coordinator := NewSagaCoordinator(orders, newMemCache(), publisher)

	order := seedCoordinatorOrder(t, orders)
	orders.syncErr = errors.New("connection reset")

	// The triggering payment operation has already committed; the failed
	// sync must not panic or surface, only raise the reconciliation flag.
	coordinator.PaymentTransitioned(context.Background(), coordinatorPayment(order, entity.PaymentSucceeded))

	assert.Equal(t, 1, publisher.reconciliation)

	orders.syncErr = nil
	stored, err := orders.FindByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.OrderPaymentPending, stored.PaymentStatus, "order untouched until the sweep repairs it")
}
