package service

import (
	"context"

	"checkout-service/internal/cache"
	"checkout-service/internal/entity"
	"checkout-service/internal/repository"
)

// OrderPaymentStatusFor maps a payment aggregate status to the mirrored
// status on the order. ok is false for statuses that do not move the
// order (pending, processing, partial refunds).
func OrderPaymentStatusFor(status entity.PaymentStatus) (entity.OrderPaymentStatus, bool) {
	switch status {
	case entity.PaymentSucceeded:
		return entity.OrderPaymentPaid, true
	case entity.PaymentFailed, entity.PaymentCancelled:
		return entity.OrderPaymentFailed, true
	case entity.PaymentRefunded:
		return entity.OrderPaymentRefunded, true
	default:
		return "", false
	}
}

// Coordinator keeps Order.PaymentStatus consistent with Payment.Status.
type Coordinator interface {
	PaymentTransitioned(ctx context.Context, payment *entity.Payment)
}

// SagaCoordinator applies the payment-to-order mapping. The sync is
// best-effort: the payment transition has already committed when this
// runs, so a failure here is logged and flagged for the reconciliation
// sweep instead of failing the triggering operation.
//
// A full refund does not auto-transition Order.Status; whether a refund
// cancels shipment stays an explicit caller decision through the admin
// status operation.
type SagaCoordinator struct {
	orderRepo repository.OrderRepository
	snapshots cache.Store
	publisher EventPublisher
}

func NewSagaCoordinator(orderRepo repository.OrderRepository, snapshots cache.Store, publisher EventPublisher) *SagaCoordinator {
	return &SagaCoordinator{orderRepo: orderRepo, snapshots: snapshots, publisher: publisher}
}

func (c *SagaCoordinator) PaymentTransitioned(ctx context.Context, payment *entity.Payment) {
	want, ok := OrderPaymentStatusFor(payment.Status)
	if !ok {
		return
	}

	if err := c.orderRepo.UpdatePaymentStatus(ctx, payment.OrderID, want); err != nil {
		logger.Error().Err(err).Msgf(
			"Order %s payment status sync to %s failed, flagging for reconciliation",
			payment.OrderID, want)
		if pubErr := c.publisher.PublishReconciliationNeeded(ctx, payment.OrderID, payment.ID, want, err.Error()); pubErr != nil {
			logger.Error().Err(pubErr).Msgf(
				"Failed to publish reconciliation event for order %s", payment.OrderID)
		}
		return
	}

	if err := c.snapshots.Invalidate(ctx, cache.OrderKey(payment.OrderID)); err != nil {
		logger.Warn().Err(err).Msgf("Cache invalidation failed for order %s", payment.OrderID)
	}
}
