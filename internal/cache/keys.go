package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// OrderKey names the snapshot entry for an order.
func OrderKey(orderID uuid.UUID) string {
	return fmt.Sprintf("checkout:order:%s", orderID)
}

// PaymentKey names the snapshot entry for a payment.
func PaymentKey(paymentID uuid.UUID) string {
	return fmt.Sprintf("checkout:payment:%s", paymentID)
}

// WebhookEventKey marks a gateway event id as already processed.
func WebhookEventKey(eventID string) string {
	return fmt.Sprintf("checkout:webhook:event:%s", eventID)
}
