package entity

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"checkout-service/internal/apperr"
)

type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentProcessing        PaymentStatus = "processing"
	PaymentSucceeded         PaymentStatus = "succeeded"
	PaymentFailed            PaymentStatus = "failed"
	PaymentCancelled         PaymentStatus = "cancelled"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentRefunded          PaymentStatus = "refunded"
)

// ActivePaymentStatuses are the states that count against the
// one-active-payment-per-order invariant. failed and cancelled do not.
var ActivePaymentStatuses = []PaymentStatus{
	PaymentPending, PaymentProcessing, PaymentSucceeded,
	PaymentPartiallyRefunded, PaymentRefunded,
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:    {PaymentProcessing, PaymentSucceeded, PaymentFailed, PaymentCancelled},
	PaymentProcessing: {PaymentSucceeded, PaymentFailed, PaymentCancelled},
	// succeeded moves on only through ApplyRefund, never by direct set.
}

// SupportedCurrencies is the fixed allow-list for payment amounts.
var SupportedCurrencies = map[string]bool{
	"usd": true,
	"eur": true,
	"gbp": true,
}

// MethodDetails is the masked snapshot taken when a payment succeeds.
// Never holds a full card number.
type MethodDetails struct {
	Brand    string `json:"brand,omitempty"`
	Last4    string `json:"last4,omitempty"`
	ExpMonth int    `json:"exp_month,omitempty"`
	ExpYear  int    `json:"exp_year,omitempty"`
}

type Payment struct {
	ID             uuid.UUID         `json:"id"`
	OrderID        uuid.UUID         `json:"order_id"`
	UserID         uuid.UUID         `json:"user_id"`
	IntentID       string            `json:"intent_id,omitempty"`
	ChargeID       string            `json:"charge_id,omitempty"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	Status         PaymentStatus     `json:"status"`
	MethodKind     string            `json:"method_kind"`
	MethodDetails  MethodDetails     `json:"method_details"`
	RefundedAmount decimal.Decimal   `json:"refunded_amount"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// MinPaymentAmount is the smallest chargeable amount.
var MinPaymentAmount = decimal.NewFromFloat(0.01)

// IsActive reports whether the payment counts against the
// one-active-payment invariant.
func (p *Payment) IsActive() bool {
	return p.Status != PaymentFailed && p.Status != PaymentCancelled
}

// CanTransitionTo reports whether a direct status edge is allowed. Refund
// states are reachable only through ApplyRefund.
func (p *Payment) CanTransitionTo(target PaymentStatus) bool {
	for _, next := range paymentTransitions[p.Status] {
		if next == target {
			return true
		}
	}
	return false
}

// CanBeRefunded holds while there is captured money left to return.
func (p *Payment) CanBeRefunded() bool {
	switch p.Status {
	case PaymentSucceeded:
		return p.RefundedAmount.LessThan(p.Amount)
	case PaymentPartiallyRefunded:
		return true
	default:
		return false
	}
}

// RemainingRefundable is the amount still available to refund.
func (p *Payment) RemainingRefundable() decimal.Decimal {
	return p.Amount.Sub(p.RefundedAmount)
}

// ApplyRefund adds r to the cumulative refunded amount and derives the
// refund status from the balance. The refunded/partially_refunded states
// are never set directly by callers.
func (p *Payment) ApplyRefund(r decimal.Decimal) error {
	if !p.CanBeRefunded() {
		return apperr.Newf(apperr.KindInvalidTransition,
			"payment in status %s cannot be refunded", p.Status)
	}
	if r.LessThanOrEqual(decimal.Zero) {
		return apperr.New(apperr.KindValidation, "refund amount must be positive")
	}
	if r.GreaterThan(p.RemainingRefundable()) {
		return apperr.Newf(apperr.KindRefundExceedsBalance,
			"refund %s exceeds remaining refundable %s", r, p.RemainingRefundable())
	}
	p.RefundedAmount = p.RefundedAmount.Add(r)
	if p.RefundedAmount.GreaterThanOrEqual(p.Amount) {
		p.Status = PaymentRefunded
	} else {
		p.Status = PaymentPartiallyRefunded
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}
