package entity

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkout-service/internal/apperr"
)

func newSucceededPayment(amount float64) *Payment {
	return &Payment{
		Amount:         decimal.NewFromFloat(amount),
		Currency:       "usd",
		Status:         PaymentSucceeded,
		RefundedAmount: decimal.Zero,
	}
}

func TestPaymentTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    PaymentStatus
		to      PaymentStatus
		allowed bool
	}{
		{"pending to processing", PaymentPending, PaymentProcessing, true},
		{"pending to succeeded", PaymentPending, PaymentSucceeded, true},
		{"pending to failed", PaymentPending, PaymentFailed, true},
		{"pending to cancelled", PaymentPending, PaymentCancelled, true},
		{"processing to succeeded", PaymentProcessing, PaymentSucceeded, true},
		{"processing to failed", PaymentProcessing, PaymentFailed, true},
		{"processing to cancelled", PaymentProcessing, PaymentCancelled, true},
		{"succeeded cannot fail", PaymentSucceeded, PaymentFailed, false},
		{"succeeded cannot be set refunded directly", PaymentSucceeded, PaymentRefunded, false},
		{"failed is terminal", PaymentFailed, PaymentPending, false},
		{"cancelled is terminal", PaymentCancelled, PaymentProcessing, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Payment{Status: tt.from}
			assert.Equal(t, tt.allowed, p.CanTransitionTo(tt.to))
		})
	}
}

func TestApplyRefundPartialThenFull(t *testing.T) {
	p := newSucceededPayment(100.00)

	require.NoError(t, p.ApplyRefund(decimal.NewFromFloat(30.00)))
	assert.Equal(t, PaymentPartiallyRefunded, p.Status)
	assert.True(t, p.RefundedAmount.Equal(decimal.NewFromFloat(30.00)))
	assert.True(t, p.CanBeRefunded())

	require.NoError(t, p.ApplyRefund(decimal.NewFromFloat(70.00)))
	assert.Equal(t, PaymentRefunded, p.Status)
	assert.True(t, p.RefundedAmount.Equal(p.Amount))
	assert.False(t, p.CanBeRefunded())
}

func TestApplyRefundExactBalanceMovesToRefunded(t *testing.T) {
	// A refund of exactly the remaining balance skips partially_refunded.
	p := newSucceededPayment(50.00)
	require.NoError(t, p.ApplyRefund(decimal.NewFromFloat(50.00)))
	assert.Equal(t, PaymentRefunded, p.Status)
}

func TestApplyRefundNeverExceedsAmount(t *testing.T) {
	p := newSucceededPayment(100.00)
	require.NoError(t, p.ApplyRefund(decimal.NewFromFloat(60.00)))

	err := p.ApplyRefund(decimal.NewFromFloat(60.00))
	require.Error(t, err)
	assert.Equal(t, apperr.KindRefundExceedsBalance, apperr.KindOf(err))

	// The failing call leaves the cumulative amount unchanged.
	assert.True(t, p.RefundedAmount.Equal(decimal.NewFromFloat(60.00)))
	assert.Equal(t, PaymentPartiallyRefunded, p.Status)
}

func TestApplyRefundRejectsNonPositive(t *testing.T) {
	p := newSucceededPayment(10.00)
	err := p.ApplyRefund(decimal.Zero)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestApplyRefundRejectsUnrefundableStatus(t *testing.T) {
	for _, status := range []PaymentStatus{PaymentPending, PaymentProcessing, PaymentFailed, PaymentCancelled, PaymentRefunded} {
		p := &Payment{Amount: decimal.NewFromFloat(10.00), Status: status}
		if status == PaymentRefunded {
			p.RefundedAmount = p.Amount
		}
		err := p.ApplyRefund(decimal.NewFromFloat(1.00))
		require.Error(t, err, "status %s", status)
		assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
	}
}

func TestPaymentIsActive(t *testing.T) {
	assert.True(t, (&Payment{Status: PaymentPending}).IsActive())
	assert.True(t, (&Payment{Status: PaymentProcessing}).IsActive())
	assert.True(t, (&Payment{Status: PaymentSucceeded}).IsActive())
	assert.False(t, (&Payment{Status: PaymentFailed}).IsActive())
	assert.False(t, (&Payment{Status: PaymentCancelled}).IsActive())
}

func TestActivePaymentStatusesMatchIsActive(t *testing.T) {
	all := []PaymentStatus{
		PaymentPending, PaymentProcessing, PaymentSucceeded,
		PaymentFailed, PaymentCancelled, PaymentPartiallyRefunded, PaymentRefunded,
	}

	active := make(map[PaymentStatus]bool, len(ActivePaymentStatuses))
	for _, status := range ActivePaymentStatuses {
		active[status] = true
	}
	for _, status := range all {
		assert.Equal(t, active[status], (&Payment{Status: status}).IsActive(), "status %s", status)
	}
}
