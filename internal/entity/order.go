package entity

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"checkout-service/internal/apperr"
)

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderConfirmed  OrderStatus = "confirmed"
	OrderProcessing OrderStatus = "processing"
	OrderShipped    OrderStatus = "shipped"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
	OrderRefunded   OrderStatus = "refunded"
)

// OrderPaymentStatus mirrors the payment aggregate on the order row. It is
// written only by the saga coordinator, never by generic order updates.
type OrderPaymentStatus string

const (
	OrderPaymentPending  OrderPaymentStatus = "pending"
	OrderPaymentPaid     OrderPaymentStatus = "paid"
	OrderPaymentFailed   OrderPaymentStatus = "failed"
	OrderPaymentRefunded OrderPaymentStatus = "refunded"
)

// orderTransitions is the allowed edge set for the order status field.
// cancelled, refunded and delivered-without-refund are terminal.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:    {OrderConfirmed, OrderCancelled},
	OrderConfirmed:  {OrderProcessing, OrderCancelled},
	OrderProcessing: {OrderShipped},
	OrderShipped:    {OrderDelivered},
	OrderDelivered:  {OrderRefunded},
}

type Address struct {
	Name       string `json:"name"`
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

// Validate checks the required address fields.
func (a Address) Validate(label string) error {
	if a.Name == "" || a.Street == "" || a.City == "" || a.PostalCode == "" || a.Country == "" {
		return apperr.Newf(apperr.KindValidation, "%s address is incomplete", label)
	}
	return nil
}

// OrderItem is a line item with the product snapshot taken at order time.
// The snapshot fields do not change if the catalog entry changes later.
type OrderItem struct {
	ID           uuid.UUID       `json:"id"`
	OrderID      uuid.UUID       `json:"order_id"`
	ProductID    string          `json:"product_id"`
	ProductName  string          `json:"product_name"`
	ProductSKU   string          `json:"product_sku"`
	ProductImage string          `json:"product_image"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	LineTotal    decimal.Decimal `json:"line_total"`
}

type Order struct {
	ID              uuid.UUID          `json:"id"`
	OrderNumber     string             `json:"order_number"`
	UserID          uuid.UUID          `json:"user_id"`
	Status          OrderStatus        `json:"status"`
	PaymentStatus   OrderPaymentStatus `json:"payment_status"`
	Items           []OrderItem        `json:"items"`
	Subtotal        decimal.Decimal    `json:"subtotal"`
	TaxAmount       decimal.Decimal    `json:"tax_amount"`
	ShippingAmount  decimal.Decimal    `json:"shipping_amount"`
	DiscountAmount  decimal.Decimal    `json:"discount_amount"`
	TotalAmount     decimal.Decimal    `json:"total_amount"`
	ShippingAddress Address            `json:"shipping_address"`
	BillingAddress  Address            `json:"billing_address"`
	PaymentMethod   string             `json:"payment_method"`
	Notes           string             `json:"notes,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// CanTransitionTo reports whether the status edge from the current status
// to target is allowed.
func (o *Order) CanTransitionTo(target OrderStatus) bool {
	for _, next := range orderTransitions[o.Status] {
		if next == target {
			return true
		}
	}
	return false
}

// CanBeCancelled holds only before fulfillment starts.
func (o *Order) CanBeCancelled() bool {
	return o.Status == OrderPending || o.Status == OrderConfirmed
}

// CanBeRefunded holds only for delivered orders that were actually paid.
func (o *Order) CanBeRefunded() bool {
	return o.Status == OrderDelivered && o.PaymentStatus == OrderPaymentPaid
}

// Transition applies a status change after re-checking the edge set.
// Callers racing on the same order must pair this with a compare-and-set
// write keyed on the previous status.
func (o *Order) Transition(target OrderStatus) error {
	if !o.CanTransitionTo(target) {
		return apperr.Newf(apperr.KindInvalidTransition,
			"order cannot move from %s to %s", o.Status, target)
	}
	o.Status = target
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// CheckTotals verifies total = subtotal + tax + shipping - discount and
// that the subtotal matches the line items.
func (o *Order) CheckTotals() error {
	sum := decimal.Zero
	for _, it := range o.Items {
		sum = sum.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	if !sum.Equal(o.Subtotal) {
		return apperr.New(apperr.KindValidation, "subtotal does not match line items")
	}
	want := o.Subtotal.Add(o.TaxAmount).Add(o.ShippingAmount).Sub(o.DiscountAmount)
	if !want.Equal(o.TotalAmount) {
		return apperr.New(apperr.KindValidation, "total does not match components")
	}
	return nil
}

// NewOrderNumber generates a human-readable order number: prefix, UTC
// time digits, random hex suffix. No database round trip; the 6 random
// bytes make collisions negligible even for rapid successive calls.
func NewOrderNumber() string {
	buf := make([]byte, 6)
	// crypto/rand.Read only fails if the OS entropy source is broken.
	_, _ = rand.Read(buf)
	return "ORD" + time.Now().UTC().Format("060102150405") + strings.ToUpper(hex.EncodeToString(buf))
}
