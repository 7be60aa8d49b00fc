package service

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"checkout-service/internal/apperr"
	"checkout-service/internal/auth"
	"checkout-service/internal/cache"
	"checkout-service/internal/client"
	"checkout-service/internal/config"
	"checkout-service/internal/entity"
	"checkout-service/internal/repository"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// CreateOrderItemInput is one requested line item.
type CreateOrderItemInput struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type CreateOrderInput struct {
	Items           []CreateOrderItemInput `json:"items"`
	ShippingAddress entity.Address         `json:"shipping_address"`
	BillingAddress  entity.Address         `json:"billing_address"`
	PaymentMethod   string                 `json:"payment_method"`
	Notes           string                 `json:"notes"`
}

// OrderService is the order creation workflow plus the status operations
// on the order aggregate. Payment status on orders is owned by the saga
// coordinator and is not reachable through this interface.
type OrderService interface {
	CreateOrder(ctx context.Context, principal auth.Principal, input CreateOrderInput) (*entity.Order, error)
	GetOrder(ctx context.Context, principal auth.Principal, orderID uuid.UUID) (*entity.Order, error)
	ListOrders(ctx context.Context, principal auth.Principal, limit, offset int) ([]entity.Order, error)
	CancelOrder(ctx context.Context, principal auth.Principal, orderID uuid.UUID) (*entity.Order, error)
	UpdateStatus(ctx context.Context, principal auth.Principal, orderID uuid.UUID, target entity.OrderStatus) (*entity.Order, error)
	UpdateNotes(ctx context.Context, principal auth.Principal, orderID uuid.UUID, notes string) (*entity.Order, error)
}

type orderService struct {
	orderRepo repository.OrderRepository
	products  client.ProductClient
	snapshots cache.Store
	publisher EventPublisher
	pricing   config.PricingConfig
	cacheTTL  time.Duration
}

func NewOrderService(
	orderRepo repository.OrderRepository,
	products client.ProductClient,
	snapshots cache.Store,
	publisher EventPublisher,
	pricing config.PricingConfig,
	cacheTTL time.Duration,
) OrderService {
	return &orderService{
		orderRepo: orderRepo,
		products:  products,
		snapshots: snapshots,
		publisher: publisher,
		pricing:   pricing,
		cacheTTL:  cacheTTL,
	}
}

func (s *orderService) CreateOrder(ctx context.Context, principal auth.Principal, input CreateOrderInput) (*entity.Order, error) {
	if err := validateCreateOrder(input); err != nil {
		return nil, err
	}

	// Snapshot every product and verify stock before touching the
	// database. An order is all-or-nothing: the first unavailable item
	// aborts the whole request with nothing persisted.
	now := time.Now().UTC()
	orderID := uuid.New()
	items := make([]entity.OrderItem, 0, len(input.Items))
	for _, req := range input.Items {
		product, err := s.products.GetProduct(ctx, req.ProductID)
		if err != nil {
			if apperr.IsKind(err, apperr.KindNotFound) {
				return nil, apperr.Newf(apperr.KindProductUnavailable,
					"product %s is unavailable", req.ProductID)
			}
			return nil, err
		}

		if !s.products.HasStock(ctx, req.ProductID, req.Quantity) {
			return nil, apperr.Newf(apperr.KindInsufficientStock,
				"insufficient stock for product %s", req.ProductID)
		}

		image := ""
		if len(product.Images) > 0 {
			image = product.Images[0]
		}
		items = append(items, entity.OrderItem{
			ID:           uuid.New(),
			OrderID:      orderID,
			ProductID:    product.ID,
			ProductName:  product.Name,
			ProductSKU:   product.SKU,
			ProductImage: image,
			Quantity:     req.Quantity,
			UnitPrice:    req.UnitPrice,
			LineTotal:    req.UnitPrice.Mul(decimal.NewFromInt(int64(req.Quantity))),
		})
	}

	subtotal, tax, shipping := priceOrder(items, s.pricing)
	discount := decimal.Zero

	order := &entity.Order{
		ID:              orderID,
		OrderNumber:     entity.NewOrderNumber(),
		UserID:          principal.UserID,
		Status:          entity.OrderPending,
		PaymentStatus:   entity.OrderPaymentPending,
		Items:           items,
		Subtotal:        subtotal,
		TaxAmount:       tax,
		ShippingAmount:  shipping,
		DiscountAmount:  discount,
		TotalAmount:     subtotal.Add(tax).Add(shipping).Sub(discount),
		ShippingAddress: input.ShippingAddress,
		BillingAddress:  input.BillingAddress,
		PaymentMethod:   input.PaymentMethod,
		Notes:           input.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := order.CheckTotals(); err != nil {
		return nil, err
	}

	if err := s.orderRepo.CreateOrderWithItems(ctx, order); err != nil {
		logger.Error().Err(err).Msg("Error creating order")
		return nil, err
	}

	s.cacheOrder(ctx, order)

	// The order is committed; event delivery is best-effort.
	if err := s.publisher.PublishOrderEvent(ctx, order, "created"); err != nil {
		logger.Error().Err(err).Msgf("Error publishing created event for order %s", order.ID)
	}

	return order, nil
}

func validateCreateOrder(input CreateOrderInput) error {
	if len(input.Items) == 0 {
		return apperr.New(apperr.KindValidation, "order must have at least one item")
	}
	for _, item := range input.Items {
		if item.ProductID == "" {
			return apperr.New(apperr.KindValidation, "item product id is required")
		}
		if item.Quantity < 1 {
			return apperr.Newf(apperr.KindValidation, "item quantity must be at least 1 for product %s", item.ProductID)
		}
		if item.UnitPrice.IsNegative() {
			return apperr.Newf(apperr.KindValidation, "item unit price must not be negative for product %s", item.ProductID)
		}
	}
	if err := input.ShippingAddress.Validate("shipping"); err != nil {
		return err
	}
	if err := input.BillingAddress.Validate("billing"); err != nil {
		return err
	}
	if input.PaymentMethod == "" {
		return apperr.New(apperr.KindValidation, "payment method is required")
	}
	return nil
}

// priceOrder computes subtotal, tax and shipping for the line items.
// Tax is rounded half-up to 2 decimal places. Shipping is a two-tier
// policy: free above the threshold, otherwise a base fee plus a
// per-extra-line-item fee.
func priceOrder(items []entity.OrderItem, pricing config.PricingConfig) (subtotal, tax, shipping decimal.Decimal) {
	subtotal = decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.LineTotal)
	}

	tax = subtotal.Mul(pricing.TaxRate).Round(2)

	if subtotal.GreaterThanOrEqual(pricing.FreeShippingThreshold) {
		shipping = decimal.Zero
	} else {
		extra := decimal.NewFromInt(int64(len(items) - 1))
		shipping = pricing.ShippingBaseFee.Add(pricing.ShippingPerExtraItem.Mul(extra))
	}
	return subtotal, tax, shipping
}

func (s *orderService) GetOrder(ctx context.Context, principal auth.Principal, orderID uuid.UUID) (*entity.Order, error) {
	// A cache hit is advisory: the snapshot carries no authorization
	// context, so ownership is re-checked before anything is returned.
	if cached, ok, err := s.snapshots.Get(ctx, cache.OrderKey(orderID)); err != nil {
		logger.Warn().Err(err).Msgf("Cache read failed for order %s", orderID)
	} else if ok {
		var order entity.Order
		if err := json.Unmarshal(cached, &order); err == nil {
			if !principal.Owns(order.UserID) {
				return nil, apperr.Newf(apperr.KindNotFound, "order %s not found", orderID)
			}
			return &order, nil
		}
		logger.Warn().Msgf("Discarding corrupt cache entry for order %s", orderID)
	}

	order, err := s.orderRepo.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil || !principal.Owns(order.UserID) {
		return nil, apperr.Newf(apperr.KindNotFound, "order %s not found", orderID)
	}

	s.cacheOrder(ctx, order)
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, principal auth.Principal, limit, offset int) ([]entity.Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.orderRepo.ListByUser(ctx, principal.UserID, limit, offset)
}

func (s *orderService) CancelOrder(ctx context.Context, principal auth.Principal, orderID uuid.UUID) (*entity.Order, error) {
	order, err := s.loadOwned(ctx, principal, orderID)
	if err != nil {
		return nil, err
	}

	if !order.CanBeCancelled() {
		return nil, apperr.Newf(apperr.KindInvalidTransition,
			"order in status %s cannot be cancelled", order.Status)
	}

	// Compare-and-transition: under two racing cancels only one write
	// lands, the loser observes the terminal state.
	ok, err := s.orderRepo.UpdateStatus(ctx, orderID,
		[]entity.OrderStatus{entity.OrderPending, entity.OrderConfirmed}, entity.OrderCancelled)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Newf(apperr.KindInvalidTransition,
			"order %s changed state before cancellation", orderID)
	}

	s.invalidateOrder(ctx, orderID)
	order.Status = entity.OrderCancelled

	if err := s.publisher.PublishOrderEvent(ctx, order, "cancelled"); err != nil {
		logger.Error().Err(err).Msgf("Error publishing cancelled event for order %s", orderID)
	}
	return order, nil
}

func (s *orderService) UpdateStatus(ctx context.Context, principal auth.Principal, orderID uuid.UUID, target entity.OrderStatus) (*entity.Order, error) {
	if !principal.IsAdmin() {
		return nil, apperr.New(apperr.KindForbidden, "only admins may update order status")
	}

	order, err := s.orderRepo.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "order %s not found", orderID)
	}

	switch target {
	case entity.OrderCancelled:
		if !order.CanBeCancelled() {
			return nil, apperr.Newf(apperr.KindInvalidTransition,
				"order in status %s cannot be cancelled", order.Status)
		}
	case entity.OrderRefunded:
		if !order.CanBeRefunded() {
			return nil, apperr.Newf(apperr.KindInvalidTransition,
				"order in status %s with payment status %s cannot be refunded",
				order.Status, order.PaymentStatus)
		}
	default:
		if !order.CanTransitionTo(target) {
			return nil, apperr.Newf(apperr.KindInvalidTransition,
				"order cannot move from %s to %s", order.Status, target)
		}
	}

	ok, err := s.orderRepo.UpdateStatus(ctx, orderID, []entity.OrderStatus{order.Status}, target)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Newf(apperr.KindInvalidTransition,
			"order %s changed state during the update", orderID)
	}

	s.invalidateOrder(ctx, orderID)
	order.Status = target

	if err := s.publisher.PublishOrderEvent(ctx, order, "status_changed"); err != nil {
		logger.Error().Err(err).Msgf("Error publishing status event for order %s", orderID)
	}
	return order, nil
}

func (s *orderService) UpdateNotes(ctx context.Context, principal auth.Principal, orderID uuid.UUID, notes string) (*entity.Order, error) {
	if !principal.IsAdmin() {
		return nil, apperr.New(apperr.KindForbidden, "only admins may edit order notes")
	}

	order, err := s.orderRepo.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "order %s not found", orderID)
	}

	if err := s.orderRepo.UpdateNotes(ctx, orderID, notes); err != nil {
		return nil, err
	}

	s.invalidateOrder(ctx, orderID)
	order.Notes = notes
	return order, nil
}

func (s *orderService) loadOwned(ctx context.Context, principal auth.Principal, orderID uuid.UUID) (*entity.Order, error) {
	order, err := s.orderRepo.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil || !principal.Owns(order.UserID) {
		return nil, apperr.Newf(apperr.KindNotFound, "order %s not found", orderID)
	}
	return order, nil
}

func (s *orderService) cacheOrder(ctx context.Context, order *entity.Order) {
	payload, err := json.Marshal(order)
	if err != nil {
		return
	}
	if err := s.snapshots.Put(ctx, cache.OrderKey(order.ID), payload, s.cacheTTL); err != nil {
		logger.Warn().Err(err).Msgf("Cache write failed for order %s", order.ID)
	}
}

func (s *orderService) invalidateOrder(ctx context.Context, orderID uuid.UUID) {
	if err := s.snapshots.Invalidate(ctx, cache.OrderKey(orderID)); err != nil {
		logger.Warn().Err(err).Msgf("Cache invalidation failed for order %s", orderID)
	}
}
