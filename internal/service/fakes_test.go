package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"checkout-service/internal/apperr"
	"checkout-service/internal/client"
	"checkout-service/internal/entity"
	"checkout-service/internal/repository"
)

// In-memory fakes behind the repository/collaborator interfaces, with
// the same compare-and-set semantics as the MySQL implementations.

type fakeOrderRepo struct {
	mu        sync.Mutex
	orders    map[uuid.UUID]*entity.Order
	createErr error
	syncErr   error
	// When set, FindPaymentStatusMismatches consults the governing
	// payment per order, mirroring the repository contract.
	payments *fakePaymentRepo
}

func newFakeOrderRepo() *fakeOrderRepo {
	return &fakeOrderRepo{orders: make(map[uuid.UUID]*entity.Order)}
}

func (f *fakeOrderRepo) CreateOrderWithItems(ctx context.Context, order *entity.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	copied := *order
	f.orders[order.ID] = &copied
	return nil
}

func (f *fakeOrderRepo) FindByID(ctx context.Context, id uuid.UUID) (*entity.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return nil, nil
	}
	copied := *order
	return &copied, nil
}

func (f *fakeOrderRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]entity.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []entity.Order
	for _, order := range f.orders {
		if order.UserID == userID {
			out = append(out, *order)
		}
	}
	return out, nil
}

func (f *fakeOrderRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from []entity.OrderStatus, to entity.OrderStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if order.Status == s {
			order.Status = to
			order.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeOrderRepo) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, status entity.OrderPaymentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.syncErr != nil {
		return f.syncErr
	}
	order, ok := f.orders[id]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "order %s not found", id)
	}
	order.PaymentStatus = status
	return nil
}

func (f *fakeOrderRepo) UpdateNotes(ctx context.Context, id uuid.UUID, notes string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "order %s not found", id)
	}
	order.Notes = notes
	return nil
}

func (f *fakeOrderRepo) FindPaymentStatusMismatches(ctx context.Context, limit int) ([]repository.PaymentStatusMismatch, error) {
	if f.payments == nil {
		return nil, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.PaymentStatusMismatch
	for _, order := range f.orders {
		payment := f.payments.governing(order.ID)
		if payment == nil {
			continue
		}
		want, ok := OrderPaymentStatusFor(payment.Status)
		if !ok || order.PaymentStatus == want {
			continue
		}
		out = append(out, repository.PaymentStatusMismatch{
			OrderID:       order.ID,
			OrderStatus:   order.PaymentStatus,
			PaymentID:     payment.ID,
			PaymentStatus: payment.Status,
		})
	}
	return out, nil
}

type fakeProductClient struct {
	products map[string]*client.Product
	stock    map[string]int
	stockErr bool
}

func newFakeProductClient() *fakeProductClient {
	return &fakeProductClient{
		products: make(map[string]*client.Product),
		stock:    make(map[string]int),
	}
}

func (f *fakeProductClient) addProduct(id, name, sku string, stock int) {
	f.products[id] = &client.Product{ID: id, Name: name, SKU: sku, Images: []string{"https://img/" + id}, Active: true}
	f.stock[id] = stock
}

func (f *fakeProductClient) GetProduct(ctx context.Context, productID string) (*client.Product, error) {
	product, ok := f.products[productID]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "product %s not found", productID)
	}
	return product, nil
}

func (f *fakeProductClient) HasStock(ctx context.Context, productID string, quantity int) bool {
	if f.stockErr {
		// A collaborator failure fails closed.
		return false
	}
	return f.stock[productID] >= quantity
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	seen map[string]bool
	puts int
	dels int
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte), seen: make(map[string]bool)}
}

func (m *memCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memCache) Put(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = val
	m.puts++
	return nil
}

func (m *memCache) Invalidate(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	m.dels++
	return nil
}

func (m *memCache) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

type publishedEvent struct {
	action  string
	orderID uuid.UUID
}

type fakePublisher struct {
	mu             sync.Mutex
	events         []publishedEvent
	reconciliation int
}

func (f *fakePublisher) PublishOrderEvent(ctx context.Context, order *entity.Order, action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{action: action, orderID: order.ID})
	return nil
}

func (f *fakePublisher) PublishReconciliationNeeded(ctx context.Context, orderID, paymentID uuid.UUID, want entity.OrderPaymentStatus, cause string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciliation++
	return nil
}

type fakePaymentRepo struct {
	mu        sync.Mutex
	payments  map[uuid.UUID]*entity.Payment
	updateErr error
}

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{payments: make(map[uuid.UUID]*entity.Payment)}
}

func (f *fakePaymentRepo) Create(ctx context.Context, payment *entity.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payments {
		if p.OrderID == payment.OrderID && p.IsActive() {
			return apperr.Newf(apperr.KindConflict,
				"order %s already has an active payment", payment.OrderID)
		}
	}
	copied := *payment
	f.payments[payment.ID] = &copied
	return nil
}

func (f *fakePaymentRepo) FindByID(ctx context.Context, id uuid.UUID) (*entity.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payment, ok := f.payments[id]
	if !ok {
		return nil, nil
	}
	copied := *payment
	return &copied, nil
}

func (f *fakePaymentRepo) FindByIntentID(ctx context.Context, intentID string) (*entity.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, payment := range f.payments {
		if payment.IntentID == intentID {
			copied := *payment
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakePaymentRepo) FindActiveByOrderID(ctx context.Context, orderID uuid.UUID) (*entity.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, payment := range f.payments {
		if payment.OrderID == orderID && payment.IsActive() {
			copied := *payment
			return &copied, nil
		}
	}
	return nil, nil
}

// governing returns the payment that currently speaks for the order:
// the active one when it exists, otherwise the most recent attempt.
func (f *fakePaymentRepo) governing(orderID uuid.UUID) *entity.Payment {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *entity.Payment
	for _, payment := range f.payments {
		if payment.OrderID != orderID {
			continue
		}
		if payment.IsActive() {
			copied := *payment
			return &copied
		}
		if latest == nil || payment.CreatedAt.After(latest.CreatedAt) {
			latest = payment
		}
	}
	if latest == nil {
		return nil
	}
	copied := *latest
	return &copied
}

func (f *fakePaymentRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from []entity.PaymentStatus, to entity.PaymentStatus, upd repository.StatusUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return false, f.updateErr
	}
	payment, ok := f.payments[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if payment.Status == s {
			payment.Status = to
			payment.UpdatedAt = time.Now().UTC()
			if upd.ChargeID != "" {
				payment.ChargeID = upd.ChargeID
			}
			if upd.FailureReason != "" {
				payment.FailureReason = upd.FailureReason
			}
			if upd.MethodDetails != nil {
				payment.MethodDetails = *upd.MethodDetails
			}
			return true, nil
		}
	}
	return false, nil
}

func (f *fakePaymentRepo) AddRefund(ctx context.Context, id uuid.UUID, amount decimal.Decimal, newStatus entity.PaymentStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payment, ok := f.payments[id]
	if !ok {
		return false, nil
	}
	if payment.Status != entity.PaymentSucceeded && payment.Status != entity.PaymentPartiallyRefunded {
		return false, nil
	}
	if payment.RefundedAmount.Add(amount).GreaterThan(payment.Amount) {
		return false, nil
	}
	payment.RefundedAmount = payment.RefundedAmount.Add(amount)
	payment.Status = newStatus
	payment.UpdatedAt = time.Now().UTC()
	return true, nil
}

type countingCoordinator struct {
	mu    sync.Mutex
	calls []entity.PaymentStatus
}

func (c *countingCoordinator) PaymentTransitioned(ctx context.Context, payment *entity.Payment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, payment.Status)
}
