package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"checkout-service/internal/apperr"
	"checkout-service/internal/entity"
)

// PaymentStatusMismatch pairs an order whose payment_status disagrees
// with its payment's actual status. Consumed by the reconciliation sweep.
type PaymentStatusMismatch struct {
	OrderID       uuid.UUID
	OrderStatus   entity.OrderPaymentStatus
	PaymentID     uuid.UUID
	PaymentStatus entity.PaymentStatus
}

type OrderRepository interface {
	// CreateOrderWithItems persists the order and its line items in one
	// transaction. A partially written order is never observable.
	CreateOrderWithItems(ctx context.Context, order *entity.Order) error
	// FindByID loads the order with its items. Returns (nil, nil) when
	// the order does not exist.
	FindByID(ctx context.Context, id uuid.UUID) (*entity.Order, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]entity.Order, error)
	// UpdateStatus applies a compare-and-transition: the write lands only
	// if the current status is still in from. Returns false when the
	// precondition no longer held.
	UpdateStatus(ctx context.Context, id uuid.UUID, from []entity.OrderStatus, to entity.OrderStatus) (bool, error)
	UpdatePaymentStatus(ctx context.Context, id uuid.UUID, status entity.OrderPaymentStatus) error
	UpdateNotes(ctx context.Context, id uuid.UUID, notes string) error
	// FindPaymentStatusMismatches reports orders whose mirrored payment
	// status disagrees with the payment that currently governs them: the
	// active payment when one exists, otherwise the most recent attempt.
	// Superseded failed attempts are never consulted.
	FindPaymentStatusMismatches(ctx context.Context, limit int) ([]PaymentStatusMismatch, error)
}

type orderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) OrderRepository {
	return &orderRepository{db: db}
}

func (r *orderRepository) CreateOrderWithItems(ctx context.Context, order *entity.Order) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	shipping, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return err
	}
	billing, err := json.Marshal(order.BillingAddress)
	if err != nil {
		return err
	}

	orderQuery := `
		INSERT INTO orders (id, order_number, user_id, status, payment_status,
			subtotal, tax_amount, shipping_amount, discount_amount, total_amount,
			shipping_address, billing_address, payment_method, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, orderQuery,
		order.ID.String(), order.OrderNumber, order.UserID.String(),
		order.Status, order.PaymentStatus,
		order.Subtotal, order.TaxAmount, order.ShippingAmount, order.DiscountAmount, order.TotalAmount,
		shipping, billing, order.PaymentMethod, order.Notes, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return err
	}

	// Batch insert the line items in one statement.
	itemQuery := `
		INSERT INTO order_items (id, order_id, product_id, product_name, product_sku,
			product_image, quantity, unit_price, line_total)
		VALUES `
	var values []interface{}
	for _, item := range order.Items {
		itemQuery += "(?, ?, ?, ?, ?, ?, ?, ?, ?),"
		values = append(values,
			item.ID.String(), order.ID.String(), item.ProductID, item.ProductName,
			item.ProductSKU, item.ProductImage, item.Quantity, item.UnitPrice, item.LineTotal)
	}
	itemQuery = itemQuery[:len(itemQuery)-1]

	if _, err := tx.ExecContext(ctx, itemQuery, values...); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *orderRepository) FindByID(ctx context.Context, id uuid.UUID) (*entity.Order, error) {
	orderQuery := `
		SELECT id, order_number, user_id, status, payment_status,
			subtotal, tax_amount, shipping_amount, discount_amount, total_amount,
			shipping_address, billing_address, payment_method, notes, created_at, updated_at
		FROM orders WHERE id = ?`

	order, err := scanOrder(r.db.QueryRowContext(ctx, orderQuery, id.String()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	items, err := r.loadItems(ctx, id)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return order, nil
}

func (r *orderRepository) loadItems(ctx context.Context, orderID uuid.UUID) ([]entity.OrderItem, error) {
	itemQuery := `
		SELECT id, order_id, product_id, product_name, product_sku,
			product_image, quantity, unit_price, line_total
		FROM order_items WHERE order_id = ? ORDER BY id`
	rows, err := r.db.QueryContext(ctx, itemQuery, orderID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []entity.OrderItem
	for rows.Next() {
		var item entity.OrderItem
		var itemID, itemOrderID string
		if err := rows.Scan(&itemID, &itemOrderID, &item.ProductID, &item.ProductName,
			&item.ProductSKU, &item.ProductImage, &item.Quantity, &item.UnitPrice, &item.LineTotal); err != nil {
			return nil, err
		}
		if item.ID, err = uuid.Parse(itemID); err != nil {
			return nil, err
		}
		if item.OrderID, err = uuid.Parse(itemOrderID); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *orderRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]entity.Order, error) {
	query := `
		SELECT id, order_number, user_id, status, payment_status,
			subtotal, tax_amount, shipping_amount, discount_amount, total_amount,
			shipping_address, billing_address, payment_method, notes, created_at, updated_at
		FROM orders WHERE user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`
	rows, err := r.db.QueryContext(ctx, query, userID.String(), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []entity.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range orders {
		items, err := r.loadItems(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

func (r *orderRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from []entity.OrderStatus, to entity.OrderStatus) (bool, error) {
	if len(from) == 0 {
		return false, apperr.New(apperr.KindValidation, "transition precondition must not be empty")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	query := fmt.Sprintf(
		"UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status IN (%s)",
		placeholders)

	args := []interface{}{to, time.Now().UTC(), id.String()}
	for _, s := range from {
		args = append(args, s)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (r *orderRepository) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, status entity.OrderPaymentStatus) error {
	query := `UPDATE orders SET payment_status = ?, updated_at = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, status, time.Now().UTC(), id.String())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.Newf(apperr.KindNotFound, "order %s not found", id)
	}
	return nil
}

func (r *orderRepository) UpdateNotes(ctx context.Context, id uuid.UUID, notes string) error {
	query := `UPDATE orders SET notes = ?, updated_at = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, notes, time.Now().UTC(), id.String())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.Newf(apperr.KindNotFound, "order %s not found", id)
	}
	return nil
}

// FindPaymentStatusMismatches reports orders whose mirrored payment
// status drifted from the payment aggregate, which happens when a saga
// sync fails after the payment transition committed. Only the governing
// payment is consulted: the one holding the active slot, or the latest
// attempt when every attempt is failed or cancelled. A failed attempt
// superseded by a successful retry must never flag the order.
func (r *orderRepository) FindPaymentStatusMismatches(ctx context.Context, limit int) ([]PaymentStatusMismatch, error) {
	query := `
		SELECT o.id, o.payment_status, p.id, p.status
		FROM orders o
		JOIN payments p ON p.id = (
			SELECT p2.id FROM payments p2
			WHERE p2.order_id = o.id
			ORDER BY (p2.active_slot IS NOT NULL) DESC, p2.created_at DESC
			LIMIT 1
		)
		WHERE p.status IN ('succeeded', 'failed', 'cancelled', 'refunded')
		AND (
			(p.status = 'succeeded' AND o.payment_status <> 'paid') OR
			(p.status IN ('failed', 'cancelled') AND o.payment_status <> 'failed') OR
			(p.status = 'refunded' AND o.payment_status <> 'refunded')
		)
		LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mismatches []PaymentStatusMismatch
	for rows.Next() {
		var m PaymentStatusMismatch
		var orderID, paymentID string
		if err := rows.Scan(&orderID, &m.OrderStatus, &paymentID, &m.PaymentStatus); err != nil {
			return nil, err
		}
		if m.OrderID, err = uuid.Parse(orderID); err != nil {
			return nil, err
		}
		if m.PaymentID, err = uuid.Parse(paymentID); err != nil {
			return nil, err
		}
		mismatches = append(mismatches, m)
	}
	return mismatches, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*entity.Order, error) {
	var order entity.Order
	var id, userID string
	var shipping, billing []byte
	err := row.Scan(&id, &order.OrderNumber, &userID, &order.Status, &order.PaymentStatus,
		&order.Subtotal, &order.TaxAmount, &order.ShippingAmount, &order.DiscountAmount, &order.TotalAmount,
		&shipping, &billing, &order.PaymentMethod, &order.Notes, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if order.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if order.UserID, err = uuid.Parse(userID); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(shipping, &order.ShippingAddress); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(billing, &order.BillingAddress); err != nil {
		return nil, err
	}
	return &order, nil
}
