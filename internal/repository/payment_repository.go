package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"checkout-service/internal/apperr"
	"checkout-service/internal/entity"
)

const mysqlDuplicateEntry = 1062

// StatusUpdate carries the fields written alongside a payment status
// transition.
type StatusUpdate struct {
	ChargeID      string
	FailureReason string
	MethodDetails *entity.MethodDetails
}

type PaymentRepository interface {
	// Create persists a new payment. The at-most-one-active-payment
	// invariant is backed by a unique key in the store; a racing
	// duplicate surfaces as Conflict.
	Create(ctx context.Context, payment *entity.Payment) error
	// FindByID returns (nil, nil) when the payment does not exist.
	FindByID(ctx context.Context, id uuid.UUID) (*entity.Payment, error)
	FindByIntentID(ctx context.Context, intentID string) (*entity.Payment, error)
	// FindActiveByOrderID returns the payment holding the active slot for
	// the order, or (nil, nil).
	FindActiveByOrderID(ctx context.Context, orderID uuid.UUID) (*entity.Payment, error)
	// UpdateStatus is a compare-and-transition keyed on the previous
	// status set. Returns false when the precondition no longer held.
	UpdateStatus(ctx context.Context, id uuid.UUID, from []entity.PaymentStatus, to entity.PaymentStatus, upd StatusUpdate) (bool, error)
	// AddRefund atomically increments refunded_amount and moves the
	// status, guarded so the cumulative refund can never exceed amount.
	AddRefund(ctx context.Context, id uuid.UUID, amount decimal.Decimal, newStatus entity.PaymentStatus) (bool, error)
}

type paymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

func (r *paymentRepository) Create(ctx context.Context, payment *entity.Payment) error {
	details, err := json.Marshal(payment.MethodDetails)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(payment.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO payments (id, order_id, user_id, intent_id, charge_id,
			amount, currency, status, method_kind, method_details,
			refunded_amount, failure_reason, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, query,
		payment.ID.String(), payment.OrderID.String(), payment.UserID.String(),
		payment.IntentID, payment.ChargeID,
		payment.Amount, payment.Currency, payment.Status, payment.MethodKind, details,
		payment.RefundedAmount, payment.FailureReason, metadata,
		payment.CreatedAt, payment.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return apperr.Newf(apperr.KindConflict,
				"order %s already has an active payment", payment.OrderID)
		}
		return err
	}
	return nil
}

const paymentColumns = `id, order_id, user_id, intent_id, charge_id,
	amount, currency, status, method_kind, method_details,
	refunded_amount, failure_reason, metadata, created_at, updated_at`

func (r *paymentRepository) FindByID(ctx context.Context, id uuid.UUID) (*entity.Payment, error) {
	query := fmt.Sprintf("SELECT %s FROM payments WHERE id = ?", paymentColumns)
	return scanPayment(r.db.QueryRowContext(ctx, query, id.String()))
}

func (r *paymentRepository) FindByIntentID(ctx context.Context, intentID string) (*entity.Payment, error) {
	query := fmt.Sprintf("SELECT %s FROM payments WHERE intent_id = ?", paymentColumns)
	return scanPayment(r.db.QueryRowContext(ctx, query, intentID))
}

func (r *paymentRepository) FindActiveByOrderID(ctx context.Context, orderID uuid.UUID) (*entity.Payment, error) {
	// The active set comes from the entity so this query and IsActive
	// cannot drift apart.
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(entity.ActivePaymentStatuses)), ",")
	query := fmt.Sprintf(
		"SELECT %s FROM payments WHERE order_id = ? AND status IN (%s) LIMIT 1",
		paymentColumns, placeholders)
	args := []interface{}{orderID.String()}
	for _, s := range entity.ActivePaymentStatuses {
		args = append(args, s)
	}
	return scanPayment(r.db.QueryRowContext(ctx, query, args...))
}

func (r *paymentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from []entity.PaymentStatus, to entity.PaymentStatus, upd StatusUpdate) (bool, error) {
	if len(from) == 0 {
		return false, apperr.New(apperr.KindValidation, "transition precondition must not be empty")
	}

	set := "status = ?, updated_at = ?"
	args := []interface{}{to, time.Now().UTC()}

	if upd.ChargeID != "" {
		set += ", charge_id = ?"
		args = append(args, upd.ChargeID)
	}
	if upd.FailureReason != "" {
		set += ", failure_reason = ?"
		args = append(args, upd.FailureReason)
	}
	if upd.MethodDetails != nil {
		details, err := json.Marshal(upd.MethodDetails)
		if err != nil {
			return false, err
		}
		set += ", method_details = ?"
		args = append(args, details)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	query := fmt.Sprintf("UPDATE payments SET %s WHERE id = ? AND status IN (%s)", set, placeholders)
	args = append(args, id.String())
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

func (r *paymentRepository) AddRefund(ctx context.Context, id uuid.UUID, amount decimal.Decimal, newStatus entity.PaymentStatus) (bool, error) {
	query := `
		UPDATE payments
		SET refunded_amount = refunded_amount + ?, status = ?, updated_at = ?
		WHERE id = ?
		AND status IN ('succeeded', 'partially_refunded')
		AND refunded_amount + ? <= amount`
	res, err := r.db.ExecContext(ctx, query, amount, newStatus, time.Now().UTC(), id.String(), amount)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func scanPayment(row rowScanner) (*entity.Payment, error) {
	var p entity.Payment
	var id, orderID, userID string
	var details, metadata []byte
	err := row.Scan(&id, &orderID, &userID, &p.IntentID, &p.ChargeID,
		&p.Amount, &p.Currency, &p.Status, &p.MethodKind, &details,
		&p.RefundedAmount, &p.FailureReason, &metadata, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if p.OrderID, err = uuid.Parse(orderID); err != nil {
		return nil, err
	}
	if p.UserID, err = uuid.Parse(userID); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(details, &p.MethodDetails); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, err
		}
	}
	return &p, nil
}
