package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"checkout-service/internal/apperr"
	"checkout-service/internal/auth"
	"checkout-service/internal/cache"
	"checkout-service/internal/entity"
	"checkout-service/internal/gateway"
	"checkout-service/internal/repository"
)

type CreateIntentInput struct {
	OrderID  uuid.UUID       `json:"order_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Method   string          `json:"method"`
}

// IntentResult is what a client needs to complete payment collection.
type IntentResult struct {
	Payment      *entity.Payment `json:"payment"`
	ClientSecret string          `json:"client_secret"`
}

type RefundInput struct {
	PaymentID uuid.UUID        `json:"payment_id"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Reason    string           `json:"reason"`
}

// PaymentService drives payment intent creation, confirmation, refunds,
// and reconciles asynchronous gateway webhook events against local
// state. Confirm and HandleWebhookEvent are two independent callers into
// the same state machine and converge on the same result in any
// interleaving.
type PaymentService interface {
	CreateIntent(ctx context.Context, principal auth.Principal, input CreateIntentInput) (*IntentResult, error)
	Confirm(ctx context.Context, principal auth.Principal, orderID uuid.UUID, intentID string) (*entity.Payment, error)
	Refund(ctx context.Context, principal auth.Principal, input RefundInput) (*entity.Payment, error)
	GetPayment(ctx context.Context, principal auth.Principal, paymentID uuid.UUID) (*entity.Payment, error)
	HandleWebhookEvent(ctx context.Context, event *gateway.Event) error
}

type paymentService struct {
	paymentRepo repository.PaymentRepository
	orderRepo   repository.OrderRepository
	gateway     gateway.PaymentGateway
	snapshots   cache.Store
	coordinator Coordinator
	cacheTTL    time.Duration
	dedupTTL    time.Duration
}

func NewPaymentService(
	paymentRepo repository.PaymentRepository,
	orderRepo repository.OrderRepository,
	gw gateway.PaymentGateway,
	snapshots cache.Store,
	coordinator Coordinator,
	cacheTTL, dedupTTL time.Duration,
) PaymentService {
	return &paymentService{
		paymentRepo: paymentRepo,
		orderRepo:   orderRepo,
		gateway:     gw,
		snapshots:   snapshots,
		coordinator: coordinator,
		cacheTTL:    cacheTTL,
		dedupTTL:    dedupTTL,
	}
}

func (s *paymentService) CreateIntent(ctx context.Context, principal auth.Principal, input CreateIntentInput) (*IntentResult, error) {
	if !entity.SupportedCurrencies[input.Currency] {
		return nil, apperr.Newf(apperr.KindValidation, "unsupported currency %q", input.Currency)
	}
	if input.Amount.LessThan(entity.MinPaymentAmount) {
		return nil, apperr.Newf(apperr.KindValidation, "amount must be at least %s", entity.MinPaymentAmount)
	}
	if input.Method == "" {
		return nil, apperr.New(apperr.KindValidation, "payment method is required")
	}

	order, err := s.orderRepo.FindByID(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	if order == nil || !principal.Owns(order.UserID) {
		return nil, apperr.Newf(apperr.KindNotFound, "order %s not found", input.OrderID)
	}
	if !input.Amount.Equal(order.TotalAmount) {
		return nil, apperr.Newf(apperr.KindValidation,
			"amount %s does not match order total %s", input.Amount, order.TotalAmount)
	}

	// One active payment per order. This pre-check gives a clean error;
	// the unique key in the store closes the race.
	active, err := s.paymentRepo.FindActiveByOrderID(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, apperr.Newf(apperr.KindConflict,
			"order %s already has an active payment", input.OrderID)
	}

	intent, err := s.gateway.CreateIntent(ctx, gateway.CreateIntentInput{
		Amount:   input.Amount,
		Currency: input.Currency,
		Method:   input.Method,
		Metadata: map[string]string{"order_id": input.OrderID.String()},
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	payment := &entity.Payment{
		ID:             uuid.New(),
		OrderID:        input.OrderID,
		UserID:         order.UserID,
		IntentID:       intent.ID,
		Amount:         input.Amount,
		Currency:       input.Currency,
		Status:         entity.PaymentPending,
		MethodKind:     input.Method,
		RefundedAmount: decimal.Zero,
		Metadata:       map[string]string{"order_id": input.OrderID.String()},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.paymentRepo.Create(ctx, payment); err != nil {
		// A racing request won the active slot after our pre-check. The
		// intent we created at the gateway is orphaned; it is never
		// confirmed, so no money moves.
		if apperr.IsKind(err, apperr.KindConflict) {
			logger.Warn().Msgf("Orphaned gateway intent %s for order %s after losing create race",
				intent.ID, input.OrderID)
		}
		return nil, err
	}

	return &IntentResult{Payment: payment, ClientSecret: intent.ClientSecret}, nil
}

// statusForIntent is the fixed gateway-to-local mapping table.
func statusForIntent(intent *gateway.Intent) (entity.PaymentStatus, string) {
	switch intent.Status {
	case gateway.IntentSucceeded:
		return entity.PaymentSucceeded, ""
	case gateway.IntentProcessing:
		return entity.PaymentProcessing, ""
	case gateway.IntentRequiresPayment, gateway.IntentRequiresAction, gateway.IntentRequiresConfirmation:
		return entity.PaymentPending, ""
	case gateway.IntentCanceled:
		return entity.PaymentCancelled, ""
	default:
		reason := intent.LastError
		if reason == "" {
			reason = "payment failed with gateway status " + string(intent.Status)
		}
		return entity.PaymentFailed, reason
	}
}

func (s *paymentService) Confirm(ctx context.Context, principal auth.Principal, orderID uuid.UUID, intentID string) (*entity.Payment, error) {
	payment, err := s.paymentRepo.FindByIntentID(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if payment == nil || payment.OrderID != orderID || !principal.Owns(payment.UserID) {
		return nil, apperr.Newf(apperr.KindNotFound, "payment for intent %s not found", intentID)
	}

	intent, err := s.gateway.RetrieveIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}

	target, failureReason := statusForIntent(intent)
	upd := repository.StatusUpdate{ChargeID: intent.ChargeID, FailureReason: failureReason}
	if target == entity.PaymentSucceeded {
		upd.MethodDetails = intent.Card
	}

	return s.applyTransition(ctx, payment, target, upd)
}

// applyTransition moves a payment to target with compare-and-set
// semantics. It is the convergence point for Confirm and webhook
// delivery: re-applying a transition the aggregate already took is a
// no-op that re-reports current state without duplicate side effects.
func (s *paymentService) applyTransition(ctx context.Context, payment *entity.Payment, target entity.PaymentStatus, upd repository.StatusUpdate) (*entity.Payment, error) {
	if payment.Status == target {
		return payment, nil
	}
	if !payment.CanTransitionTo(target) {
		// The aggregate already moved past this transition (e.g. the
		// webhook landed before an explicit confirm). Re-report state.
		return payment, nil
	}

	ok, err := s.paymentRepo.UpdateStatus(ctx, payment.ID,
		[]entity.PaymentStatus{payment.Status}, target, upd)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost a race with the other confirmation path; the fresh row is
		// the converged truth.
		fresh, err := s.paymentRepo.FindByID(ctx, payment.ID)
		if err != nil {
			return nil, err
		}
		if fresh == nil {
			return nil, apperr.Newf(apperr.KindNotFound, "payment %s not found", payment.ID)
		}
		return fresh, nil
	}

	payment.Status = target
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

	s.invalidatePayment(ctx, payment.ID)
	s.coordinator.PaymentTransitioned(ctx, payment)
	return payment, nil
}

func (s *paymentService) Refund(ctx context.Context, principal auth.Principal, input RefundInput) (*entity.Payment, error) {
	if !principal.IsAdmin() {
		return nil, apperr.New(apperr.KindForbidden, "only admins may issue refunds")
	}

	payment, err := s.paymentRepo.FindByID(ctx, input.PaymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "payment %s not found", input.PaymentID)
	}

	amount := payment.RemainingRefundable()
	if input.Amount != nil {
		amount = *input.Amount
	}

	// The aggregate validates and derives the refund substate. Only the
	// in-memory copy moves here; nothing is persisted until the gateway
	// confirms.
	if err := payment.ApplyRefund(amount); err != nil {
		return nil, err
	}

	// Gateway first, local state after. Local state must never claim a
	// refund the gateway did not execute.
	if _, err := s.gateway.CreateRefund(ctx, gateway.RefundInput{
		IntentID: payment.IntentID,
		Amount:   amount,
		Reason:   input.Reason,
	}); err != nil {
		return nil, err
	}

	ok, err := s.paymentRepo.AddRefund(ctx, payment.ID, amount, payment.Status)
	if err != nil {
		return nil, err
	}
	if !ok {
		// A concurrent refund consumed the balance between our read and
		// the guarded write. The gateway refund went through, so this
		// needs operator attention rather than silent retry.
		logger.Error().Msgf(
			"Refund of %s on payment %s executed at gateway but rejected locally", amount, payment.ID)
		return nil, apperr.Newf(apperr.KindConflict,
			"payment %s was modified concurrently", payment.ID)
	}

	s.invalidatePayment(ctx, payment.ID)
	if payment.Status == entity.PaymentRefunded {
		s.coordinator.PaymentTransitioned(ctx, payment)
	}
	return payment, nil
}

func (s *paymentService) GetPayment(ctx context.Context, principal auth.Principal, paymentID uuid.UUID) (*entity.Payment, error) {
	if cached, ok, err := s.snapshots.Get(ctx, cache.PaymentKey(paymentID)); err != nil {
		logger.Warn().Err(err).Msgf("Cache read failed for payment %s", paymentID)
	} else if ok {
		var payment entity.Payment
		if err := json.Unmarshal(cached, &payment); err == nil {
			if !principal.Owns(payment.UserID) {
				return nil, apperr.Newf(apperr.KindNotFound, "payment %s not found", paymentID)
			}
			return &payment, nil
		}
		logger.Warn().Msgf("Discarding corrupt cache entry for payment %s", paymentID)
	}

	payment, err := s.paymentRepo.FindByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil || !principal.Owns(payment.UserID) {
		return nil, apperr.Newf(apperr.KindNotFound, "payment %s not found", paymentID)
	}

	if payload, err := json.Marshal(payment); err == nil {
		if err := s.snapshots.Put(ctx, cache.PaymentKey(paymentID), payload, s.cacheTTL); err != nil {
			logger.Warn().Err(err).Msgf("Cache write failed for payment %s", paymentID)
		}
	}
	return payment, nil
}

// HandleWebhookEvent processes a gateway notification whose signature
// was already verified at the transport edge. It re-derives the local
// transition from the event type exactly as Confirm would, so the two
// paths converge regardless of delivery order, and replays are absorbed
// both by the event-id dedup key and by the state machine itself.
func (s *paymentService) HandleWebhookEvent(ctx context.Context, event *gateway.Event) error {
	fresh, err := s.snapshots.SetNX(ctx, cache.WebhookEventKey(event.ID), s.dedupTTL)
	if err != nil {
		// Dedup is an optimization; the state machine still absorbs
		// replays, so keep going.
		logger.Warn().Err(err).Msgf("Webhook dedup check failed for event %s", event.ID)
	} else if !fresh {
		logger.Info().Msgf("Webhook event %s already processed, acknowledging", event.ID)
		return nil
	}

	var target entity.PaymentStatus
	upd := repository.StatusUpdate{ChargeID: event.Data.ChargeID}

	switch event.Type {
	case gateway.EventPaymentSucceeded:
		target = entity.PaymentSucceeded
		upd.MethodDetails = event.Data.Card
	case gateway.EventPaymentFailed:
		target = entity.PaymentFailed
		upd.FailureReason = event.Data.FailureMessage
		if upd.FailureReason == "" {
			upd.FailureReason = "payment failed"
		}
	case gateway.EventPaymentCanceled:
		target = entity.PaymentCancelled
	case gateway.EventDisputeCreated:
		logger.Warn().Msgf("Dispute created for intent %s (event %s)", event.Data.IntentID, event.ID)
		return nil
	default:
		// Intentionally ignored event types are acknowledged so the
		// gateway does not retry them.
		logger.Info().Msgf("Ignoring webhook event %s of type %s", event.ID, event.Type)
		return nil
	}

	payment, err := s.paymentRepo.FindByIntentID(ctx, event.Data.IntentID)
	if err != nil {
		s.releaseWebhookClaim(ctx, event.ID)
		return err
	}
	if payment == nil {
		logger.Warn().Msgf("Webhook event %s references unknown intent %s", event.ID, event.Data.IntentID)
		return nil
	}

	if _, err := s.applyTransition(ctx, payment, target, upd); err != nil {
		s.releaseWebhookClaim(ctx, event.ID)
		return err
	}
	return nil
}

// releaseWebhookClaim frees the dedup key after a failed delivery. The
// handler returned an error, so the gateway will redeliver the event;
// the retry must be processed, not acknowledged as a replay.
func (s *paymentService) releaseWebhookClaim(ctx context.Context, eventID string) {
	if err := s.snapshots.Invalidate(ctx, cache.WebhookEventKey(eventID)); err != nil {
		logger.Warn().Err(err).Msgf("Failed to release webhook dedup key for event %s", eventID)
	}
}

func (s *paymentService) invalidatePayment(ctx context.Context, paymentID uuid.UUID) {
	if err := s.snapshots.Invalidate(ctx, cache.PaymentKey(paymentID)); err != nil {
		logger.Warn().Err(err).Msgf("Cache invalidation failed for payment %s", paymentID)
	}
}
