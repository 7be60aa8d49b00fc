package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"checkout-service/internal/apperr"
	"checkout-service/internal/entity"
)

// MockGateway is an in-memory gateway used by tests and local runs when
// no real gateway is configured. Intents start in requires_payment_method
// and are driven to a terminal state with SettleIntent.
type MockGateway struct {
	mu      sync.RWMutex
	intents map[string]*Intent
	refunds map[string]decimal.Decimal
}

func NewMockGateway() *MockGateway {
	return &MockGateway{
		intents: make(map[string]*Intent),
		refunds: make(map[string]decimal.Decimal),
	}
}

func (m *MockGateway) CreateIntent(ctx context.Context, input CreateIntentInput) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := "pi_" + uuid.NewString()
	intent := &Intent{
		ID:           id,
		ClientSecret: id + "_secret_" + uuid.NewString(),
		Status:       IntentRequiresPayment,
		Amount:       input.Amount,
		Currency:     input.Currency,
	}
	m.intents[id] = intent

	out := *intent
	return &out, nil
}

func (m *MockGateway) RetrieveIntent(ctx context.Context, intentID string) (*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	intent, ok := m.intents[intentID]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "payment intent %s not found", intentID)
	}
	out := *intent
	return &out, nil
}

func (m *MockGateway) CreateRefund(ctx context.Context, input RefundInput) (*Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[input.IntentID]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "payment intent %s not found", input.IntentID)
	}
	if intent.Status != IntentSucceeded {
		return nil, apperr.Newf(apperr.KindConflict, "intent %s has not been captured", input.IntentID)
	}

	refunded := m.refunds[input.IntentID].Add(input.Amount)
	if refunded.GreaterThan(intent.Amount) {
		return nil, apperr.New(apperr.KindConflict, "refund exceeds captured amount")
	}
	m.refunds[input.IntentID] = refunded

	return &Refund{
		ID:       "re_" + uuid.NewString(),
		IntentID: input.IntentID,
		Amount:   input.Amount,
		Status:   "succeeded",
	}, nil
}

// SettleIntent drives a mock intent to the given status, attaching a
// charge and masked card when it succeeds.
func (m *MockGateway) SettleIntent(intentID string, status IntentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[intentID]
	if !ok {
		return fmt.Errorf("unknown intent %s", intentID)
	}
	intent.Status = status
	if status == IntentSucceeded {
		intent.ChargeID = "ch_" + uuid.NewString()
		intent.Card = &entity.MethodDetails{Brand: "visa", Last4: "4242", ExpMonth: 12, ExpYear: 2030}
	}
	return nil
}

// FailIntent marks the intent declined with the given message.
func (m *MockGateway) FailIntent(intentID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[intentID]
	if !ok {
		return fmt.Errorf("unknown intent %s", intentID)
	}
	intent.Status = IntentFailed
	intent.LastError = message
	return nil
}
