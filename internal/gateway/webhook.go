package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/entity"
)

// Webhook event types this system reacts to. Anything else is logged and
// acknowledged so the gateway does not retry it.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
	EventPaymentCanceled  = "payment_intent.canceled"
	EventDisputeCreated   = "charge.dispute.created"
)

// Event is a gateway notification delivered on the signed webhook feed.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Data      EventData `json:"data"`
	CreatedAt int64     `json:"created_at"`
}

type EventData struct {
	IntentID       string                `json:"intent_id"`
	ChargeID       string                `json:"charge_id,omitempty"`
	FailureMessage string                `json:"failure_message,omitempty"`
	Card           *entity.MethodDetails `json:"card,omitempty"`
}

// DefaultSignatureTolerance bounds how old a signed payload may be, so a
// captured request cannot be replayed much later.
const DefaultSignatureTolerance = 5 * time.Minute

// VerifySignature checks the webhook signature header against the shared
// secret. The header carries the signing timestamp and the HMAC-SHA256 of
// "<timestamp>.<payload>", e.g. "t=1700000000,v1=abcdef…".
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration) error {
	var ts int64
	var sig string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			parsed, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return apperr.New(apperr.KindInvalidSignature, "malformed signature timestamp")
			}
			ts = parsed
		case "v1":
			sig = kv[1]
		}
	}
	if ts == 0 || sig == "" {
		return apperr.New(apperr.KindInvalidSignature, "missing signature header fields")
	}

	age := time.Since(time.Unix(ts, 0))
	if age > tolerance || age < -tolerance {
		return apperr.New(apperr.KindInvalidSignature, "signature timestamp outside tolerance")
	}

	expected := ComputeSignature(payload, ts, secret)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return apperr.New(apperr.KindInvalidSignature, "signature mismatch")
	}
	return nil
}

// ComputeSignature produces the hex HMAC for a payload at a timestamp.
// Exposed so tests and the mock gateway can sign events.
func ComputeSignature(payload []byte, ts int64, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader renders the header the gateway would send for payload.
func SignatureHeader(payload []byte, ts int64, secret string) string {
	return fmt.Sprintf("t=%d,v1=%s", ts, ComputeSignature(payload, ts, secret))
}

// ParseEvent decodes a verified webhook payload.
func ParseEvent(payload []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "malformed webhook payload")
	}
	if event.ID == "" || event.Type == "" {
		return nil, apperr.New(apperr.KindValidation, "webhook event missing id or type")
	}
	return &event, nil
}
