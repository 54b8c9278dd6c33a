package polar

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/video0-dev/tokenledger/pkg/tokens"
)

// Polar signs webhook deliveries following the Standard Webhooks convention:
// HMAC-SHA256 over "{id}.{timestamp}.{payload}" with a base64 key
// carried in a whsec_-prefixed secret.
const (
	headerWebhookID        = "webhook-id"
	headerWebhookTimestamp = "webhook-timestamp"
	headerWebhookSignature = "webhook-signature"

	secretPrefix           = "whsec_"
	signatureVersionPrefix = "v1,"

	eventTypeOrderPaid = "order.paid"

	defaultTimestampTolerance = 5 * time.Minute
)

var (
	// ErrInvalidSignature reports a delivery that fails HMAC verification.
	ErrInvalidSignature = errors.New("polar: invalid webhook signature")
	// ErrInvalidWebhookSecret reports a malformed signing secret.
	ErrInvalidWebhookSecret = errors.New("polar: invalid webhook secret")
	// ErrStaleTimestamp reports a delivery outside the accepted time window.
	ErrStaleTimestamp = errors.New("polar: webhook timestamp outside tolerance")
	// ErrEventIgnored reports an event type the ledger does not consume.
	ErrEventIgnored = errors.New("polar: event ignored")
	// ErrInvalidPayload reports an undecodable or incomplete event payload.
	ErrInvalidPayload = errors.New("polar: invalid webhook payload")
)

// WebhookVerifier authenticates webhook deliveries and extracts order-paid
// events.
type WebhookVerifier struct {
	signingKey []byte
	tolerance  time.Duration
	nowFn      func() time.Time
}

// VerifierOption configures a WebhookVerifier.
type VerifierOption func(*WebhookVerifier)

// WithTimestampTolerance overrides the accepted delivery time window.
func WithTimestampTolerance(tolerance time.Duration) VerifierOption {
	return func(verifier *WebhookVerifier) {
		if tolerance > 0 {
			verifier.tolerance = tolerance
		}
	}
}

// WithNowFunc overrides the clock used for timestamp checks.
func WithNowFunc(nowFn func() time.Time) VerifierOption {
	return func(verifier *WebhookVerifier) {
		if nowFn != nil {
			verifier.nowFn = nowFn
		}
	}
}

// NewWebhookVerifier parses a whsec_ signing secret.
func NewWebhookVerifier(secret string, options ...VerifierOption) (*WebhookVerifier, error) {
	trimmed := strings.TrimSpace(secret)
	if !strings.HasPrefix(trimmed, secretPrefix) {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidWebhookSecret, secretPrefix)
	}
	signingKey, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(trimmed, secretPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhookSecret, err)
	}
	verifier := &WebhookVerifier{
		signingKey: signingKey,
		tolerance:  defaultTimestampTolerance,
		nowFn:      time.Now,
	}
	for _, option := range options {
		option(verifier)
	}
	return verifier, nil
}

// Verify checks the delivery headers against the payload bytes.
func (verifier *WebhookVerifier) Verify(payload []byte, headers http.Header) error {
	deliveryID := strings.TrimSpace(headers.Get(headerWebhookID))
	timestampValue := strings.TrimSpace(headers.Get(headerWebhookTimestamp))
	signatureHeader := strings.TrimSpace(headers.Get(headerWebhookSignature))
	if deliveryID == "" || timestampValue == "" || signatureHeader == "" {
		return ErrInvalidSignature
	}

	timestampUnix, err := strconv.ParseInt(timestampValue, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	age := verifier.nowFn().UTC().Sub(time.Unix(timestampUnix, 0).UTC())
	if age > verifier.tolerance || age < -verifier.tolerance {
		return ErrStaleTimestamp
	}

	signedContent := deliveryID + "." + timestampValue + "." + string(payload)
	mac := hmac.New(sha256.New, verifier.signingKey)
	_, _ = mac.Write([]byte(signedContent))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	for _, candidate := range strings.Fields(signatureHeader) {
		if !strings.HasPrefix(candidate, signatureVersionPrefix) {
			continue
		}
		signature := strings.TrimPrefix(candidate, signatureVersionPrefix)
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

type webhookEvent struct {
	Type string           `json:"type"`
	Data webhookOrderData `json:"data"`
}

type webhookOrderData struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	ProductID string          `json:"product_id"`
	CreatedAt string          `json:"created_at"`
	Customer  webhookCustomer `json:"customer"`
}

type webhookCustomer struct {
	ExternalID string `json:"external_id"`
}

// ParseOrderPaid decodes a verified payload into a top-up event. Event types
// other than order.paid surface ErrEventIgnored so callers can acknowledge
// them without crediting anything.
func ParseOrderPaid(payload []byte) (tokens.TopupEvent, error) {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return tokens.TopupEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(event.Type) != eventTypeOrderPaid {
		return tokens.TopupEvent{}, ErrEventIgnored
	}

	orderID, err := tokens.NewOrderID(event.Data.ID)
	if err != nil {
		return tokens.TopupEvent{}, fmt.Errorf("%w: order id: %v", ErrInvalidPayload, err)
	}
	profileID, err := tokens.NewProfileID(event.Data.Customer.ExternalID)
	if err != nil {
		return tokens.TopupEvent{}, fmt.Errorf("%w: customer external id: %v", ErrInvalidPayload, err)
	}
	productID, err := tokens.NewProductID(event.Data.ProductID)
	if err != nil {
		return tokens.TopupEvent{}, fmt.Errorf("%w: product id: %v", ErrInvalidPayload, err)
	}
	rawPayload, err := tokens.NewRawPayloadJSON(string(payload))
	if err != nil {
		return tokens.TopupEvent{}, fmt.Errorf("%w: raw payload: %v", ErrInvalidPayload, err)
	}

	return tokens.TopupEvent{
		OrderID:        orderID,
		ProfileID:      profileID,
		ProductID:      productID,
		Status:         strings.TrimSpace(event.Data.Status),
		CreatedUnixUTC: parseCreatedAt(event.Data.CreatedAt),
		RawPayload:     rawPayload,
	}, nil
}

func parseCreatedAt(value string) int64 {
	parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return parsed.UTC().Unix()
}
