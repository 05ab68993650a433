// Package platform talks to the Whop commerce platform: it verifies the
// identity tokens users log in with and executes real-money charges. This
// service only records the intent and result of a charge.
package platform

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Charge statuses reported by the platform.
const (
	ChargeSucceeded = "succeeded"
	ChargePending   = "pending"
	ChargeFailed    = "failed"
)

// Webhook event types.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
)

// Charge metadata keys. The platform echoes them back on webhooks so a
// payment can be matched to its purchase before the charge call returns.
const (
	MetaUserID         = "user_id"
	MetaIdempotencyKey = "idempotency_key"
)

// SignatureHeader carries the hex HMAC-SHA256 of a webhook body.
const SignatureHeader = "X-Whop-Signature"

var (
	// ErrInvalidToken is returned when the platform rejects a login token.
	ErrInvalidToken = errors.New("platform: invalid token")
	// ErrBadSignature is returned when a webhook signature does not match.
	ErrBadSignature = errors.New("platform: bad webhook signature")
)

// User is the identity the platform vouches for.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// ChargeResult is the platform's answer to a charge request.
type ChargeResult struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

// Client is the subset of the platform API the game uses.
type Client interface {
	VerifyToken(ctx context.Context, token string) (*User, error)
	Charge(ctx context.Context, userID string, amount decimal.Decimal, idempotencyKey string) (*ChargeResult, error)
}

// HTTPClient calls the platform's REST API.
type HTTPClient struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewHTTPClient creates an API client with a bounded request timeout.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// VerifyToken exchanges a user's platform token for their identity.
func (c *HTTPClient) VerifyToken(ctx context.Context, token string) (*User, error) {
	var out User
	status, err := c.do(ctx, http.MethodPost, "/v1/auth/verify", "", map[string]string{"token": token}, &out)
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, ErrInvalidToken
	}
	return &out, nil
}

// Charge asks the platform to charge the user. The idempotency key makes
// retries safe.
func (c *HTTPClient) Charge(ctx context.Context, userID string, amount decimal.Decimal, idempotencyKey string) (*ChargeResult, error) {
	body := map[string]any{
		"user_id":  userID,
		"amount":   amount.StringFixed(2),
		"currency": "usd",
		"metadata": map[string]string{
			MetaUserID:         userID,
			MetaIdempotencyKey: idempotencyKey,
		},
	}
	var out ChargeResult
	if _, err := c.do(ctx, http.MethodPost, "/v1/payments", idempotencyKey, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path, idempotencyKey string, in, out any) (int, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("platform %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		slog.Warn("platform request failed", "path", path, "status", resp.StatusCode)
		return resp.StatusCode, fmt.Errorf("platform %s %s returned %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode platform response: %w", err)
	}
	return resp.StatusCode, nil
}

// Fake is an in-process platform for development and tests. Tokens of the
// form "dev:<user id>" log in as that user; every charge succeeds unless
// its amount is listed in Decline.
type Fake struct {
	mu      sync.Mutex
	Decline map[string]bool // amount.StringFixed(2) → declined
	Pending bool            // report charges as pending, awaiting the webhook
	charges map[string]*ChargeResult
}

// NewFake creates a Fake platform.
func NewFake() *Fake {
	return &Fake{Decline: map[string]bool{}, charges: map[string]*ChargeResult{}}
}

func (f *Fake) VerifyToken(_ context.Context, token string) (*User, error) {
	id, ok := strings.CutPrefix(token, "dev:")
	if !ok || id == "" {
		return nil, ErrInvalidToken
	}
	return &User{ID: id, DisplayName: id}, nil
}

func (f *Fake) Charge(_ context.Context, _ string, amount decimal.Decimal, idempotencyKey string) (*ChargeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.charges[idempotencyKey]; ok {
		return r, nil
	}
	r := &ChargeResult{PaymentID: "pay_" + uuid.New().String(), Status: ChargeSucceeded}
	switch {
	case f.Decline[amount.StringFixed(2)]:
		r.Status = ChargeFailed
	case f.Pending:
		r.Status = ChargePending
	}
	f.charges[idempotencyKey] = r
	return r, nil
}

// WebhookEvent is the body the platform posts when a payment resolves.
type WebhookEvent struct {
	Type string `json:"type"`
	Data struct {
		PaymentID string            `json:"payment_id"`
		Metadata  map[string]string `json:"metadata,omitempty"`
	} `json:"data"`
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhook checks the signature over body and decodes the event.
func ParseWebhook(secret string, body []byte, signature string) (*WebhookEvent, error) {
	want := Sign(secret, body)
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(strings.TrimSpace(signature)))) {
		return nil, ErrBadSignature
	}
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	return &ev, nil
}
