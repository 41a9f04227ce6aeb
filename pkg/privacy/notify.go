package privacy

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
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gymdesk/pkg/sanitize"
)

// Notifier delivers verification tokens to requesters
type Notifier interface {
	SendVerification(ctx context.Context, r *Request, token string) error
}

// Webhook headers set on every verification delivery
const (
	HeaderEvent     = "X-Gymdesk-Event"
	HeaderDelivery  = "X-Gymdesk-Delivery"
	HeaderAttempt   = "X-Gymdesk-Attempt"
	HeaderSignature = "X-Gymdesk-Signature"

	VerificationEvent = "privacy_request.verification"
)

// WebhookConfig configures WebhookNotifier. Zero durations and attempts
// fall back to the defaults below.
type WebhookConfig struct {
	URL          string
	Secret       string
	Timeout      time.Duration
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

const (
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookAttempts = 3
	defaultRetryDelay      = 250 * time.Millisecond
	defaultMaxRetryDelay   = 2 * time.Second
)

// VerificationMessage is the body posted to the verification webhook. The
// receiving mailer sends Token to RequesterEmail.
type VerificationMessage struct {
	Event          string      `json:"event"`
	DeliveryID     string      `json:"delivery_id"`
	RequestID      string      `json:"request_id"`
	OrganizationID string      `json:"organization_id"`
	RequestType    RequestType `json:"request_type"`
	RequesterEmail string      `json:"requester_email"`
	Token          string      `json:"token"`
	ExpiresAt      time.Time   `json:"expires_at"`
}

// WebhookNotifier posts verification tokens, HMAC signed, to a mail
// relay. Network errors, 429 and 5xx responses are retried with
// exponential backoff inside the caller's context.
type WebhookNotifier struct {
	cfg    WebhookConfig
	client *http.Client
	logger logrus.FieldLogger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewWebhookNotifier creates a webhook notifier
func NewWebhookNotifier(cfg WebhookConfig, logger logrus.FieldLogger) *WebhookNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultWebhookAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaultRetryDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxRetryDelay
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &WebhookNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type deliveryError struct {
	status int
}

func (e *deliveryError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.status)
}

func retryable(err error) bool {
	var de *deliveryError
	if errors.As(err, &de) {
		return de.status == http.StatusTooManyRequests || de.status >= 500
	}
	return true
}

// retryDelay is InitialDelay doubled per failed attempt, capped at MaxDelay
func (n *WebhookNotifier) retryDelay(attempt int) time.Duration {
	d := float64(n.cfg.InitialDelay) * math.Pow(2, float64(attempt-1))
	if d > float64(n.cfg.MaxDelay) {
		return n.cfg.MaxDelay
	}
	return time.Duration(d)
}

func (n *WebhookNotifier) SendVerification(ctx context.Context, r *Request, token string) error {
	msg := VerificationMessage{
		Event:          VerificationEvent,
		DeliveryID:     uuid.New().String(),
		RequestID:      r.ID,
		OrganizationID: r.OrganizationID,
		RequestType:    r.RequestType,
		RequesterEmail: r.RequesterEmail,
		Token:          token,
		ExpiresAt:      r.VerificationExpiresAt,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal verification message: %w", err)
	}
	signature := SignWebhookPayload(payload, n.cfg.Secret)
	log := n.logger.WithFields(logrus.Fields{"request_id": r.ID, "delivery_id": msg.DeliveryID})

	for attempt := 1; ; attempt++ {
		err = n.post(ctx, payload, signature, msg.DeliveryID, attempt)
		if err == nil {
			log.WithField("attempt", attempt).Info("Privacy request verification delivered")
			return nil
		}
		if attempt >= n.cfg.MaxAttempts || ctx.Err() != nil || !retryable(err) {
			return fmt.Errorf("%w after %d attempt(s): %v", ErrDeliveryFailed, attempt, err)
		}
		delay := n.retryDelay(attempt)
		log.WithError(err).WithFields(logrus.Fields{"attempt": attempt, "retry_in": delay}).
			Warn("Verification webhook failed, retrying")
		if err := n.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		}
	}
}

func (n *WebhookNotifier) post(ctx context.Context, payload []byte, signature, deliveryID string, attempt int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, VerificationEvent)
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))
	req.Header.Set(HeaderSignature, signature)

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &deliveryError{status: resp.StatusCode}
	}
	return nil
}

// SignWebhookPayload returns "sha256=" and the hex HMAC of payload
func SignWebhookPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks a signature produced by SignWebhookPayload
func VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(SignWebhookPayload(payload, secret)), []byte(signature))
}

// LogNotifier is the development fallback when no webhook is configured.
// It cannot reach requesters: the token is logged masked.
type LogNotifier struct {
	logger logrus.FieldLogger
}

// NewLogNotifier creates a notifier that only logs
func NewLogNotifier(logger logrus.FieldLogger) *LogNotifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendVerification(_ context.Context, r *Request, token string) error {
	n.logger.WithFields(logrus.Fields{
		"request_id":      r.ID,
		"organization_id": r.OrganizationID,
		"requester_email": sanitize.MaskSensitive(r.RequesterEmail, 3),
		"token":           sanitize.MaskSensitive(token, 4),
		"expires_at":      r.VerificationExpiresAt,
	}).Warn("No verification delivery configured; token was not sent to the requester")
	return nil
}
