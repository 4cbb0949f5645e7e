package chatsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// WebhookSignatureHeader carries the HMAC-SHA256 signature of the body.
const WebhookSignatureHeader = "X-Chatsync-Signature"

// WebhookSource is the expected value of WebhookPayload.Source.
const WebhookSource = "chatsync"

// maxWebhookBody bounds the request body read by HTTPHandler.
const maxWebhookBody = 1 << 20

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookPayload is a server-pushed event delivered over HTTP.
type WebhookPayload struct {
	Source    string          `json:"source"`
	Event     string          `json:"event"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Decode converts the payload into a typed event. It returns (nil, nil) for
// events that carry no sync state.
func (p *WebhookPayload) Decode() (Event, error) {
	return decodeEvent(RealtimeEnvelope{Type: p.Event, Payload: p.Payload})
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies an HMAC-SHA256 signature of body, with or
// without the "sha256=" prefix. Comparison is constant-time.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := SignWebhookBody(body, secret)
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignWebhookBody returns the hex HMAC-SHA256 of body.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhookPayload parses and validates a raw webhook body.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if payload.Source != WebhookSource {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	if payload.Event == "" {
		return nil, fmt.Errorf("missing event field in webhook payload")
	}
	if len(payload.Payload) == 0 || string(payload.Payload) == "null" {
		return nil, fmt.Errorf("missing payload in webhook body")
	}
	return &payload, nil
}

// ============================================================================
// WebhookReceiver
// ============================================================================

// WebhookReceiver is an EventSource fed by signed HTTP callbacks. Pass it to
// Options.ExtraSources to merge webhook deliveries with the realtime feed.
type WebhookReceiver struct {
	secret string
	hub    *eventHub
	log    *zap.Logger
}

// NewWebhookReceiver creates a receiver that accepts bodies signed with secret.
func NewWebhookReceiver(secret string, logger *zap.Logger) (*WebhookReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("webhook")
	return &WebhookReceiver{
		secret: secret,
		hub:    newEventHub(log),
		log:    log,
	}, nil
}

// Subscribe returns a feed of verified webhook events.
func (w *WebhookReceiver) Subscribe() *Subscription {
	return w.hub.subscribe()
}

// Close closes every subscription.
func (w *WebhookReceiver) Close() {
	w.hub.closeAll()
}

// Verify verifies an HMAC-SHA256 signature.
func (w *WebhookReceiver) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes a webhook body (verify + parse + publish). Returns the
// status code and response body for the caller to write.
func (w *WebhookReceiver) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		w.log.Warn("webhook_signature_invalid")
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	ev, err := payload.Decode()
	if err != nil {
		w.log.Warn("webhook_event_malformed", zap.String("event", payload.Event), zap.Error(err))
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	if ev == nil {
		w.log.Debug("webhook_event_ignored", zap.String("event", payload.Event))
		return http.StatusAccepted, map[string]bool{"ignored": true}
	}

	w.hub.publish(ev)
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := chatsync.NewWebhookReceiver("secret", logger)
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *WebhookReceiver) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(WebhookSignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
