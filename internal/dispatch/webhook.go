package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type WebhookSender interface {
	Send(ctx context.Context, req WebhookRequest) WebhookResult
}

type WebhookRequest struct {
	URL        string
	Secret     string
	Timeout    time.Duration
	Payload    WebhookPayload
	DeliveryID string
}

// WebhookPayload is the notification body posted to a subscriber.
type WebhookPayload struct {
	Profile    string  `json:"profile"`
	KillmailID int64   `json:"killmail_id"`
	Hash       string  `json:"hash"`
	KillTime   string  `json:"kill_time"`
	SystemID   int32   `json:"solar_system_id"`
	TotalValue float64 `json:"total_value"`
	Points     int     `json:"points"`
	NPC        bool    `json:"npc"`
	Solo       bool    `json:"solo"`

	Victim VictimPayload `json:"victim"`

	// Detail is present only when the killmail has a resolved enrichment.
	Detail *DetailPayload `json:"detail,omitempty"`

	// TriggerReasons names the profile clauses this killmail matched.
	TriggerReasons []string `json:"trigger_reasons"`

	Attempt int    `json:"attempt"`
	FiredAt string `json:"fired_at"`
}

type VictimPayload struct {
	CharacterID   int64 `json:"character_id,omitempty"`
	CorporationID int64 `json:"corporation_id,omitempty"`
	AllianceID    int64 `json:"alliance_id,omitempty"`
	ShipTypeID    int32 `json:"ship_type_id"`
}

type DetailPayload struct {
	DamageTaken          int64 `json:"damage_taken"`
	AttackerCount        int   `json:"attacker_count"`
	FinalBlowCharacterID int64 `json:"final_blow_character_id,omitempty"`
}

type WebhookResult struct {
	StatusCode int
	Error      error
	Duration   time.Duration
}

func (r WebhookResult) IsSuccess() bool {
	return r.Error == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

func (r WebhookResult) IsRetryable() bool {
	if r.Error != nil {
		return true
	}
	if r.StatusCode == 429 {
		return true
	}
	return r.StatusCode >= 500
}

type HTTPWebhookSender struct {
	client *http.Client
}

func NewHTTPWebhookSender() *HTTPWebhookSender {
	return &HTTPWebhookSender{
		client: &http.Client{},
	}
}

// Send posts the webhook payload with HMAC signature.
// Headers: X-Killfeed-Delivery-ID, X-Killfeed-Killmail-ID, X-Killfeed-Signature
func (s *HTTPWebhookSender) Send(ctx context.Context, req WebhookRequest) WebhookResult {
	start := time.Now()

	body, err := json.Marshal(req.Payload)
	if err != nil {
		return WebhookResult{Error: fmt.Errorf("marshal: %w", err), Duration: time.Since(start)}
	}

	signature := computeSignature(req.Secret, body)

	timeout := req.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return WebhookResult{Error: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Killfeed-Delivery-ID", req.DeliveryID)
	httpReq.Header.Set("X-Killfeed-Killmail-ID", fmt.Sprintf("%d", req.Payload.KillmailID))
	httpReq.Header.Set("X-Killfeed-Signature", signature)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return WebhookResult{Error: fmt.Errorf("send: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	return WebhookResult{StatusCode: resp.StatusCode, Duration: time.Since(start)}
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for subscribers to verify incoming webhooks.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
