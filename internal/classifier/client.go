// Package classifier calls the upstream text classifier that labels inbound
// messages with intent, urgency and frustration.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds one classification call.
const DefaultTimeout = 5 * time.Second

// Client talks to the classifier over HTTP JSON.
type Client struct {
	endpoint string
	client   *http.Client
}

// New creates a Client posting to endpoint. A non-positive timeout uses
// DefaultTimeout.
func New(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type classifyRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// Classify labels one message. Every failure, including timeouts, non-2xx
// responses and malformed bodies, wraps models.ErrClassificationUnavailable.
func (c *Client) Classify(ctx context.Context, conversationID, text string) (*models.Classification, error) {
	body, err := json.Marshal(classifyRequest{ConversationID: conversationID, Message: text})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", models.ErrClassificationUnavailable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", models.ErrClassificationUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "EduChat-Assignment/1.0")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrClassificationUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: HTTP %d: %s", models.ErrClassificationUnavailable, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var cls models.Classification
	if err := json.NewDecoder(resp.Body).Decode(&cls); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", models.ErrClassificationUnavailable, err)
	}
	normalize(&cls)

	log.Debug().
		Str("conversation", conversationID).
		Str("intent", cls.Intent).
		Str("urgency", string(cls.Urgency)).
		Int("frustration", cls.FrustrationLevel).
		Dur("latency", time.Since(start)).
		Msg("Message classified")
	return &cls, nil
}

// normalize clamps out-of-range fields the classifier may return.
func normalize(cls *models.Classification) {
	cls.FrustrationLevel = min(max(cls.FrustrationLevel, 0), 10)
	cls.Confidence = min(max(cls.Confidence, 0), 100)
	switch cls.Urgency {
	case models.UrgencyLow, models.UrgencyNormal, models.UrgencyHigh, models.UrgencyCritical:
	default:
		cls.Urgency = models.UrgencyNormal
	}
}
