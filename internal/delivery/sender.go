package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/meschain/syncrelay/internal/config"
	apperrors "github.com/meschain/syncrelay/internal/errors"
	"github.com/meschain/syncrelay/internal/models"
	"github.com/meschain/syncrelay/internal/signing"
)

const (
	HeaderEventID   = "X-Event-ID"
	HeaderEventType = "X-Event-Type"
	HeaderDelivery  = "X-Delivery-ID"
	HeaderAttempt   = "X-Delivery-Attempt"
)

// Envelope is the JSON body every subscriber receives.
type Envelope struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	EmittedAt time.Time       `json:"emitted_at"`
	Payload   json.RawMessage `json:"payload"`
}

type Request struct {
	URL        string
	Secret     string
	DeliveryID string
	Attempt    int
	Event      *models.DomainEvent
}

type SendResult struct {
	StatusCode   int
	ResponseBody string
	RequestedAt  time.Time
	LatencyMs    int64
	Err          error
}

func (r *SendResult) Outcome() models.Outcome {
	switch {
	case r.Err == nil:
		return models.OutcomeSuccess
	case apperrors.IsRetryable(r.Err):
		return models.OutcomeRetryableFailure
	default:
		return models.OutcomePermanentFailure
	}
}

func (r *SendResult) ErrorString() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

type Sender struct {
	client    *http.Client
	userAgent string
	bodyLimit int64
}

func NewSender(cfg config.DeliveryConfig) *Sender {
	limit := int64(cfg.ResponseBodyLimit)
	if limit <= 0 {
		limit = 1024
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "MesChain-Sync/1.0"
	}
	return &Sender{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		userAgent: ua,
		bodyLimit: limit,
	}
}

func (s *Sender) Send(ctx context.Context, r Request) *SendResult {
	start := time.Now()
	result := &SendResult{RequestedAt: start.UTC()}

	body, err := json.Marshal(Envelope{
		EventID:   r.Event.ID,
		EventType: r.Event.EventType,
		EmittedAt: r.Event.EmittedAt.UTC(),
		Payload:   r.Event.Payload,
	})
	if err != nil {
		result.Err = apperrors.Permanent(fmt.Errorf("failed to encode envelope: %w", err))
		return result
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		result.Err = apperrors.Permanent(fmt.Errorf("failed to create request: %w", err))
		result.LatencyMs = time.Since(start).Milliseconds()
		return result
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set(HeaderEventID, r.Event.ID)
	req.Header.Set(HeaderEventType, r.Event.EventType)
	req.Header.Set(HeaderDelivery, r.DeliveryID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(r.Attempt))
	req.Header.Set(signing.Header, signing.Sign(r.Secret, body))

	resp, err := s.client.Do(req)
	if err != nil {
		result.Err = apperrors.Retryable(fmt.Errorf("request failed: %w", err))
		result.LatencyMs = time.Since(start).Milliseconds()
		return result
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, s.bodyLimit))
	// drain the rest so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)

	result.StatusCode = resp.StatusCode
	result.ResponseBody = string(respBody)
	result.LatencyMs = time.Since(start).Milliseconds()
	if !IsSuccess(resp.StatusCode) {
		result.Err = apperrors.FromStatus(resp.StatusCode, result.ResponseBody)
	}
	return result
}
