package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/meschain/syncrelay/internal/errors"
	"github.com/meschain/syncrelay/internal/models"
)

type HTTPOptions struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
}

// HTTPAdapter posts entities as JSON to {endpoint}/{entityType}s and reads
// {"external_id": "..."} back.
type HTTPAdapter struct {
	name     string
	endpoint string
	token    string
	client   *http.Client
}

func NewHTTPAdapter(name string, opts HTTPOptions) *HTTPAdapter {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPAdapter{
		name:     name,
		endpoint: strings.TrimSuffix(opts.Endpoint, "/"),
		token:    opts.Token,
		client:   &http.Client{Timeout: timeout},
	}
}

type pushRequest struct {
	EntityID   string            `json:"entity_id"`
	EntityType models.EntityType `json:"entity_type"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
}

type pushResponse struct {
	ExternalID string `json:"external_id"`
}

func (a *HTTPAdapter) Push(ctx context.Context, entityType models.EntityType, entityID string, payload json.RawMessage) (string, error) {
	body, err := json.Marshal(pushRequest{EntityID: entityID, EntityType: entityType, Payload: payload})
	if err != nil {
		return "", apperrors.Permanent(fmt.Errorf("encode %s %s: %w", entityType, entityID, err))
	}

	url := fmt.Sprintf("%s/%ss", a.endpoint, entityType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", apperrors.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "MesChain-Sync/1.0")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", apperrors.Retryable(fmt.Errorf("%s: request failed: %w", a.name, err))
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apperrors.FromStatus(resp.StatusCode, truncate(string(raw), 512))
	}

	var out pushResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", apperrors.Permanent(fmt.Errorf("%s: invalid response body: %w", a.name, err))
	}
	if out.ExternalID == "" {
		return "", apperrors.Permanent(fmt.Errorf("%s: response has no external_id", a.name))
	}
	return out.ExternalID, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
