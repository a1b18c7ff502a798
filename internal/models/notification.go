package models

import "time"

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

const (
	NotifyDeliveryFailed = "delivery_failed"
	NotifyCircuitOpened  = "circuit_opened"
	NotifySyncFailed     = "sync_failed"
	NotifySyncRecovered  = "sync_recovered"
	NotifyWebhookTest    = "webhook_test"
	NotifyLogsPruned     = "logs_pruned"
)

type Notification struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Severity  Severity          `json:"severity"`
	Read      bool              `json:"read"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
