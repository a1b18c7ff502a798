package models

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	EventEntitySynced        = "entity.synced"
	EventEntitySyncExhausted = "entity.sync_exhausted"
	EventEntitySyncFailed    = "entity.sync_failed"
	EventWebhookTest         = "webhook.test"
)

// KnownEventTypes lists the event types offered to operators when
// registering a webhook. Subscriptions are not limited to these.
var KnownEventTypes = []string{
	"order.created",
	"order.updated",
	"order.cancelled",
	"product.approved",
	"product.rejected",
	"inventory.updated",
	"payment.completed",
	EventEntitySynced,
	EventEntitySyncExhausted,
	EventEntitySyncFailed,
	EventWebhookTest,
}

type DomainEvent struct {
	ID        string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// MatchesEventType reports whether a subscription for pattern receives
// eventType. "*" matches everything, "order.*" matches "order.created".
func MatchesEventType(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, ".*")
		return strings.HasPrefix(eventType, prefix+".")
	}
	return false
}
