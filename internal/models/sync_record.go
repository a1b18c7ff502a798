package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type EntityType string

const (
	EntityProduct EntityType = "product"
	EntityOrder   EntityType = "order"
)

func (t EntityType) Valid() bool {
	return t == EntityProduct || t == EntityOrder
}

type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// SyncKey identifies one entity against one marketplace.
type SyncKey struct {
	EntityID    string     `json:"entity_id"`
	EntityType  EntityType `json:"entity_type"`
	Marketplace string     `json:"marketplace"`
}

func (k SyncKey) String() string {
	return fmt.Sprintf("%s/%s@%s", k.EntityType, k.EntityID, k.Marketplace)
}

type SyncRecord struct {
	ID            string          `json:"id"`
	EntityID      string          `json:"entity_id"`
	EntityType    EntityType      `json:"entity_type"`
	Marketplace   string          `json:"marketplace"`
	Status        SyncStatus      `json:"status"`
	ExternalID    *string         `json:"external_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	AttemptCount  int             `json:"attempt_count"`
	LastError     *string         `json:"last_error,omitempty"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	LastSuccessAt *time.Time      `json:"last_success_at,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	Version       int64           `json:"version"`
	// ClaimID names the push that holds the lease; ClaimedUntil is when it
	// lapses. Both are nil while nobody is pushing.
	ClaimID      *string    `json:"-"`
	ClaimedUntil *time.Time `json:"claimed_until,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (r *SyncRecord) Key() SyncKey {
	return SyncKey{EntityID: r.EntityID, EntityType: r.EntityType, Marketplace: r.Marketplace}
}
