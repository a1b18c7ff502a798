package syncer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/meschain/syncrelay/internal/models"
)

// Handle tracks one in-flight sync for a key. Every request that arrives
// while the key is in flight gets the same handle.
type Handle struct {
	key   models.SyncKey
	since time.Time
	done  chan struct{}

	// guarded by Coordinator.mu
	payload  json.RawMessage
	pushing  bool
	rerun    bool
	attempts int
	// contended is set once another process was found pushing the key.
	contended bool

	// written once before done is closed
	record *models.SyncRecord
	err    error
}

func newHandle(key models.SyncKey, payload json.RawMessage) *Handle {
	return &Handle{
		key:     key,
		since:   time.Now().UTC(),
		done:    make(chan struct{}),
		payload: payload,
	}
}

func (h *Handle) Key() models.SyncKey {
	return h.key
}

// Done is closed once the sync reached synced, failed terminally or was
// abandoned on shutdown.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the handle completes or ctx is done. The returned
// record is the final durable state; err is the last push error for a
// terminal failure.
func (h *Handle) Wait(ctx context.Context) (*models.SyncRecord, error) {
	select {
	case <-h.done:
		return h.record, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) complete(rec *models.SyncRecord, err error) {
	h.record = rec
	h.err = err
	close(h.done)
}
