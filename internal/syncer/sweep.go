package syncer

import (
	"time"

	"github.com/meschain/syncrelay/internal/models"
)

const sweepBatch = 100

func (c *Coordinator) sweepLoop() {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep re-enqueues records nobody is working on: pending ones that went
// stale (a crash between request and push) and failed ones whose retry
// is due (a restart during backoff).
func (c *Coordinator) sweep() int {
	now := time.Now().UTC()
	records, err := c.store.ListRecoverableSyncRecords(c.ctx, now.Add(-c.cfg.StaleAfter), now, sweepBatch)
	if err != nil {
		if c.ctx.Err() == nil {
			c.log.Error().Err(err).Msg("failed to list recoverable sync records")
		}
		return 0
	}

	resumed := 0
	for i := range records {
		rec := &records[i]
		key := rec.Key()

		c.mu.Lock()
		if _, ok := c.inflight[key]; ok {
			c.mu.Unlock()
			continue
		}
		h := newHandle(key, rec.Payload)
		// An automatic retry in progress keeps its spent budget.
		if rec.Status == models.SyncFailed {
			h.attempts = rec.AttemptCount
		}
		c.inflight[key] = h
		c.mu.Unlock()

		if !c.tryEnqueue(h) {
			c.abandon(h, nil)
			break
		}
		resumed++
	}

	if resumed > 0 {
		c.log.Info().Int("count", resumed).Msg("resumed sync records")
	}
	return resumed
}
