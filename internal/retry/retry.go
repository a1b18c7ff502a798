package retry

import (
	"context"
	"math/rand"
	"time"
)

var DefaultPolicy = Policy{
	BaseDelay: 2 * time.Second,
	MaxDelay:  5 * time.Minute,
	Jitter:    0.2,
}

// Policy computes exponential backoff delays: BaseDelay * 2^attempt,
// capped at MaxDelay, then spread by ±Jitter (a fraction of the delay).
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64
}

// Delay returns the wait before the next try after attempt failures.
// attempt is 1-indexed: Delay(1) is the wait after the first failure.
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.Jitter > 0 {
		spread := float64(d) * p.Jitter
		d += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	if d < 0 {
		d = 0
	}
	return d
}

// NextAt is Delay expressed as an absolute UTC time.
func (p Policy) NextAt(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt)).UTC()
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
