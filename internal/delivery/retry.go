package delivery

import (
	"time"

	"github.com/meschain/syncrelay/internal/config"
	"github.com/meschain/syncrelay/internal/retry"
)

func retryPolicy(cfg config.DeliveryConfig) retry.Policy {
	return retry.Policy{
		BaseDelay: cfg.BaseDelay,
		MaxDelay:  cfg.MaxDelay,
		Jitter:    cfg.Jitter,
	}
}

// NextAttemptAt is when attempt number attempt+1 becomes due, or nil when
// the cycle has used its budget.
func NextAttemptAt(p retry.Policy, now time.Time, attempt, maxAttempts int) *time.Time {
	if attempt >= maxAttempts {
		return nil
	}
	t := p.NextAt(now, attempt)
	return &t
}

func IsSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
