package models

import "time"

type WebhookSubscription struct {
	ID                  string     `json:"id"`
	EventType           string     `json:"event_type"`
	URL                 string     `json:"url"`
	Description         string     `json:"description"`
	Secret              string     `json:"secret,omitempty"`
	Enabled             bool       `json:"enabled"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	SuccessCount        int64      `json:"success_count"`
	ErrorCount          int64      `json:"error_count"`
	LastTriggeredAt     *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// SuccessRate is a percentage; zero when nothing has been delivered yet.
func (s *WebhookSubscription) SuccessRate() float64 {
	total := s.SuccessCount + s.ErrorCount
	if total == 0 {
		return 0
	}
	return float64(s.SuccessCount) / float64(total) * 100
}
