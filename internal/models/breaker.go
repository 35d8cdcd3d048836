package models

import "time"

type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "CLOSED"
	BreakerOpen     BreakerStatus = "OPEN"
	BreakerHalfOpen BreakerStatus = "HALF_OPEN"
)

type CircuitBreakerState struct {
	Name                string        `json:"name"`
	State               BreakerStatus `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenCount           int           `json:"open_count"`
	LastOpenedAt        time.Time     `json:"last_opened_at"`
	NextRetryAt         time.Time     `json:"next_retry_at"`
	ManualReset         bool          `json:"manual_reset"`
}
