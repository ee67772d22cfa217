package model

import "time"

// MemorySnapshot samples process/system memory usage (spec.md §3, §4.4).
type MemorySnapshot struct {
	UsedBytes    uint64    `json:"usedBytes"`
	IsOverloaded bool      `json:"isOverloaded"`
	CreatedAt    time.Time `json:"createdAt"`
}

// CpuSnapshot samples CPU utilization.
type CpuSnapshot struct {
	UsedRatio    float64   `json:"usedRatio"`
	IsOverloaded bool      `json:"isOverloaded"`
	CreatedAt    time.Time `json:"createdAt"`
}

// EventLoopSnapshot samples scheduling/event-loop delay.
type EventLoopSnapshot struct {
	ExceededMillis float64   `json:"exceededMillis"`
	IsOverloaded   bool      `json:"isOverloaded"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ClientSnapshot samples rate-limit error signals from outbound requests.
type ClientSnapshot struct {
	RateLimitErrorCount int       `json:"rateLimitErrorCount"`
	IsOverloaded        bool      `json:"isOverloaded"`
	CreatedAt           time.Time `json:"createdAt"`
}
