package models

import "time"

// RateLimitRecord is the failure history of one (identifier, endpoint) pair.
type RateLimitRecord struct {
	Identifier   string     `json:"identifier"`
	Endpoint     string     `json:"endpoint"`
	Attempts     int        `json:"attempts"`
	LastAttempt  time.Time  `json:"last_attempt"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
