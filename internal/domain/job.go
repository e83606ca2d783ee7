package domain

import (
	"encoding/json"
	"time"
)

// Job is a queue message.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	DedupKey   string          `json:"dedupKey,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	Delay      time.Duration   `json:"delay,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	LastError  string          `json:"lastError,omitempty"`

	// Receipt is the broker's delivery handle, set on consume.
	Receipt string `json:"-"`
}

// QueueSpec declares how the broker stores a queue.
type QueueSpec struct {
	Name string
	// Persistent queues keep every message until acknowledged. Non-persistent
	// queues are capped at MaxLen and drop the oldest entries under pressure.
	Persistent bool
	MaxLen     int64
}

// ConsumeOptions bounds a single fetch from the broker.
type ConsumeOptions struct {
	Prefetch int
	Block    time.Duration
}

// QueueStats is a point-in-time view of one queue.
type QueueStats struct {
	Queue       string `json:"queue"`
	Ready       int64  `json:"ready"`
	Delayed     int64  `json:"delayed"`
	InFlight    int64  `json:"inFlight"`
	DeadLetters int64  `json:"deadLetters"`
}
