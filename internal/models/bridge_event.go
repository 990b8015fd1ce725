package models

import "time"

// Bridge event types.
const (
	EventWSUp         = "WS_UP"
	EventWSDown       = "WS_DOWN"
	EventCommand      = "COMMAND"
	EventWriteTimeout = "WRITE_TIMEOUT"
	EventAuth         = "AUTH"
	EventError        = "ERROR"
)

// BridgeEvent is a single log entry.
type BridgeEvent struct {
	EventID     string    `json:"event_id"`
	OccurredAt  time.Time `json:"occurred_at"`
	Type        string    `json:"type"`        // WS_UP | WS_DOWN | COMMAND | WRITE_TIMEOUT | AUTH | ERROR
	Description string    `json:"description"` // human-readable
	Metadata    any       `json:"metadata,omitempty"`
}
