package models

import "time"

// DeviceStatus describes one device's sync health for the status endpoint.
type DeviceStatus struct {
	DevID         string    `json:"dev_id"`
	Realtime      string    `json:"realtime"` // disconnected | handshaking | connected | streaming
	Healthy       bool      `json:"healthy"`  // streaming long enough to stretch polling
	Frames        int64     `json:"frames"`
	Events        int64     `json:"events"`
	LastEventAt   time.Time `json:"last_event_at,omitempty"`
	PollInterval  string    `json:"poll_interval"` // cadence currently in effect
	PendingWrites int       `json:"pending_writes"`
}

// BridgeStatus is the aggregate view returned by GET /status.
type BridgeStatus struct {
	StartedAt time.Time      `json:"started_at"`
	Devices   []DeviceStatus `json:"devices"`
}
