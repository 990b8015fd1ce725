package service

import "time"

// ModeParams selects a heater operating mode.
type ModeParams struct {
	DevID string
	Addr  string
	Mode  string // "auto" | "manual" | "off"
}

// SetpointParams sets a manual target temperature. Applying a setpoint
// always forces manual mode; the backend ignores stemp otherwise.
type SetpointParams struct {
	DevID string
	Addr  string
	TempC float64
}

// PresetParams replaces the three program temperatures.
// Slot order is fixed: 0 cold, 1 night, 2 day.
type PresetParams struct {
	DevID  string
	Addr   string
	TempsC []float64
}

// ScheduleParams replaces the weekly program: one slot per hour,
// Monday 00:00 first, each slot a preset index 0..2.
type ScheduleParams struct {
	DevID string
	Addr  string
	Slots []int
}

// LogFilter supports history filtering by time range and type.
type LogFilter struct {
	From time.Time // inclusive; zero means no lower bound
	To   time.Time // inclusive; zero means no upper bound
	Type string    // "", "WS_UP", "WS_DOWN", "COMMAND", "WRITE_TIMEOUT", "AUTH", "ERROR"
}
