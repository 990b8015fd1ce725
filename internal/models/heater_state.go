package models

import "time"

// Shape invariants for heater programs and presets.
const (
	ScheduleSlots = 168 // one tri-state entry per hour, Monday 00:00 is index 0
	PresetCount   = 3   // [cold, night, day]
)

// Weekly program slot values.
const (
	ProgCold  = 0
	ProgNight = 1
	ProgDay   = 2
)

// Origin of the observation that last touched a state.
const (
	SourcePush  = "push"
	SourcePoll  = "poll"
	SourceCache = "cache"
)

// HeaterState is the merged best-known view of one heater node.
type HeaterState struct {
	DevID     string    `json:"dev_id"`
	Addr      string    `json:"addr"`
	Name      string    `json:"name,omitempty"`
	Mode      string    `json:"mode"`  // auto | manual | off
	State     string    `json:"state"` // vendor heating state, e.g. "on" / "off"
	MTemp     float64   `json:"mtemp"` // measured temperature
	STemp     float64   `json:"stemp"` // target temperature
	Units     string    `json:"units"` // C | F
	PTemp     []float64 `json:"ptemp,omitempty"` // presets [cold, night, day]
	Prog      []int     `json:"prog,omitempty"`  // 168 slots of 0|1|2
	Priority  string    `json:"priority,omitempty"`
	MaxPower  float64   `json:"max_power,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Source    string    `json:"source,omitempty"`
}

// StateUpdate is emitted on every change to a heater's stored state.
type StateUpdate struct {
	DevID  string      `json:"dev_id"`
	Addr   string      `json:"addr"`
	State  HeaterState `json:"state"`
	Source string      `json:"source"`
}
