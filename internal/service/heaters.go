package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"termobridge/internal/models"
	"termobridge/internal/repository"
	"termobridge/internal/store"
	"termobridge/internal/termoweb"
)

// Heater modes accepted by the backend.
const (
	ModeAuto   = "auto"
	ModeManual = "manual"
	ModeOff    = "off"
)

// Manual setpoint bounds in Celsius.
const (
	MinSetpointC = 5.0
	MaxSetpointC = 30.0
)

// Typed errors the handlers map onto HTTP statuses.
var (
	ErrValidation  = errors.New("validation failed")
	ErrUnknownNode = errors.New("unknown heater node")
)

// SettingsWriter is the slice of the vendor REST surface that heater
// commands need.
type SettingsWriter interface {
	SetHeaterSettings(ctx context.Context, devID, addr string, w termoweb.HeaterWrite) error
}

// HeaterService turns validated commands into partial settings writes.
// Writes to the same node are serialized so their pending-write entries
// never interleave.
type HeaterService struct {
	store  *store.Store
	cloud  SettingsWriter
	events repository.EventRepo

	mu    sync.Mutex
	locks map[store.Key]*sync.Mutex
}

func NewHeaterService(st *store.Store, cloud SettingsWriter, events repository.EventRepo) *HeaterService {
	return &HeaterService{
		store:  st,
		cloud:  cloud,
		events: events,
		locks:  make(map[store.Key]*sync.Mutex),
	}
}

// SetMode switches the heater's operating mode. Selecting manual keeps the
// heater's current setpoint; use SetSetpoint to change it.
func (s *HeaterService) SetMode(ctx context.Context, p ModeParams) error {
	switch p.Mode {
	case ModeAuto, ModeManual, ModeOff:
	default:
		return fmt.Errorf("%w: mode must be auto, manual or off", ErrValidation)
	}
	k, err := s.resolve(p.DevID, p.Addr)
	if err != nil {
		return err
	}

	mode := p.Mode
	w := termoweb.HeaterWrite{Mode: &mode, Units: s.units(k)}
	intent := store.Observation{Mode: &mode}

	return s.submit(ctx, k, "set mode "+p.Mode, w, intent, map[string]any{"mode": p.Mode})
}

// SetSetpoint sets a manual target temperature. The write carries
// mode=manual alongside stemp; the backend ignores a bare stemp otherwise.
func (s *HeaterService) SetSetpoint(ctx context.Context, p SetpointParams) error {
	if p.TempC < MinSetpointC || p.TempC > MaxSetpointC {
		return fmt.Errorf("%w: setpoint %.1f out of range %.1f..%.1f", ErrValidation, p.TempC, MinSetpointC, MaxSetpointC)
	}
	k, err := s.resolve(p.DevID, p.Addr)
	if err != nil {
		return err
	}

	mode := ModeManual
	stemp := termoweb.Temp(p.TempC)
	w := termoweb.HeaterWrite{Mode: &mode, STemp: &stemp, Units: s.units(k)}
	intent := store.Observation{Mode: &mode, STemp: &p.TempC}

	desc := fmt.Sprintf("set setpoint %.1f", p.TempC)
	return s.submit(ctx, k, desc, w, intent, map[string]any{"stemp": p.TempC})
}

// SetPresets replaces the three program temperatures.
func (s *HeaterService) SetPresets(ctx context.Context, p PresetParams) error {
	if len(p.TempsC) != models.PresetCount {
		return fmt.Errorf("%w: exactly %d preset temperatures required", ErrValidation, models.PresetCount)
	}
	for i, t := range p.TempsC {
		if t < MinSetpointC || t > MaxSetpointC {
			return fmt.Errorf("%w: preset %d value %.1f out of range %.1f..%.1f", ErrValidation, i, t, MinSetpointC, MaxSetpointC)
		}
	}
	k, err := s.resolve(p.DevID, p.Addr)
	if err != nil {
		return err
	}

	ptemp := make([]termoweb.Temp, len(p.TempsC))
	for i, t := range p.TempsC {
		ptemp[i] = termoweb.Temp(t)
	}
	w := termoweb.HeaterWrite{PTemp: ptemp, Units: s.units(k)}
	intent := store.Observation{PTemp: append([]float64(nil), p.TempsC...)}

	return s.submit(ctx, k, "set presets", w, intent, map[string]any{"ptemp": p.TempsC})
}

// SetSchedule replaces the weekly program.
func (s *HeaterService) SetSchedule(ctx context.Context, p ScheduleParams) error {
	if len(p.Slots) != models.ScheduleSlots {
		return fmt.Errorf("%w: schedule must have %d slots", ErrValidation, models.ScheduleSlots)
	}
	for i, v := range p.Slots {
		if v < models.ProgCold || v > models.ProgDay {
			return fmt.Errorf("%w: slot %d value %d not in 0..2", ErrValidation, i, v)
		}
	}
	k, err := s.resolve(p.DevID, p.Addr)
	if err != nil {
		return err
	}

	w := termoweb.HeaterWrite{Prog: append([]int(nil), p.Slots...), Units: s.units(k)}
	intent := store.Observation{Prog: append([]int(nil), p.Slots...)}

	return s.submit(ctx, k, "set schedule", w, intent, nil)
}

// resolve checks the node exists and is a heater.
func (s *HeaterService) resolve(devID, addr string) (store.Key, error) {
	if devID == "" || addr == "" {
		return store.Key{}, fmt.Errorf("%w: device and address required", ErrValidation)
	}
	k := store.Key{DevID: devID, Addr: addr}
	for _, known := range s.store.HeaterKeys(devID) {
		if known == k {
			return k, nil
		}
	}
	return store.Key{}, fmt.Errorf("%w: %s/%s", ErrUnknownNode, devID, addr)
}

// units returns the unit marker every write must carry, defaulting to
// Celsius when the node has never reported one.
func (s *HeaterService) units(k store.Key) string {
	if st, ok := s.store.Snapshot(k); ok && st.Units != "" {
		return st.Units
	}
	return "C"
}

// submit freezes the written fields, posts the write, and logs the outcome.
// A failed POST cancels the freeze so later observations apply normally.
func (s *HeaterService) submit(ctx context.Context, k store.Key, desc string, w termoweb.HeaterWrite, intent store.Observation, meta map[string]any) error {
	unlock := s.lockNode(k)
	defer unlock()

	if meta == nil {
		meta = map[string]any{}
	}
	meta["dev_id"] = k.DevID
	meta["addr"] = k.Addr

	s.store.BeginWrite(k, intent)
	if err := s.cloud.SetHeaterSettings(ctx, k.DevID, k.Addr, w); err != nil {
		s.store.CancelWrite(k, intent)
		meta["error"] = err.Error()
		_ = s.events.Append(ctx, models.BridgeEvent{
			Type:        models.EventError,
			Description: desc + " failed",
			Metadata:    meta,
		})
		return fmt.Errorf("%s %s: %w", desc, k.String(), err)
	}

	return s.events.Append(ctx, models.BridgeEvent{
		Type:        models.EventCommand,
		Description: desc,
		Metadata:    meta,
	})
}

// lockNode serializes writes per heater.
func (s *HeaterService) lockNode(k store.Key) func() {
	s.mu.Lock()
	l := s.locks[k]
	if l == nil {
		l = &sync.Mutex{}
		s.locks[k] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}
