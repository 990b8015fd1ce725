package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"termobridge/internal/logger"
	"termobridge/internal/models"
)

// DefaultFreezeTTL is how long a pending write suppresses contradicting
// observations. Device echoes usually land within seconds; a slow poll echo
// still fits well inside this window.
const DefaultFreezeTTL = 30 * time.Second

// Key identifies one heater node.
type Key struct {
	DevID string
	Addr  string
}

func (k Key) String() string { return k.DevID + "/" + k.Addr }

// Field names one observable/writable portion of a heater's state.
type Field string

const (
	FieldMode     Field = "mode"
	FieldState    Field = "state"
	FieldMTemp    Field = "mtemp"
	FieldSTemp    Field = "stemp"
	FieldUnits    Field = "units"
	FieldPTemp    Field = "ptemp"
	FieldProg     Field = "prog"
	FieldPriority Field = "priority"
	FieldName     Field = "name"
	FieldMaxPower Field = "max_power"
)

// Observation is a partial view of one heater, from a poll snapshot, a push
// delta, or the sent values of a local write. Nil fields are absent.
type Observation struct {
	Mode     *string
	State    *string
	MTemp    *float64
	STemp    *float64
	Units    *string
	PTemp    []float64
	Prog     []int
	Priority *string
	Name     *string
	MaxPower *float64
}

// pendingValue is one frozen field of an in-flight write.
type pendingValue struct {
	value    any // string, float64, []float64 or []int depending on the field
	deadline time.Time
}

// ExpiredWrite reports pending fields dropped by SweepExpired.
type ExpiredWrite struct {
	Key    Key
	Fields []Field
}

// Store is the canonical in-memory view of every heater, the pending-write
// table that keeps local commands from being overwritten by stale echoes, and
// the change-notification fan-out.
type Store struct {
	freezeTTL time.Duration
	log       *logger.Logger

	mu       sync.RWMutex
	states   map[Key]*models.HeaterState
	nodes    map[string][]models.Node
	devices  map[string]*deviceInfo
	pending  map[Key]map[Field]pendingValue
	advanced map[Key]json.RawMessage
	subs     map[int]chan models.StateUpdate
	nextSub  int
}

type deviceInfo struct {
	name      string
	connected bool
}

func New(freezeTTL time.Duration, log *logger.Logger) *Store {
	if freezeTTL <= 0 {
		freezeTTL = DefaultFreezeTTL
	}
	return &Store{
		freezeTTL: freezeTTL,
		log:       log,
		states:    make(map[Key]*models.HeaterState),
		nodes:     make(map[string][]models.Node),
		devices:   make(map[string]*deviceInfo),
		pending:   make(map[Key]map[Field]pendingValue),
		advanced:  make(map[Key]json.RawMessage),
		subs:      make(map[int]chan models.StateUpdate),
	}
}

// SetDeviceInfo records a discovered device's identity.
func (s *Store) SetDeviceInfo(devID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.devices[devID]
	if d == nil {
		d = &deviceInfo{}
		s.devices[devID] = d
	}
	if name != "" {
		d.name = name
	}
}

// SetDeviceConnected flags whether the device's realtime socket is up.
func (s *Store) SetDeviceConnected(devID string, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.devices[devID]
	if d == nil {
		d = &deviceInfo{}
		s.devices[devID] = d
	}
	d.connected = connected
}

// Devices returns every known device with its node inventory, ID-ordered.
func (s *Store) Devices() []models.Device {
	s.mu.RLock()
	out := make([]models.Device, 0, len(s.devices))
	for id, d := range s.devices {
		out = append(out, models.Device{
			ID:        id,
			Name:      d.name,
			Nodes:     append([]models.Node(nil), s.nodes[id]...),
			Connected: d.connected,
		})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Device returns one device with its node inventory.
func (s *Store) Device(devID string) (models.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[devID]
	if !ok {
		return models.Device{}, false
	}
	return models.Device{
		ID:        devID,
		Name:      d.name,
		Nodes:     append([]models.Node(nil), s.nodes[devID]...),
		Connected: d.connected,
	}, true
}

// BeginWrite freezes the fields carried by intent with their sent values.
// A repeated write to the same field replaces the older entry; only the
// newest sent value matters for echo matching.
func (s *Store) BeginWrite(k Key, intent Observation) {
	deadline := time.Now().Add(s.freezeTTL)
	s.mu.Lock()
	defer s.mu.Unlock()

	pend := s.pending[k]
	if pend == nil {
		pend = make(map[Field]pendingValue)
		s.pending[k] = pend
	}
	for f, v := range intentValues(intent) {
		pend[f] = pendingValue{value: v, deadline: deadline}
	}
}

// CancelWrite removes the pending entries for intent's fields. Called when
// the REST write failed, so no echo is coming.
func (s *Store) CancelWrite(k Key, intent Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pend := s.pending[k]
	if pend == nil {
		return
	}
	for f := range intentValues(intent) {
		delete(pend, f)
	}
	if len(pend) == 0 {
		delete(s.pending, k)
	}
}

// ApplyObservation merges obs into the node's state. For every observed field
// with a live pending write: a matching value clears the freeze and applies,
// a differing value is suppressed (the echo has not caught up yet), and an
// expired deadline drops the freeze so the value applies unconditionally.
// Fields without a pending entry always apply. Returns the resulting state
// and whether anything changed; subscribers are notified on change.
func (s *Store) ApplyObservation(k Key, obs Observation, source string) (models.HeaterState, bool) {
	now := time.Now()

	s.mu.Lock()
	st := s.states[k]
	if st == nil {
		st = &models.HeaterState{DevID: k.DevID, Addr: k.Addr}
		s.states[k] = st
	}
	pend := s.pending[k]

	changed := false
	for f, v := range intentValues(obs) {
		if pv, ok := pend[f]; ok {
			switch {
			case now.After(pv.deadline):
				delete(pend, f) // propagation window over; stop freezing
			case valuesMatch(pv.value, v):
				delete(pend, f) // device caught up
			default:
				if s.log != nil {
					s.log.Debugw("suppressing stale echo", "node", k.String(), "field", string(f))
				}
				continue
			}
		}
		if applyField(st, f, v) {
			changed = true
		}
	}
	if pend != nil && len(pend) == 0 {
		delete(s.pending, k)
	}

	if changed {
		st.UpdatedAt = now
		st.Source = source
	}
	out := copyState(st)
	s.mu.Unlock()

	if changed {
		s.notify(models.StateUpdate{DevID: k.DevID, Addr: k.Addr, State: out, Source: source})
	}
	return out, changed
}

// Seed inserts a persisted state as the starting cache entry for a node.
// Live data always wins: a node that already has state is left untouched.
// Seeding never notifies subscribers.
func (s *Store) Seed(st models.HeaterState) bool {
	if st.DevID == "" || st.Addr == "" {
		return false
	}
	k := Key{DevID: st.DevID, Addr: st.Addr}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[k]; ok {
		return false
	}
	cp := copyState(&st)
	s.states[k] = &cp
	return true
}

// Snapshot returns the best-known state of one node.
func (s *Store) Snapshot(k Key) (models.HeaterState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[k]
	if !ok {
		return models.HeaterState{}, false
	}
	return copyState(st), true
}

// States returns every known heater state, ordered by device then address.
func (s *Store) States() []models.HeaterState {
	s.mu.RLock()
	out := make([]models.HeaterState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, copyState(st))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DevID != out[j].DevID {
			return out[i].DevID < out[j].DevID
		}
		return out[i].Addr < out[j].Addr
	})
	return out
}

// SetNodes replaces a device's node membership. State for heater addresses
// that vanished from the list is dropped along with any pending writes.
func (s *Store) SetNodes(devID string, nodes []models.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes[devID] = append([]models.Node(nil), nodes...)

	live := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n.Type == models.NodeTypeHeater {
			live[n.Addr] = true
		}
	}
	for k := range s.states {
		if k.DevID == devID && !live[k.Addr] {
			delete(s.states, k)
			delete(s.pending, k)
			delete(s.advanced, k)
		}
	}
}

// Nodes returns a device's node membership.
func (s *Store) Nodes(devID string) []models.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Node(nil), s.nodes[devID]...)
}

// HeaterKeys returns the heater node keys of one device, address-ordered.
func (s *Store) HeaterKeys(devID string) []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Key
	for _, n := range s.nodes[devID] {
		if n.Type == models.NodeTypeHeater {
			out = append(out, Key{DevID: devID, Addr: n.Addr})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// SetAdvancedSetup caches a node's opaque advanced-setup payload.
func (s *Store) SetAdvancedSetup(k Key, raw json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanced[k] = append(json.RawMessage(nil), raw...)
}

// AdvancedSetup returns the cached advanced-setup payload.
func (s *Store) AdvancedSetup(k Key) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.advanced[k]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), raw...), true
}

// PendingCount reports live pending-write fields for one device.
func (s *Store) PendingCount(devID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k, pend := range s.pending {
		if k.DevID == devID {
			n += len(pend)
		}
	}
	return n
}

// SweepExpired drops pending entries whose deadline has passed and reports
// them, so the coordinator can log write timeouts.
func (s *Store) SweepExpired() []ExpiredWrite {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ExpiredWrite
	for k, pend := range s.pending {
		var fields []Field
		for f, pv := range pend {
			if now.After(pv.deadline) {
				fields = append(fields, f)
				delete(pend, f)
			}
		}
		if len(pend) == 0 {
			delete(s.pending, k)
		}
		if len(fields) > 0 {
			sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
			out = append(out, ExpiredWrite{Key: k, Fields: fields})
		}
	}
	return out
}

// Subscribe returns a buffered change stream plus its cancel func. Slow
// subscribers lose updates rather than blocking the observation path.
func (s *Store) Subscribe(buffer int) (<-chan models.StateUpdate, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan models.StateUpdate, buffer)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Store) notify(upd models.StateUpdate) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- upd:
		default:
		}
	}
}

// intentValues flattens the set fields of an observation into field/value
// pairs with normalized Go types.
func intentValues(o Observation) map[Field]any {
	out := make(map[Field]any, 4)
	if o.Mode != nil {
		out[FieldMode] = normalizeEnum(*o.Mode)
	}
	if o.State != nil {
		out[FieldState] = normalizeEnum(*o.State)
	}
	if o.MTemp != nil {
		out[FieldMTemp] = *o.MTemp
	}
	if o.STemp != nil {
		out[FieldSTemp] = *o.STemp
	}
	if o.Units != nil {
		out[FieldUnits] = strings.ToUpper(strings.TrimSpace(*o.Units))
	}
	if o.PTemp != nil {
		out[FieldPTemp] = append([]float64(nil), o.PTemp...)
	}
	if o.Prog != nil {
		out[FieldProg] = append([]int(nil), o.Prog...)
	}
	if o.Priority != nil {
		out[FieldPriority] = strings.TrimSpace(*o.Priority)
	}
	if o.Name != nil {
		out[FieldName] = strings.TrimSpace(*o.Name)
	}
	if o.MaxPower != nil {
		out[FieldMaxPower] = *o.MaxPower
	}
	return out
}

func normalizeEnum(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// valuesMatch compares a pending sent value with an observed one.
// Temperatures compare at the wire's one-decimal precision.
func valuesMatch(sent, observed any) bool {
	switch sv := sent.(type) {
	case string:
		ov, ok := observed.(string)
		return ok && sv == ov
	case float64:
		ov, ok := observed.(float64)
		return ok && tempsEqual(sv, ov)
	case []float64:
		ov, ok := observed.([]float64)
		if !ok || len(sv) != len(ov) {
			return false
		}
		for i := range sv {
			if !tempsEqual(sv[i], ov[i]) {
				return false
			}
		}
		return true
	case []int:
		ov, ok := observed.([]int)
		if !ok || len(sv) != len(ov) {
			return false
		}
		for i := range sv {
			if sv[i] != ov[i] {
				return false
			}
		}
		return true
	}
	return false
}

func tempsEqual(a, b float64) bool {
	return fmt.Sprintf("%.1f", a) == fmt.Sprintf("%.1f", b)
}

// applyField writes one normalized value into the state, reporting change.
func applyField(st *models.HeaterState, f Field, v any) bool {
	switch f {
	case FieldMode:
		if s := v.(string); st.Mode != s {
			st.Mode = s
			return true
		}
	case FieldState:
		if s := v.(string); st.State != s {
			st.State = s
			return true
		}
	case FieldMTemp:
		if t := v.(float64); !tempsEqual(st.MTemp, t) {
			st.MTemp = t
			return true
		}
	case FieldSTemp:
		if t := v.(float64); !tempsEqual(st.STemp, t) {
			st.STemp = t
			return true
		}
	case FieldUnits:
		if s := v.(string); st.Units != s {
			st.Units = s
			return true
		}
	case FieldPTemp:
		if p := v.([]float64); !valuesMatch(st.PTemp, p) {
			st.PTemp = p
			return true
		}
	case FieldProg:
		if p := v.([]int); !valuesMatch(st.Prog, p) {
			st.Prog = p
			return true
		}
	case FieldPriority:
		if s := v.(string); st.Priority != s {
			st.Priority = s
			return true
		}
	case FieldName:
		if s := v.(string); st.Name != s {
			st.Name = s
			return true
		}
	case FieldMaxPower:
		if t := v.(float64); st.MaxPower != t {
			st.MaxPower = t
			return true
		}
	}
	return false
}

func copyState(st *models.HeaterState) models.HeaterState {
	out := *st
	out.PTemp = append([]float64(nil), st.PTemp...)
	out.Prog = append([]int(nil), st.Prog...)
	return out
}
