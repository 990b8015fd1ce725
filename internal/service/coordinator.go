package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"termobridge/internal/logger"
	"termobridge/internal/models"
	"termobridge/internal/repository"
	"termobridge/internal/store"
	"termobridge/internal/termoweb"
)

// ----------- Poll cadence -----------
const (
	DefaultPollInterval   = 2 * time.Minute
	minPollInterval       = 30 * time.Second
	maxPollInterval       = time.Hour
	stretchedPollInterval = 45 * time.Minute

	// healthyUptime is how long a push channel must stream before the
	// poller trusts it enough to stretch its cadence.
	healthyUptime = 5 * time.Minute

	snapshotSaveTimeout = 5 * time.Second
)

// discovery retry delays, capped at the last entry
var discoveryBackoff = []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second, time.Minute}

// CloudAPI is the vendor REST surface discovery and polling need.
type CloudAPI interface {
	ListDevices(ctx context.Context) ([]models.Device, error)
	ListNodes(ctx context.Context, devID string) ([]models.Node, error)
	HeaterSettings(ctx context.Context, devID, addr string) (*termoweb.HeaterSettings, error)
	AdvancedSetup(ctx context.Context, devID, addr string) (json.RawMessage, error)
}

// RealtimeRunner is one device's push channel.
type RealtimeRunner interface {
	Run(ctx context.Context)
	Status() termoweb.RealtimeStatus
	Stats() termoweb.RealtimeStats
	HealthyFor(minUptime time.Duration) bool
}

// RealtimeFactory builds the push channel for one device.
type RealtimeFactory func(devID string, onDeltas func(string, []termoweb.Delta), onStatus func(string, termoweb.RealtimeStatus)) RealtimeRunner

// NewRealtimeFactory builds production push channels sharing the REST
// client's session.
func NewRealtimeFactory(client *termoweb.Client, log *logger.Logger) RealtimeFactory {
	return func(devID string, onDeltas func(string, []termoweb.Delta), onStatus func(string, termoweb.RealtimeStatus)) RealtimeRunner {
		return termoweb.NewRealtimeClient(termoweb.RealtimeConfig{
			APIBase:  client.APIBase(),
			DevID:    devID,
			Session:  client.Session(),
			Log:      log,
			OnDeltas: onDeltas,
			OnStatus: onStatus,
		})
	}
}

// devWorker tracks one device's push channel and poll cadence.
type devWorker struct {
	runner RealtimeRunner

	mu        sync.Mutex
	pollEvery time.Duration
	up        bool // push channel reached streaming at least once and is still up
}

func (w *devWorker) interval() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pollEvery
}

func (w *devWorker) setInterval(d time.Duration) {
	w.mu.Lock()
	w.pollEvery = d
	w.mu.Unlock()
}

// CoordinatorService owns the background reconciliation: it discovers the
// account's devices, keeps one push channel and one poll loop per device,
// feeds every observation into the store, and expires pending writes.
type CoordinatorService struct {
	snapshots   repository.SnapshotRepo
	events      repository.EventRepo
	store       *store.Store
	cloud       CloudAPI
	newRealtime RealtimeFactory
	log         *logger.Logger
	basePoll    time.Duration

	mu        sync.Mutex
	workers   map[string]*devWorker
	startedAt time.Time
	runCtx    context.Context
}

// NewCoordinatorService returns a coordinator with defaults.
func NewCoordinatorService(repos *repository.Repository, st *store.Store, client *termoweb.Client, log *logger.Logger, pollInterval time.Duration) *CoordinatorService {
	return newCoordinator(repos.Snapshots, repos.Events, st, client, NewRealtimeFactory(client, log), log, pollInterval)
}

// newCoordinator is the injection point tests use to swap the cloud and the
// push-channel factory.
func newCoordinator(snapshots repository.SnapshotRepo, events repository.EventRepo, st *store.Store, cloud CloudAPI, rtf RealtimeFactory, log *logger.Logger, pollInterval time.Duration) *CoordinatorService {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if pollInterval < minPollInterval {
		pollInterval = minPollInterval
	}
	return &CoordinatorService{
		snapshots:   snapshots,
		events:      events,
		store:       st,
		cloud:       cloud,
		newRealtime: rtf,
		log:         log,
		basePoll:    pollInterval,
		workers:     make(map[string]*devWorker),
		startedAt:   time.Now().UTC(),
		runCtx:      context.Background(),
	}
}

// StartedAt reports when the bridge came up.
func (c *CoordinatorService) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

// Run drives the coordinator until ctx is canceled. The tick is the
// housekeeping cadence (pending-write expiry).
func (c *CoordinatorService) Run(ctx context.Context, tick time.Duration) {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	c.seedFromSnapshots(ctx)

	updates, cancelSub := c.store.Subscribe(64)
	defer cancelSub()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.persistLoop(ctx, updates)
	}()
	go func() {
		defer wg.Done()
		c.runDevices(ctx)
	}()

	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-t.C:
			c.expireWrites(ctx)
		}
	}
}

// seedFromSnapshots warm-boots the store from the last persisted states so
// the local API can answer before the first cloud round-trip.
func (c *CoordinatorService) seedFromSnapshots(ctx context.Context) {
	cached, err := c.snapshots.LoadAll(ctx)
	if err != nil {
		c.warnw("loading cached snapshots failed", "err", err)
		return
	}
	seeded := 0
	for _, st := range cached {
		st.Source = models.SourceCache
		if c.store.Seed(st) {
			seeded++
		}
	}
	if seeded > 0 {
		c.infow("seeded cached heater states", "count", seeded)
	}
}

// persistLoop mirrors every store change into SQLite for the next boot.
func (c *CoordinatorService) persistLoop(ctx context.Context, updates <-chan models.StateUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			saveCtx, cancel := context.WithTimeout(context.Background(), snapshotSaveTimeout)
			if err := c.snapshots.Save(saveCtx, upd.State); err != nil {
				c.warnw("persisting snapshot failed", "node", upd.DevID+"/"+upd.Addr, "err", err)
			}
			cancel()
		}
	}
}

// runDevices discovers the account and keeps one push channel plus one poll
// loop per device until ctx ends.
func (c *CoordinatorService) runDevices(ctx context.Context) {
	devices := c.discover(ctx)
	if len(devices) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, dev := range devices {
		w := c.addWorker(dev.ID)
		wg.Add(2)
		go func(w *devWorker) {
			defer wg.Done()
			w.runner.Run(ctx)
		}(w)
		go func(devID string) {
			defer wg.Done()
			c.pollLoop(ctx, devID)
		}(dev.ID)
	}
	wg.Wait()
}

// discover lists devices and node inventories, retrying with backoff until
// it succeeds or ctx ends.
func (c *CoordinatorService) discover(ctx context.Context) []models.Device {
	attempt := 0
	for {
		devices, err := c.cloud.ListDevices(ctx)
		if err == nil {
			c.infow("discovered devices", "count", len(devices))
			for _, dev := range devices {
				c.store.SetDeviceInfo(dev.ID, dev.Name)
				if err := c.syncNodes(ctx, dev.ID); err != nil {
					c.warnw("listing nodes failed", "dev", dev.ID, "err", err)
				}
			}
			return devices
		}
		if ctx.Err() != nil {
			return nil
		}

		c.warnw("device discovery failed", "err", err)
		if errors.Is(err, termoweb.ErrAuth) {
			c.appendEvent(models.BridgeEvent{
				Type:        models.EventAuth,
				Description: "device discovery rejected by backend",
				Metadata:    map[string]any{"error": err.Error()},
			})
		}

		delay := discoveryBackoff[attempt]
		if attempt < len(discoveryBackoff)-1 {
			attempt++
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// RefreshNodes re-lists one device's node inventory on demand. Membership
// otherwise only changes when the backend pushes a node-list delta.
func (c *CoordinatorService) RefreshNodes(ctx context.Context, devID string) error {
	if _, ok := c.store.Device(devID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, devID)
	}
	return c.syncNodes(ctx, devID)
}

// syncNodes refreshes one device's node inventory and warms the
// advanced-setup cache for its heaters.
func (c *CoordinatorService) syncNodes(ctx context.Context, devID string) error {
	nodes, err := c.cloud.ListNodes(ctx, devID)
	if err != nil {
		return err
	}
	c.store.SetNodes(devID, nodes)

	for _, k := range c.store.HeaterKeys(devID) {
		raw, err := c.cloud.AdvancedSetup(ctx, k.DevID, k.Addr)
		if err != nil {
			c.debugw("advanced setup fetch failed", "node", k.String(), "err", err)
			continue
		}
		c.store.SetAdvancedSetup(k, raw)
	}
	return nil
}

// pollLoop reads every heater's settings on a timer. The cadence stretches
// while the push channel is healthy, doubles while the backend rate-limits,
// and returns to base otherwise.
func (c *CoordinatorService) pollLoop(ctx context.Context, devID string) {
	interval := c.basePoll
	timer := time.NewTimer(0) // first poll immediately
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		rateLimited := c.pollOnce(ctx, devID)
		if ctx.Err() != nil {
			return
		}

		next := c.nextPollInterval(interval, rateLimited, c.pushHealthy(devID))
		if rateLimited {
			c.warnw("backend rate limit; stretching poll", "dev", devID, "interval", next)
		}
		interval = next

		if w := c.worker(devID); w != nil {
			w.setInterval(interval)
		}
		timer.Reset(interval)
	}
}

// pollOnce reads settings for each heater of one device, reporting whether
// the backend rate-limited the pass.
func (c *CoordinatorService) pollOnce(ctx context.Context, devID string) (rateLimited bool) {
	for _, k := range c.store.HeaterKeys(devID) {
		hs, err := c.cloud.HeaterSettings(ctx, k.DevID, k.Addr)
		if err != nil {
			switch {
			case errors.Is(err, termoweb.ErrRateLimited):
				return true
			case errors.Is(err, termoweb.ErrAuth):
				c.warnw("poll rejected by backend", "node", k.String(), "err", err)
				c.appendEvent(models.BridgeEvent{
					Type:        models.EventAuth,
					Description: "settings poll rejected by backend",
					Metadata:    map[string]any{"dev_id": k.DevID, "addr": k.Addr},
				})
			case ctx.Err() != nil:
				return false
			default:
				c.warnw("settings poll failed", "node", k.String(), "err", err)
			}
			continue
		}
		c.store.ApplyObservation(k, obsFromSettings(hs), models.SourcePoll)
	}
	return false
}

// handleDeltas routes one push batch into the store. It runs on the push
// channel's read loop, so anything not yet applied here is lost on
// reconnect; the fresh snapshot request covers that window.
func (c *CoordinatorService) handleDeltas(devID string, deltas []termoweb.Delta) {
	for _, d := range deltas {
		switch d.Kind {
		case termoweb.DeltaHeaterSettings:
			k := store.Key{DevID: devID, Addr: d.Addr}
			c.store.ApplyObservation(k, obsFromSettings(d.Settings), models.SourcePush)
		case termoweb.DeltaNodeList:
			c.store.SetNodes(devID, d.Nodes)
		case termoweb.DeltaAdvancedSetup:
			c.store.SetAdvancedSetup(store.Key{DevID: devID, Addr: d.Addr}, d.Body)
		case termoweb.DeltaPowerLimit:
			c.debugw("power limit update", "dev", devID, "body", string(d.Body))
		default:
			c.debugw("unhandled push path", "dev", devID, "path", d.Path)
		}
	}
}

// handleStatus reacts to push-channel phase changes.
func (c *CoordinatorService) handleStatus(devID string, status termoweb.RealtimeStatus) {
	c.store.SetDeviceConnected(devID, status == termoweb.StatusStreaming)

	w := c.worker(devID)
	if w == nil {
		return
	}

	w.mu.Lock()
	wasUp := w.up
	switch status {
	case termoweb.StatusStreaming:
		w.up = true
	case termoweb.StatusDisconnected:
		w.up = false
	}
	nowUp := w.up
	w.mu.Unlock()

	if nowUp && !wasUp {
		c.infow("push channel streaming", "dev", devID)
		c.appendEvent(models.BridgeEvent{
			Type:        models.EventWSUp,
			Description: "push channel streaming",
			Metadata:    map[string]any{"dev_id": devID},
		})
	}
	if !nowUp && wasUp {
		c.warnw("push channel lost", "dev", devID)
		c.appendEvent(models.BridgeEvent{
			Type:        models.EventWSDown,
			Description: "push channel lost",
			Metadata:    map[string]any{"dev_id": devID},
		})
	}
}

// expireWrites drops pending writes whose echo never arrived and logs them.
func (c *CoordinatorService) expireWrites(ctx context.Context) {
	for _, exp := range c.store.SweepExpired() {
		fields := make([]string, len(exp.Fields))
		for i, f := range exp.Fields {
			fields[i] = string(f)
		}
		c.warnw("write not confirmed in time", "node", exp.Key.String(), "fields", fields)
		c.appendEvent(models.BridgeEvent{
			Type:        models.EventWriteTimeout,
			Description: "write not confirmed in time",
			Metadata:    map[string]any{"dev_id": exp.Key.DevID, "addr": exp.Key.Addr, "fields": fields},
		})
	}
}

// Statuses reports per-device sync health, device-ordered.
func (c *CoordinatorService) Statuses() []models.DeviceStatus {
	c.mu.Lock()
	ids := make([]string, 0, len(c.workers))
	for id := range c.workers {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)

	out := make([]models.DeviceStatus, 0, len(ids))
	for _, id := range ids {
		w := c.worker(id)
		if w == nil {
			continue
		}
		stats := w.runner.Stats()
		out = append(out, models.DeviceStatus{
			DevID:         id,
			Realtime:      string(w.runner.Status()),
			Healthy:       w.runner.HealthyFor(healthyUptime),
			Frames:        stats.Frames,
			Events:        stats.Events,
			LastEventAt:   stats.LastEventAt,
			PollInterval:  w.interval().String(),
			PendingWrites: c.store.PendingCount(id),
		})
	}
	return out
}

func (c *CoordinatorService) addWorker(devID string) *devWorker {
	w := &devWorker{pollEvery: c.basePoll}
	w.runner = c.newRealtime(devID, c.handleDeltas, c.handleStatus)

	c.mu.Lock()
	c.workers[devID] = w
	c.mu.Unlock()
	return w
}

func (c *CoordinatorService) worker(devID string) *devWorker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workers[devID]
}

// pushHealthy reports whether polling can relax for this device.
func (c *CoordinatorService) pushHealthy(devID string) bool {
	w := c.worker(devID)
	return w != nil && w.runner.HealthyFor(healthyUptime)
}

// nextPollInterval picks the next cadence from the last pass's outcome:
// rate limiting doubles up to the cap, a healthy push channel stretches,
// anything else returns to base.
func (c *CoordinatorService) nextPollInterval(current time.Duration, rateLimited, pushHealthy bool) time.Duration {
	switch {
	case rateLimited:
		current *= 2
		if current > maxPollInterval {
			current = maxPollInterval
		}
	case pushHealthy:
		current = stretchedPollInterval
	default:
		current = c.basePoll
	}
	if current < minPollInterval {
		current = minPollInterval
	}
	return current
}

// appendEvent logs an event from paths without a request context.
func (c *CoordinatorService) appendEvent(e models.BridgeEvent) {
	c.mu.Lock()
	ctx := c.runCtx
	c.mu.Unlock()

	if err := c.events.Append(ctx, e); err != nil {
		c.warnw("appending event failed", "type", e.Type, "err", err)
	}
}

// obsFromSettings converts a wire settings payload into a store observation.
func obsFromSettings(hs *termoweb.HeaterSettings) store.Observation {
	var obs store.Observation
	if hs == nil {
		return obs
	}
	obs.Mode = hs.Mode
	obs.State = hs.State
	obs.Units = hs.Units
	obs.Name = hs.Name
	if hs.MTemp != nil {
		v := float64(*hs.MTemp)
		obs.MTemp = &v
	}
	if hs.STemp != nil {
		v := float64(*hs.STemp)
		obs.STemp = &v
	}
	if hs.MaxPower != nil {
		v := float64(*hs.MaxPower)
		obs.MaxPower = &v
	}
	if hs.PTemp != nil {
		ptemp := make([]float64, len(hs.PTemp))
		for i, t := range hs.PTemp {
			ptemp[i] = float64(t)
		}
		obs.PTemp = ptemp
	}
	if hs.Prog != nil {
		obs.Prog = append([]int(nil), hs.Prog...)
	}
	if hs.Priority != nil {
		v := string(*hs.Priority)
		obs.Priority = &v
	}
	return obs
}

// logging helpers; the coordinator may run with no logger in tests.
func (c *CoordinatorService) infow(msg string, kv ...any) {
	if c.log != nil {
		c.log.Infow(msg, kv...)
	}
}

func (c *CoordinatorService) warnw(msg string, kv ...any) {
	if c.log != nil {
		c.log.Warnw(msg, kv...)
	}
}

func (c *CoordinatorService) debugw(msg string, kv ...any) {
	if c.log != nil {
		c.log.Debugw(msg, kv...)
	}
}
