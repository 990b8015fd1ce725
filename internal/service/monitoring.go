package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"termobridge/internal/models"
	"termobridge/internal/store"
)

// statusSource is the coordinator surface monitoring reads sync health from
// and triggers on-demand inventory refreshes through.
type statusSource interface {
	Statuses() []models.DeviceStatus
	StartedAt() time.Time
	RefreshNodes(ctx context.Context, devID string) error
}

// AdvancedReader fetches a node's advanced-setup flags when the cache has
// none yet.
type AdvancedReader interface {
	AdvancedSetup(ctx context.Context, devID, addr string) (json.RawMessage, error)
}

type MonitoringService struct {
	store  *store.Store
	status statusSource
	cloud  AdvancedReader
}

func NewMonitoringService(st *store.Store, status statusSource, cloud AdvancedReader) *MonitoringService {
	return &MonitoringService{store: st, status: status, cloud: cloud}
}

// Devices lists every discovered device with its node inventory.
func (s *MonitoringService) Devices(ctx context.Context) ([]models.Device, error) {
	return s.store.Devices(), nil
}

// Heaters returns the cached state of every heater on one device.
func (s *MonitoringService) Heaters(ctx context.Context, devID string) ([]models.HeaterState, error) {
	if _, ok := s.store.Device(devID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, devID)
	}
	out := make([]models.HeaterState, 0, 4)
	for _, k := range s.store.HeaterKeys(devID) {
		if st, ok := s.store.Snapshot(k); ok {
			out = append(out, st)
		}
	}
	return out, nil
}

// HeaterState returns the cached state of one heater.
func (s *MonitoringService) HeaterState(ctx context.Context, devID, addr string) (models.HeaterState, error) {
	st, ok := s.store.Snapshot(store.Key{DevID: devID, Addr: addr})
	if !ok {
		return models.HeaterState{}, fmt.Errorf("%w: %s/%s", ErrUnknownNode, devID, addr)
	}
	return st, nil
}

// AdvancedSetup serves the cached advanced-setup payload, fetching it from
// the backend on first access.
func (s *MonitoringService) AdvancedSetup(ctx context.Context, devID, addr string) (json.RawMessage, error) {
	k := store.Key{DevID: devID, Addr: addr}
	if raw, ok := s.store.AdvancedSetup(k); ok {
		return raw, nil
	}
	if _, ok := s.store.Snapshot(k); !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownNode, devID, addr)
	}

	raw, err := s.cloud.AdvancedSetup(ctx, devID, addr)
	if err != nil {
		return nil, err
	}
	s.store.SetAdvancedSetup(k, raw)
	return raw, nil
}

// RefreshNodes re-lists one device's nodes from the backend.
func (s *MonitoringService) RefreshNodes(ctx context.Context, devID string) error {
	return s.status.RefreshNodes(ctx, devID)
}

// Status reports per-device sync health.
func (s *MonitoringService) Status(ctx context.Context) (models.BridgeStatus, error) {
	return models.BridgeStatus{
		StartedAt: s.status.StartedAt(),
		Devices:   s.status.Statuses(),
	}, nil
}

// Watch exposes the store's change stream for push consumers.
func (s *MonitoringService) Watch(buffer int) (<-chan models.StateUpdate, func()) {
	return s.store.Subscribe(buffer)
}
