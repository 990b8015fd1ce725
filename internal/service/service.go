package service

import (
	"context"
	"encoding/json"
	"time"

	"termobridge/internal/logger"
	"termobridge/internal/models"
	"termobridge/internal/repository"
	"termobridge/internal/store"
	"termobridge/internal/termoweb"
)

type Authorization interface {
	SignUp(username, password string) (int, error)
	GenerateToken(username, password string) (string, error)
	ParseToken(accessToken string) (int, error)
}

// Heaters exposes write operations against heater nodes.
type Heaters interface {
	SetMode(ctx context.Context, p ModeParams) error
	SetSetpoint(ctx context.Context, p SetpointParams) error
	SetPresets(ctx context.Context, p PresetParams) error
	SetSchedule(ctx context.Context, p ScheduleParams) error
}

// Monitoring exposes read-only device and heater views plus the explicit
// node-inventory refresh.
type Monitoring interface {
	Devices(ctx context.Context) ([]models.Device, error)
	Heaters(ctx context.Context, devID string) ([]models.HeaterState, error)
	HeaterState(ctx context.Context, devID, addr string) (models.HeaterState, error)
	AdvancedSetup(ctx context.Context, devID, addr string) (json.RawMessage, error)
	RefreshNodes(ctx context.Context, devID string) error
	Status(ctx context.Context) (models.BridgeStatus, error)
	Watch(buffer int) (<-chan models.StateUpdate, func())
}

// EventLog exposes append-only logs with filtering access.
type EventLog interface {
	List(ctx context.Context, f LogFilter) ([]models.BridgeEvent, error)
}

// Coordinator runs the background reconciliation loop: device discovery,
// realtime sockets, settings polling, and pending-write expiry.
// Stop via context cancellation in main() for graceful shutdown.
type Coordinator interface {
	Run(ctx context.Context, tick time.Duration)
}

//
// Root Service aggregates all sub-services.
//

type Service struct {
	Heaters
	Monitoring
	EventLog
	Coordinator
	Authorization
}

// Config carries the tunables main() reads from the config file.
type Config struct {
	SigningKey   string
	TokenTTL     time.Duration
	PollInterval time.Duration
}

// NewService wires the repository layer, the state store, and the vendor
// client into concrete services.
func NewService(repos *repository.Repository, st *store.Store, client *termoweb.Client, log *logger.Logger, cfg Config) *Service {
	coord := NewCoordinatorService(repos, st, client, log, cfg.PollInterval)
	return &Service{
		Heaters:       NewHeaterService(st, client, repos.Events),
		Monitoring:    NewMonitoringService(st, coord, client),
		EventLog:      NewEventLogService(repos.Events),
		Coordinator:   coord,
		Authorization: NewAuthService(repos.Auth, cfg.SigningKey, cfg.TokenTTL),
	}
}
