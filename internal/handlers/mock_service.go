package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"termobridge/internal/models"
	"termobridge/internal/service"

	"github.com/gin-gonic/gin"
)

// ---- Service Mocks ----

type mockAuth struct {
	signUpID      int
	signUpErr     error
	genTokenToken string
	genTokenErr   error
	parseID       int
	parseErr      error

	lastSignUpUsername string
	lastSignUpPassword string
	lastGenUsername    string
	lastGenPassword    string
	lastParseToken     string
}

func (m *mockAuth) SignUp(username, password string) (int, error) {
	m.lastSignUpUsername = username
	m.lastSignUpPassword = password
	return m.signUpID, m.signUpErr
}
func (m *mockAuth) GenerateToken(username, password string) (string, error) {
	m.lastGenUsername = username
	m.lastGenPassword = password
	return m.genTokenToken, m.genTokenErr
}
func (m *mockAuth) ParseToken(token string) (int, error) {
	m.lastParseToken = token
	return m.parseID, m.parseErr
}

type mockHeaters struct {
	modeErr     error
	setpointErr error
	presetsErr  error
	scheduleErr error

	lastMode     service.ModeParams
	lastSetpoint service.SetpointParams
	lastPresets  service.PresetParams
	lastSchedule service.ScheduleParams

	modeCalls     int
	setpointCalls int
	presetsCalls  int
	scheduleCalls int
}

func (m *mockHeaters) SetMode(ctx context.Context, p service.ModeParams) error {
	m.modeCalls++
	m.lastMode = p
	return m.modeErr
}
func (m *mockHeaters) SetSetpoint(ctx context.Context, p service.SetpointParams) error {
	m.setpointCalls++
	m.lastSetpoint = p
	return m.setpointErr
}
func (m *mockHeaters) SetPresets(ctx context.Context, p service.PresetParams) error {
	m.presetsCalls++
	m.lastPresets = p
	return m.presetsErr
}
func (m *mockHeaters) SetSchedule(ctx context.Context, p service.ScheduleParams) error {
	m.scheduleCalls++
	m.lastSchedule = p
	return m.scheduleErr
}

type mockMonitoring struct {
	devices     []models.Device
	devicesErr  error
	heaters     []models.HeaterState
	heatersErr  error
	state       models.HeaterState
	stateErr    error
	advanced    json.RawMessage
	advancedErr error
	status      models.BridgeStatus
	statusErr   error
	refreshErr  error

	lastRefreshDev string
	watchCh        chan models.StateUpdate
}

func (m *mockMonitoring) Devices(ctx context.Context) ([]models.Device, error) {
	return m.devices, m.devicesErr
}
func (m *mockMonitoring) Heaters(ctx context.Context, devID string) ([]models.HeaterState, error) {
	return m.heaters, m.heatersErr
}
func (m *mockMonitoring) HeaterState(ctx context.Context, devID, addr string) (models.HeaterState, error) {
	return m.state, m.stateErr
}
func (m *mockMonitoring) AdvancedSetup(ctx context.Context, devID, addr string) (json.RawMessage, error) {
	return m.advanced, m.advancedErr
}
func (m *mockMonitoring) RefreshNodes(ctx context.Context, devID string) error {
	m.lastRefreshDev = devID
	return m.refreshErr
}
func (m *mockMonitoring) Status(ctx context.Context) (models.BridgeStatus, error) {
	return m.status, m.statusErr
}
func (m *mockMonitoring) Watch(buffer int) (<-chan models.StateUpdate, func()) {
	if m.watchCh == nil {
		m.watchCh = make(chan models.StateUpdate, buffer)
	}
	return m.watchCh, func() {}
}

type mockEventLog struct {
	resp     []models.BridgeEvent
	err      error
	lastFrom time.Time
	lastTo   time.Time
	lastType string
}

func (m *mockEventLog) List(ctx context.Context, f service.LogFilter) ([]models.BridgeEvent, error) {
	m.lastFrom = f.From
	m.lastTo = f.To
	m.lastType = f.Type
	return m.resp, m.err
}

// ---- Shared Test Helpers ----

func newTestRouter(s *service.Service) *gin.Engine {
	h := NewHandler(s, nil)
	gin.SetMode(gin.TestMode)
	return h.InitRoutes()
}

func authHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
