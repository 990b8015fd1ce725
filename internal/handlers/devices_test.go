package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"termobridge/internal/models"
	"termobridge/internal/service"
)

func addAuth(req *http.Request) {
	for k, vv := range authHeader("valid") {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
}

func TestDeviceHandlers_ListAndState(t *testing.T) {
	auth := &mockAuth{parseID: 7}
	mon := &mockMonitoring{
		devices: []models.Device{{
			ID:        "dev1",
			Name:      "Home",
			Connected: true,
			Nodes:     []models.Node{{DevID: "dev1", Addr: "2", Type: "htr", Name: "Living Room"}},
		}},
		heaters: []models.HeaterState{{DevID: "dev1", Addr: "2", Mode: "auto", MTemp: 19.2, STemp: 21.0}},
		state:   models.HeaterState{DevID: "dev1", Addr: "2", Mode: "auto", STemp: 21.0},
	}
	s := &service.Service{Authorization: auth, Monitoring: mon}
	r := newTestRouter(s)

	// GET devices requires auth → 401 without header
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without auth, got %d", w.Code)
	}

	// With auth → 200 and device listing
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/devices/", nil)
	addAuth(req)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("devices status=%d, body=%s", w.Code, w.Body.String())
	}
	var devResp struct {
		Count   int             `json:"count"`
		Devices []models.Device `json:"devices"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &devResp)
	if devResp.Count != 1 || len(devResp.Devices) != 1 || !devResp.Devices[0].Connected {
		t.Fatalf("unexpected devices response: %+v", devResp)
	}

	// GET heaters → 200 with count wrapper
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/devices/dev1/heaters", nil)
	addAuth(req)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("heaters status=%d, body=%s", w.Code, w.Body.String())
	}
	var htResp struct {
		Count   int                  `json:"count"`
		Heaters []models.HeaterState `json:"heaters"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &htResp)
	if htResp.Count != 1 || htResp.Heaters[0].MTemp != 19.2 {
		t.Fatalf("unexpected heaters response: %+v", htResp)
	}

	// GET single heater state → bare state body
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/devices/dev1/heaters/2", nil)
	addAuth(req)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("state status=%d, body=%s", w.Code, w.Body.String())
	}
	var st models.HeaterState
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if st.Mode != "auto" || st.STemp != 21.0 {
		t.Fatalf("unexpected state: %+v", st)
	}

	// Unknown heater → 404
	mon.stateErr = fmt.Errorf("%w: dev1/99", service.ErrUnknownNode)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/devices/dev1/heaters/99", nil)
	addAuth(req)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown heater, got %d", w.Code)
	}
}

func TestDeviceHandlers_AdvancedSetup(t *testing.T) {
	auth := &mockAuth{parseID: 7}
	mon := &mockMonitoring{advanced: json.RawMessage(`{"control_mode":1,"away_offset":2}`)}
	s := &service.Service{Authorization: auth, Monitoring: mon}
	r := newTestRouter(s)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/dev1/heaters/2/advanced", nil)
	addAuth(req)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("advanced status=%d, body=%s", w.Code, w.Body.String())
	}
	// Passed through untouched.
	if w.Body.String() != `{"control_mode":1,"away_offset":2}` {
		t.Fatalf("advanced body=%s", w.Body.String())
	}
}

func TestDeviceHandlers_RefreshNodes(t *testing.T) {
	auth := &mockAuth{parseID: 7}
	mon := &mockMonitoring{}
	s := &service.Service{Authorization: auth, Monitoring: mon}
	r := newTestRouter(s)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/dev1/nodes/refresh", nil)
	addAuth(req)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status=%d, body=%s", w.Code, w.Body.String())
	}
	if mon.lastRefreshDev != "dev1" {
		t.Fatalf("refresh dev=%q", mon.lastRefreshDev)
	}

	// Unknown device → 404
	mon.refreshErr = fmt.Errorf("%w: nope", service.ErrUnknownNode)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/devices/nope/nodes/refresh", nil)
	addAuth(req)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestStatusHandler_ReportsBridgeHealth(t *testing.T) {
	auth := &mockAuth{parseID: 7}
	started := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	mon := &mockMonitoring{status: models.BridgeStatus{
		StartedAt: started,
		Devices: []models.DeviceStatus{{
			DevID:         "dev1",
			Realtime:      "streaming",
			Healthy:       true,
			Frames:        120,
			Events:        14,
			PollInterval:  "45m0s",
			PendingWrites: 0,
		}},
	}}
	s := &service.Service{Authorization: auth, Monitoring: mon}
	r := newTestRouter(s)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	addAuth(req)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, body=%s", w.Code, w.Body.String())
	}
	var got models.BridgeStatus
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.StartedAt.Equal(started) || len(got.Devices) != 1 {
		t.Fatalf("unexpected status: %+v", got)
	}
	if got.Devices[0].Realtime != "streaming" || !got.Devices[0].Healthy {
		t.Fatalf("unexpected device status: %+v", got.Devices[0])
	}

	// Status failures are internal errors.
	mon.statusErr = errors.New("boom")
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	addAuth(req)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}
