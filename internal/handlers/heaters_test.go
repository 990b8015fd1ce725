package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"termobridge/internal/models"
	"termobridge/internal/service"
	"termobridge/internal/termoweb"
)

func TestHeaterHandlers_Commands(t *testing.T) {
	auth := &mockAuth{parseID: 7}
	mon := &mockMonitoring{state: models.HeaterState{DevID: "dev1", Addr: "2", Mode: "manual", STemp: 21.0, Units: "C"}}
	ht := &mockHeaters{}
	s := &service.Service{
		Authorization: auth,
		Monitoring:    mon,
		Heaters:       ht,
	}
	r := newTestRouter(s)

	// Commands require auth → 401 without header
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/dev1/heaters/2/mode", bytes.NewBufferString(`{"mode":"auto"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without auth, got %d", w.Code)
	}

	// POST mode → 200, node identity from the URL, state echoed back
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/devices/dev1/heaters/2/mode", bytes.NewBufferString(`{"mode":"manual"}`))
	req.Header.Set("Content-Type", "application/json")
	for k, vv := range authHeader("valid") {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("mode status=%d, body=%s", w.Code, w.Body.String())
	}
	if ht.modeCalls != 1 {
		t.Fatalf("SetMode calls=%d", ht.modeCalls)
	}
	if ht.lastMode.DevID != "dev1" || ht.lastMode.Addr != "2" || ht.lastMode.Mode != "manual" {
		t.Fatalf("wrong SetMode params: %+v", ht.lastMode)
	}
	var modeResp struct {
		Status string             `json:"status"`
		Mode   string             `json:"mode"`
		State  models.HeaterState `json:"state"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &modeResp)
	if modeResp.Status != statusAccepted || modeResp.Mode != "manual" {
		t.Fatalf("bad mode response: %+v", modeResp)
	}
	if modeResp.State.STemp != 21.0 {
		t.Fatalf("state missing/invalid in response: %+v", modeResp.State)
	}

	// POST mode with missing field → 400 before the service is reached
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/devices/dev1/heaters/2/mode", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	for k, vv := range authHeader("valid") {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", w.Code)
	}
	if ht.modeCalls != 1 {
		t.Fatalf("service reached on invalid body")
	}

	// POST setpoint → 200, temperature forwarded
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/devices/dev1/heaters/2/setpoint", bytes.NewBufferString(`{"temp":18.5}`))
	req.Header.Set("Content-Type", "application/json")
	for k, vv := range authHeader("valid") {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("setpoint status=%d, body=%s", w.Code, w.Body.String())
	}
	if ht.setpointCalls != 1 || ht.lastSetpoint.TempC != 18.5 {
		t.Fatalf("wrong SetSetpoint params: %+v", ht.lastSetpoint)
	}

	// POST presets → 200
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/devices/dev1/heaters/2/presets", bytes.NewBufferString(`{"ptemp":[7,16,21]}`))
	req.Header.Set("Content-Type", "application/json")
	for k, vv := range authHeader("valid") {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("presets status=%d, body=%s", w.Code, w.Body.String())
	}
	if ht.presetsCalls != 1 || len(ht.lastPresets.TempsC) != 3 || ht.lastPresets.TempsC[2] != 21 {
		t.Fatalf("wrong SetPresets params: %+v", ht.lastPresets)
	}

	// POST schedule → 200
	prog := make([]int, models.ScheduleSlots)
	body, _ := json.Marshal(map[string]any{"prog": prog})
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/devices/dev1/heaters/2/schedule", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	for k, vv := range authHeader("valid") {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("schedule status=%d, body=%s", w.Code, w.Body.String())
	}
	if ht.scheduleCalls != 1 || len(ht.lastSchedule.Slots) != models.ScheduleSlots {
		t.Fatalf("wrong SetSchedule params: %+v", ht.lastSchedule)
	}
}

func TestHeaterHandlers_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", fmt.Errorf("%w: mode must be auto, manual or off", service.ErrValidation), http.StatusBadRequest},
		{"unknown node", fmt.Errorf("%w: dev1/99", service.ErrUnknownNode), http.StatusNotFound},
		{"backend auth", fmt.Errorf("write: %w", termoweb.ErrAuth), http.StatusBadGateway},
		{"backend rate limit", fmt.Errorf("write: %w", termoweb.ErrRateLimited), http.StatusServiceUnavailable},
		{"backend http failure", &termoweb.StatusError{Op: "set heater settings", Status: 500}, http.StatusBadGateway},
		{"unexpected", errors.New("event log unavailable"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			auth := &mockAuth{parseID: 7}
			ht := &mockHeaters{modeErr: tc.err}
			s := &service.Service{
				Authorization: auth,
				Monitoring:    &mockMonitoring{},
				Heaters:       ht,
			}
			r := newTestRouter(s)

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/dev1/heaters/2/mode", bytes.NewBufferString(`{"mode":"auto"}`))
			req.Header.Set("Content-Type", "application/json")
			for k, vv := range authHeader("valid") {
				for _, v := range vv {
					req.Header.Add(k, v)
				}
			}
			r.ServeHTTP(w, req)

			if w.Code != tc.want {
				t.Fatalf("status: got %d, want %d (body=%s)", w.Code, tc.want, w.Body.String())
			}
			var out struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal(w.Body.Bytes(), &out)
			if out.Error == "" {
				t.Fatalf("error body missing: %s", w.Body.String())
			}
		})
	}
}
