package handlers

import (
	"errors"
	"net"
	"net/http"

	"termobridge/internal/service"
	"termobridge/internal/termoweb"

	"github.com/gin-gonic/gin"
)

// Common response/status constants to avoid magic strings and typos.
const (
	statusOK       = "ok"
	statusAccepted = "accepted" // write submitted; the echo confirms it

	errBackendAuth     = "backend rejected bridge credentials"
	errBackendBusy     = "backend rate limited, retry later"
	errBackendFailed   = "backend request failed"
	errInternal        = "internal error"
	errInvalidBodyPref = "invalid body: "
)

// Centralized error logging and response.
func (h *Handler) logAndJSONError(c *gin.Context, httpCode int, userMsg, logKey string, err error, kv ...interface{}) {
	if h.log != nil && err != nil {
		fields := append([]interface{}{"err", err}, kv...)
		h.log.Errorw(logKey, fields...)
	}
	c.JSON(httpCode, gin.H{"error": userMsg})
}

// serviceError maps a command or read failure onto an HTTP status: local
// validation 400, unknown node 404, vendor auth 502, vendor rate limit 503,
// other transport 502, anything else 500. Local rejections carry the reason;
// backend failures hide it and log instead.
func (h *Handler) serviceError(c *gin.Context, logKey string, err error, kv ...interface{}) {
	switch {
	case errors.Is(err, service.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrUnknownNode):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, termoweb.ErrAuth):
		h.logAndJSONError(c, http.StatusBadGateway, errBackendAuth, logKey, err, kv...)
	case errors.Is(err, termoweb.ErrRateLimited):
		h.logAndJSONError(c, http.StatusServiceUnavailable, errBackendBusy, logKey, err, kv...)
	case isTransportErr(err):
		h.logAndJSONError(c, http.StatusBadGateway, errBackendFailed, logKey, err, kv...)
	default:
		h.logAndJSONError(c, http.StatusInternalServerError, errInternal, logKey, err, kv...)
	}
}

func isTransportErr(err error) bool {
	var se *termoweb.StatusError
	var ne net.Error
	return errors.As(err, &se) || errors.As(err, &ne)
}

// Respond with a status and include the node's current state if available
// (best-effort; the freeze table still holds the written values).
func (h *Handler) respondWithNodeState(c *gin.Context, status, devID, addr string, extra gin.H) {
	ctx := c.Request.Context()
	resp := gin.H{"status": status}
	for k, v := range extra {
		resp[k] = v
	}
	if st, err := h.services.Monitoring.HeaterState(ctx, devID, addr); err == nil {
		resp["state"] = st
	}
	c.JSON(http.StatusOK, resp)
}

// Request DTO for setting mode.
type modeRequest struct {
	Mode string `json:"mode" binding:"required"` // auto | manual | off
}

// SetModeRequest is an exported model for Swagger docs of the setMode payload.
type SetModeRequest struct {
	// Mode to set. Allowed: auto, manual, off
	Mode string `json:"mode" example:"manual"`
}

// Request DTO for setting the target temperature.
type setpointRequest struct {
	Temp float64 `json:"temp" binding:"required"`
}

// SetSetpointRequest is an exported model for Swagger docs of the setpoint payload.
type SetSetpointRequest struct {
	// Target temperature in the node's units (5 to 30 when Celsius)
	Temp float64 `json:"temp" example:"21.5"`
}

// Request DTO for replacing the preset temperatures.
type presetsRequest struct {
	PTemp []float64 `json:"ptemp" binding:"required"` // [cold, night, day]
}

// Request DTO for replacing the weekly program.
type scheduleRequest struct {
	Prog []int `json:"prog" binding:"required"` // 168 slots of 0|1|2
}

// @Summary      Health check
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /health [get]
func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": statusOK,
	})
}

// @Summary      Set heater mode
// @Tags         heaters
// @Accept       json
// @Produce      json
// @Param        dev_id  path   string          true  "Device ID"
// @Param        addr    path   string          true  "Node address"
// @Param        body    body   SetModeRequest  true  "Mode payload"
// @Success      200   {object}  map[string]interface{}
// @Failure      400   {object}  map[string]string
// @Failure      401   {object}  map[string]string
// @Failure      404   {object}  map[string]string
// @Failure      502   {object}  map[string]string
// @Router       /api/v1/devices/{dev_id}/heaters/{addr}/mode [post]
// @Security     BearerAuth
func (h *Handler) setMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}
	devID, addr := c.Param("dev_id"), c.Param("addr")
	params := service.ModeParams{DevID: devID, Addr: addr, Mode: req.Mode}
	if err := h.services.Heaters.SetMode(c.Request.Context(), params); err != nil {
		h.serviceError(c, "heater_set_mode_failed", err, "node", devID+"/"+addr, "mode", req.Mode)
		return
	}
	h.respondWithNodeState(c, statusAccepted, devID, addr, gin.H{"mode": req.Mode})
}

// @Summary      Set target temperature
// @Description  Always switches the node to manual mode alongside the setpoint
// @Tags         heaters
// @Accept       json
// @Produce      json
// @Param        dev_id  path   string              true  "Device ID"
// @Param        addr    path   string              true  "Node address"
// @Param        body    body   SetSetpointRequest  true  "Setpoint payload"
// @Success      200   {object}  map[string]interface{}
// @Failure      400   {object}  map[string]string
// @Failure      401   {object}  map[string]string
// @Failure      404   {object}  map[string]string
// @Failure      502   {object}  map[string]string
// @Router       /api/v1/devices/{dev_id}/heaters/{addr}/setpoint [post]
// @Security     BearerAuth
func (h *Handler) setSetpoint(c *gin.Context) {
	var req setpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}
	devID, addr := c.Param("dev_id"), c.Param("addr")
	params := service.SetpointParams{DevID: devID, Addr: addr, TempC: req.Temp}
	if err := h.services.Heaters.SetSetpoint(c.Request.Context(), params); err != nil {
		h.serviceError(c, "heater_set_setpoint_failed", err, "node", devID+"/"+addr, "temp", req.Temp)
		return
	}
	h.respondWithNodeState(c, statusAccepted, devID, addr, gin.H{"temp": req.Temp})
}

// @Summary      Replace preset temperatures
// @Description  Exactly three entries: cold, night, day
// @Tags         heaters
// @Accept       json
// @Produce      json
// @Param        dev_id  path   string  true  "Device ID"
// @Param        addr    path   string  true  "Node address"
// @Param        body    body   object  true  "Presets payload {\"ptemp\":[7,16,21]}"
// @Success      200   {object}  map[string]interface{}
// @Failure      400   {object}  map[string]string
// @Failure      401   {object}  map[string]string
// @Failure      404   {object}  map[string]string
// @Failure      502   {object}  map[string]string
// @Router       /api/v1/devices/{dev_id}/heaters/{addr}/presets [post]
// @Security     BearerAuth
func (h *Handler) setPresets(c *gin.Context) {
	var req presetsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}
	devID, addr := c.Param("dev_id"), c.Param("addr")
	params := service.PresetParams{DevID: devID, Addr: addr, TempsC: req.PTemp}
	if err := h.services.Heaters.SetPresets(c.Request.Context(), params); err != nil {
		h.serviceError(c, "heater_set_presets_failed", err, "node", devID+"/"+addr)
		return
	}
	h.respondWithNodeState(c, statusAccepted, devID, addr, gin.H{"ptemp": req.PTemp})
}

// @Summary      Replace weekly program
// @Description  168 hourly slots, one per hour from Monday 00:00; 0=cold 1=night 2=day
// @Tags         heaters
// @Accept       json
// @Produce      json
// @Param        dev_id  path   string  true  "Device ID"
// @Param        addr    path   string  true  "Node address"
// @Param        body    body   object  true  "Schedule payload {\"prog\":[0,1,2,...]}"
// @Success      200   {object}  map[string]interface{}
// @Failure      400   {object}  map[string]string
// @Failure      401   {object}  map[string]string
// @Failure      404   {object}  map[string]string
// @Failure      502   {object}  map[string]string
// @Router       /api/v1/devices/{dev_id}/heaters/{addr}/schedule [post]
// @Security     BearerAuth
func (h *Handler) setSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}
	devID, addr := c.Param("dev_id"), c.Param("addr")
	params := service.ScheduleParams{DevID: devID, Addr: addr, Slots: req.Prog}
	if err := h.services.Heaters.SetSchedule(c.Request.Context(), params); err != nil {
		h.serviceError(c, "heater_set_schedule_failed", err, "node", devID+"/"+addr)
		return
	}
	h.respondWithNodeState(c, statusAccepted, devID, addr, gin.H{})
}
