package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	errLoadDevices = "failed to load devices"
	errLoadStatus  = "failed to load bridge status"
)

// @Summary      List devices
// @Description  Discovered devices with node inventory and realtime connectivity
// @Tags         devices
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "count, devices"
// @Failure      401  {object}  map[string]string
// @Failure      500  {object}  map[string]string
// @Router       /api/v1/devices [get]
// @Security     BearerAuth
func (h *Handler) listDevices(c *gin.Context) {
	devices, err := h.services.Monitoring.Devices(c.Request.Context())
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, errLoadDevices, "devices_list_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":   len(devices),
		"devices": devices,
	})
}

// @Summary      Refresh node inventory
// @Description  Re-lists one device's nodes from the backend on demand
// @Tags         devices
// @Produce      json
// @Param        dev_id  path  string  true  "Device ID"
// @Success      200  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Failure      502  {object}  map[string]string
// @Router       /api/v1/devices/{dev_id}/nodes/refresh [post]
// @Security     BearerAuth
func (h *Handler) refreshNodes(c *gin.Context) {
	devID := c.Param("dev_id")
	if err := h.services.Monitoring.RefreshNodes(c.Request.Context(), devID); err != nil {
		h.serviceError(c, "nodes_refresh_failed", err, "dev", devID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": statusOK})
}

// @Summary      List heater states
// @Tags         devices
// @Produce      json
// @Param        dev_id  path  string  true  "Device ID"
// @Success      200  {object}  map[string]interface{}  "count, heaters"
// @Failure      401  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /api/v1/devices/{dev_id}/heaters [get]
// @Security     BearerAuth
func (h *Handler) listHeaters(c *gin.Context) {
	devID := c.Param("dev_id")
	heaters, err := h.services.Monitoring.Heaters(c.Request.Context(), devID)
	if err != nil {
		h.serviceError(c, "heaters_list_failed", err, "dev", devID)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":   len(heaters),
		"heaters": heaters,
	})
}

// @Summary      Get heater state
// @Description  Merged best-known state of one heater node
// @Tags         devices
// @Produce      json
// @Param        dev_id  path  string  true  "Device ID"
// @Param        addr    path  string  true  "Node address"
// @Success      200  {object}  models.HeaterState
// @Failure      401  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /api/v1/devices/{dev_id}/heaters/{addr} [get]
// @Security     BearerAuth
func (h *Handler) getHeaterState(c *gin.Context) {
	devID, addr := c.Param("dev_id"), c.Param("addr")
	st, err := h.services.Monitoring.HeaterState(c.Request.Context(), devID, addr)
	if err != nil {
		h.serviceError(c, "heater_state_failed", err, "node", devID+"/"+addr)
		return
	}
	c.JSON(http.StatusOK, st)
}

// @Summary      Get advanced setup
// @Description  Vendor advanced-setup payload, passed through untouched
// @Tags         devices
// @Produce      json
// @Param        dev_id  path  string  true  "Device ID"
// @Param        addr    path  string  true  "Node address"
// @Success      200  {object}  object
// @Failure      401  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Failure      502  {object}  map[string]string
// @Router       /api/v1/devices/{dev_id}/heaters/{addr}/advanced [get]
// @Security     BearerAuth
func (h *Handler) getAdvancedSetup(c *gin.Context) {
	devID, addr := c.Param("dev_id"), c.Param("addr")
	raw, err := h.services.Monitoring.AdvancedSetup(c.Request.Context(), devID, addr)
	if err != nil {
		h.serviceError(c, "advanced_setup_failed", err, "node", devID+"/"+addr)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
}

// @Summary      Bridge status
// @Description  Per-device realtime phase, counters and poll cadence
// @Tags         system
// @Produce      json
// @Success      200  {object}  models.BridgeStatus
// @Failure      401  {object}  map[string]string
// @Failure      500  {object}  map[string]string
// @Router       /api/v1/status [get]
// @Security     BearerAuth
func (h *Handler) getStatus(c *gin.Context) {
	status, err := h.services.Monitoring.Status(c.Request.Context())
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, errLoadStatus, "status_failed", err)
		return
	}
	c.JSON(http.StatusOK, status)
}
