package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taoyao-code/ble-gateway/internal/bluetooth"
	"github.com/taoyao-code/ble-gateway/internal/tracker"
)

// TrackerHandler 跟踪设备查询
type TrackerHandler struct {
	tracker *tracker.Tracker
}

func NewTrackerHandler(t *tracker.Tracker) *TrackerHandler {
	return &TrackerHandler{tracker: t}
}

// ListTracked 跟踪设备快照
// @Summary 查询跟踪设备（在线、电量、熔断状态）
// @Tags 跟踪
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} map[string]interface{}
// @Router /api/tracker [get]
func (h *TrackerHandler) ListTracked(c *gin.Context) {
	if h.tracker == nil {
		c.JSON(http.StatusOK, gin.H{"devices": []tracker.Snapshot{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": h.tracker.Snapshots()})
}

// GetTracked 单个跟踪设备
// @Summary 查询单个跟踪设备
// @Tags 跟踪
// @Produce json
// @Security ApiKeyAuth
// @Param address path string true "设备地址"
// @Success 200 {object} tracker.Snapshot
// @Failure 404 {object} map[string]interface{}
// @Router /api/tracker/{address} [get]
func (h *TrackerHandler) GetTracked(c *gin.Context) {
	addr, err := parseAddressParam(c)
	if err != nil {
		writeError(c, err)
		return
	}
	if h.tracker != nil {
		if s, ok := h.tracker.Lookup(addr); ok {
			c.JSON(http.StatusOK, s)
			return
		}
	}
	writeError(c, fmt.Errorf("%w: %s is not tracked", bluetooth.ErrNotFound, addr))
}
