package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/ble-gateway/internal/bluetooth"
)

// AdapterHandler 适配器级接口
type AdapterHandler struct {
	adapter *bluetooth.Adapter
	backend string
	logger  *zap.Logger
}

func NewAdapterHandler(adapter *bluetooth.Adapter, backend string, logger *zap.Logger) *AdapterHandler {
	return &AdapterHandler{adapter: adapter, backend: backend, logger: logger}
}

// AdapterResponse 适配器概要
type AdapterResponse struct {
	Backend string `json:"backend"`
	bluetooth.AdapterInfo
}

// GetAdapter 查询适配器
// @Summary 查询适配器状态
// @Tags 适配器
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} AdapterResponse
// @Router /api/adapter [get]
func (h *AdapterHandler) GetAdapter(c *gin.Context) {
	c.JSON(http.StatusOK, AdapterResponse{Backend: h.backend, AdapterInfo: h.adapter.Info()})
}

// StartScan 开始扫描
// @Summary 开始设备发现
// @Tags 适配器
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /api/adapter/scan/start [post]
func (h *AdapterHandler) StartScan(c *gin.Context) {
	if err := h.adapter.ScanStart(c.Request.Context()); err != nil {
		h.logger.Warn("scan start failed", zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scanning": true})
}

// StopScan 停止扫描；未在扫描时同样返回成功
// @Summary 停止设备发现
// @Tags 适配器
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} map[string]interface{}
// @Router /api/adapter/scan/stop [post]
func (h *AdapterHandler) StopScan(c *gin.Context) {
	if err := h.adapter.ScanStop(c.Request.Context()); err != nil {
		h.logger.Warn("scan stop failed", zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scanning": false})
}
