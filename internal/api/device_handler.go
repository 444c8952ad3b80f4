package api

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taoyao-code/ble-gateway/internal/bluetooth"
	"github.com/taoyao-code/ble-gateway/internal/storage/models"
)

// EventSource 设备事件查询（记录器的某个 Sink）
type EventSource interface {
	RecentEvents(ctx context.Context, address string, limit int) ([]models.Event, error)
}

// DeviceHandler 设备与 GATT 操作接口
//
// 读写请求只负责提交：202 表示已进入适配器工作池，结果经监听器（记录器、跟踪器）异步到达。
type DeviceHandler struct {
	adapter *bluetooth.Adapter
	events  EventSource
	timeout time.Duration
	logger  *zap.Logger
}

func NewDeviceHandler(adapter *bluetooth.Adapter, events EventSource, timeout time.Duration, logger *zap.Logger) *DeviceHandler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DeviceHandler{adapter: adapter, events: events, timeout: timeout, logger: logger}
}

// WriteRequest 写入请求，value 为十六进制
type WriteRequest struct {
	Value string `json:"value" binding:"required"`
}

// NotifyRequest 通知开关
type NotifyRequest struct {
	Enable *bool `json:"enable" binding:"required"`
}

func parseAddressParam(c *gin.Context) (bluetooth.Address, error) {
	return bluetooth.ParseAddress(c.Param("address"))
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, error) {
	u, err := bluetooth.ParseUUID(c.Param(name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return u, nil
}

// lookup 只查已知设备；GATT 操作需要已发现的目录
func (h *DeviceHandler) lookup(c *gin.Context) (*bluetooth.Device, bool) {
	addr, err := parseAddressParam(c)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	dev, ok := h.adapter.Lookup(addr)
	if !ok {
		writeError(c, fmt.Errorf("%w: device %s", bluetooth.ErrNotFound, addr))
		return nil, false
	}
	return dev, true
}

// ListDevices 查询设备列表
// @Summary 查询已知设备
// @Tags 设备
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} map[string]interface{}
// @Router /api/devices [get]
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	devices := h.adapter.Devices()
	out := make([]bluetooth.DeviceSnapshot, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.Snapshot(false))
	}
	c.JSON(http.StatusOK, gin.H{"devices": out, "total": len(out)})
}

// GetDevice 查询单个设备（含 GATT 目录）
// @Summary 查询设备详情
// @Tags 设备
// @Produce json
// @Security ApiKeyAuth
// @Param address path string true "设备地址 AA:BB:CC:DD:EE:FF"
// @Success 200 {object} bluetooth.DeviceSnapshot
// @Failure 400 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /api/devices/{address} [get]
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	dev, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, dev.Snapshot(true))
}

// Connect 发起连接；未知地址会先登记设备（直连）
// @Summary 连接设备
// @Tags 设备
// @Produce json
// @Security ApiKeyAuth
// @Param address path string true "设备地址"
// @Success 202 {object} map[string]interface{}
// @Router /api/devices/{address}/connect [post]
func (h *DeviceHandler) Connect(c *gin.Context) {
	addr, err := parseAddressParam(c)
	if err != nil {
		writeError(c, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()
	dev := h.adapter.GetDevice(addr)
	if err := dev.Connect(ctx); err != nil {
		writeError(c, err)
		return
	}
	h.logger.Info("connect requested", zap.String("address", addr.String()))
	c.JSON(http.StatusAccepted, gin.H{"address": addr.String(), "state": dev.State().String()})
}

// Disconnect 断开连接
// @Summary 断开设备
// @Tags 设备
// @Produce json
// @Security ApiKeyAuth
// @Param address path string true "设备地址"
// @Success 202 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{}
// @Router /api/devices/{address}/disconnect [post]
func (h *DeviceHandler) Disconnect(c *gin.Context) {
	dev, ok := h.lookup(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()
	if err := dev.Disconnect(ctx); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"address": dev.Address().String()})
}

// DiscoverServices 重新发现服务
// @Summary 重新发现 GATT 服务
// @Tags 设备
// @Produce json
// @Security ApiKeyAuth
// @Param address path string true "设备地址"
// @Success 202 {object} map[string]interface{}
// @Router /api/devices/{address}/services/discover [post]
func (h *DeviceHandler) DiscoverServices(c *gin.Context) {
	dev, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := dev.DiscoverServices(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"address": dev.Address().String()})
}

// ReadCharacteristic 提交特征读取
// @Summary 读取特征（异步）
// @Tags GATT
// @Produce json
// @Security ApiKeyAuth
// @Param address path string true "设备地址"
// @Param uuid path string true "特征 UUID，支持 16 位短格式"
// @Success 202 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /api/devices/{address}/characteristics/{uuid}/read [post]
func (h *DeviceHandler) ReadCharacteristic(c *gin.Context) {
	dev, ok := h.lookup(c)
	if !ok {
		return
	}
	u, err := parseUUIDParam(c, "uuid")
	if err != nil {
		writeError(c, err)
		return
	}
	if err := dev.ReadCharacteristic(u); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"address": dev.Address().String(), "uuid": u.String()})
}

// WriteCharacteristic 提交特征写入
// @Summary 写入特征（异步）
// @Tags GATT
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param address path string true "设备地址"
// @Param uuid path string true "特征 UUID"
// @Param body body WriteRequest true "十六进制值"
// @Success 202 {object} map[string]interface{}
// @Router /api/devices/{address}/characteristics/{uuid}/write [post]
func (h *DeviceHandler) WriteCharacteristic(c *gin.Context) {
	dev, ok := h.lookup(c)
	if !ok {
		return
	}
	u, err := parseUUIDParam(c, "uuid")
	if err != nil {
		writeError(c, err)
		return
	}
	value, err := bindHexValue(c)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := dev.WriteCharacteristic(u, value); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"address": dev.Address().String(), "uuid": u.String(), "length": len(value)})
}

// SetNotify 开关特征通知
// @Summary 开关特征通知
// @Tags GATT
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param address path string true "设备地址"
// @Param uuid path string true "特征 UUID"
// @Param body body NotifyRequest true "enable"
// @Success 200 {object} map[string]interface{}
// @Failure 502 {object} map[string]interface{}
// @Router /api/devices/{address}/characteristics/{uuid}/notify [post]
func (h *DeviceHandler) SetNotify(c *gin.Context) {
	dev, ok := h.lookup(c)
	if !ok {
		return
	}
	u, err := parseUUIDParam(c, "uuid")
	if err != nil {
		writeError(c, err)
		return
	}
	var req NotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()
	if *req.Enable {
		err = dev.EnableNotifications(ctx, u)
	} else {
		err = dev.DisableNotifications(ctx, u)
	}
	if err != nil {
		h.logger.Warn("set notify failed",
			zap.String("address", dev.Address().String()),
			zap.String("uuid", u.String()),
			zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": dev.Address().String(), "uuid": u.String(), "notifying": *req.Enable})
}

// ReadDescriptor 提交描述符读取
// @Summary 读取描述符（异步）
// @Tags GATT
// @Produce json
// @Security ApiKeyAuth
// @Param address path string true "设备地址"
// @Param uuid path string true "特征 UUID"
// @Param desc path string true "描述符 UUID"
// @Success 202 {object} map[string]interface{}
// @Router /api/devices/{address}/characteristics/{uuid}/descriptors/{desc}/read [post]
func (h *DeviceHandler) ReadDescriptor(c *gin.Context) {
	dev, ok := h.lookup(c)
	if !ok {
		return
	}
	cu, err := parseUUIDParam(c, "uuid")
	if err != nil {
		writeError(c, err)
		return
	}
	du, err := parseUUIDParam(c, "desc")
	if err != nil {
		writeError(c, err)
		return
	}
	if err := dev.ReadDescriptor(cu, du); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"address": dev.Address().String(), "uuid": du.String()})
}

// WriteDescriptor 提交描述符写入
// @Summary 写入描述符（异步）
// @Tags GATT
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param address path string true "设备地址"
// @Param uuid path string true "特征 UUID"
// @Param desc path string true "描述符 UUID"
// @Param body body WriteRequest true "十六进制值"
// @Success 202 {object} map[string]interface{}
// @Router /api/devices/{address}/characteristics/{uuid}/descriptors/{desc}/write [post]
func (h *DeviceHandler) WriteDescriptor(c *gin.Context) {
	dev, ok := h.lookup(c)
	if !ok {
		return
	}
	cu, err := parseUUIDParam(c, "uuid")
	if err != nil {
		writeError(c, err)
		return
	}
	du, err := parseUUIDParam(c, "desc")
	if err != nil {
		writeError(c, err)
		return
	}
	value, err := bindHexValue(c)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := dev.WriteDescriptor(cu, du, value); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"address": dev.Address().String(), "uuid": du.String(), "length": len(value)})
}

// ListEvents 查询设备最近事件
// @Summary 查询设备事件
// @Tags 设备
// @Produce json
// @Security ApiKeyAuth
// @Param address path string true "设备地址"
// @Param limit query int false "条数(默认50)"
// @Success 200 {object} map[string]interface{}
// @Router /api/devices/{address}/events [get]
func (h *DeviceHandler) ListEvents(c *gin.Context) {
	addr, err := parseAddressParam(c)
	if err != nil {
		writeError(c, err)
		return
	}
	if h.events == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event journal disabled"})
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, e := strconv.Atoi(v); e == nil && n > 0 {
			limit = n
		}
	}
	events, err := h.events.RecentEvents(c.Request.Context(), addr.String(), limit)
	if err != nil {
		h.logger.Error("list events failed", zap.String("address", addr.String()), zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr.String(), "events": events})
}

func bindHexValue(c *gin.Context) ([]byte, error) {
	var req WriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	s := strings.TrimPrefix(strings.ReplaceAll(req.Value, " ", ""), "0x")
	value, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: value is not hex: %v", errBadRequest, err)
	}
	return value, nil
}
