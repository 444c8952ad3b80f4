package models

import (
	"time"
)

// 注意：保持与 internal/migrate/sql 中的表结构对齐

// EventKind 设备事件类型
type EventKind string

const (
	EventScan            EventKind = "scan"
	EventState           EventKind = "state"
	EventServices        EventKind = "services"
	EventRead            EventKind = "read"
	EventWrite           EventKind = "write"
	EventUpdate          EventKind = "update"
	EventDescriptorRead  EventKind = "descriptor_read"
	EventDescriptorWrite EventKind = "descriptor_write"
	EventDescriptor      EventKind = "descriptor"
	EventDiscovered      EventKind = "discovered"
	EventFailure         EventKind = "failure"
)

// Device 映射 ble_devices 表（每个地址一行，持续覆盖）
type Device struct {
	Address          string    `json:"address"`
	Adapter          string    `json:"adapter"`
	Name             string    `json:"name,omitempty"`
	RSSI             int       `json:"rssi"`
	TxPower          int       `json:"tx_power"`
	State            string    `json:"state"`
	ManufacturerData []byte    `json:"manufacturer_data,omitempty"`
	LastSeenAt       time.Time `json:"last_seen_at"`
}

// Event 映射 ble_events 表（追加写）
type Event struct {
	ID      string    `json:"id"`
	Address string    `json:"address"`
	Kind    EventKind `json:"kind"`
	// Attribute 特征/描述符 UUID，状态类事件为空
	Attribute string    `json:"attribute,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Value     []byte    `json:"value,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
