package bluetooth

import (
	"encoding/hex"
	"time"
)

// DeviceSnapshot 设备只读视图（API / 记录器使用）
type DeviceSnapshot struct {
	Address  string            `json:"address"`
	Name     string            `json:"name,omitempty"`
	RSSI     int               `json:"rssi"`
	TxPower  int               `json:"tx_power"`
	State    string            `json:"state"`
	LastSeen time.Time         `json:"last_seen"`
	Services []ServiceSnapshot `json:"services,omitempty"`
}

type ServiceSnapshot struct {
	UUID            string                   `json:"uuid"`
	Name            string                   `json:"name,omitempty"`
	Handle          uint16                   `json:"handle,omitempty"`
	Characteristics []CharacteristicSnapshot `json:"characteristics,omitempty"`
}

type CharacteristicSnapshot struct {
	UUID        string               `json:"uuid"`
	Name        string               `json:"name,omitempty"`
	Handle      uint16               `json:"handle,omitempty"`
	Properties  uint8                `json:"properties"`
	Value       string               `json:"value,omitempty"` // hex
	Notifying   bool                 `json:"notifying"`
	Descriptors []DescriptorSnapshot `json:"descriptors,omitempty"`
}

type DescriptorSnapshot struct {
	UUID   string `json:"uuid"`
	Handle uint16 `json:"handle,omitempty"`
	Value  string `json:"value,omitempty"`
}

// Snapshot 生成快照；withCatalog 为 false 时不展开 GATT 目录
func (d *Device) Snapshot(withCatalog bool) DeviceSnapshot {
	d.mu.RLock()
	s := DeviceSnapshot{
		Address:  d.addr.String(),
		Name:     d.name,
		RSSI:     d.rssi,
		TxPower:  d.txPower,
		State:    d.state.String(),
		LastSeen: d.lastSeen,
	}
	d.mu.RUnlock()
	if !withCatalog {
		return s
	}
	for _, svc := range d.catalog.Services() {
		ss := ServiceSnapshot{UUID: svc.UUID().String(), Name: svc.Name(), Handle: svc.Handle()}
		for _, ch := range svc.Characteristics() {
			cs := CharacteristicSnapshot{
				UUID:       ch.UUID().String(),
				Name:       ch.Name(),
				Handle:     ch.Handle(),
				Properties: ch.Properties(),
				Value:      hex.EncodeToString(ch.Value()),
				Notifying:  ch.Notifying(),
			}
			for _, desc := range ch.Descriptors() {
				cs.Descriptors = append(cs.Descriptors, DescriptorSnapshot{
					UUID:   desc.UUID().String(),
					Handle: desc.Handle(),
					Value:  hex.EncodeToString(desc.Value()),
				})
			}
			ss.Characteristics = append(ss.Characteristics, cs)
		}
		s.Services = append(s.Services, ss)
	}
	return s
}
