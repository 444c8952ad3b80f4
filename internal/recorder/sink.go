package recorder

import (
	"context"
	"sync"

	"github.com/taoyao-code/ble-gateway/internal/storage/models"
)

// Sink 记录落地目标；pg.Repository 与 redis.PresenceCache 都满足该接口
type Sink interface {
	UpsertDevice(ctx context.Context, d models.Device) error
	InsertEvent(ctx context.Context, e models.Event) error
}

// MemorySink 内存实现，事件只保留最近 limit 条
type MemorySink struct {
	mu      sync.RWMutex
	limit   int
	devices map[string]models.Device
	events  []models.Event
}

func NewMemorySink(limit int) *MemorySink {
	if limit <= 0 {
		limit = 1000
	}
	return &MemorySink{limit: limit, devices: make(map[string]models.Device)}
}

func (s *MemorySink) UpsertDevice(_ context.Context, d models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.devices[d.Address]; ok {
		if d.Name == "" {
			d.Name = prev.Name
		}
		if d.ManufacturerData == nil {
			d.ManufacturerData = prev.ManufacturerData
		}
	}
	s.devices[d.Address] = d
	return nil
}

func (s *MemorySink) InsertEvent(_ context.Context, e models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	if over := len(s.events) - s.limit; over > 0 {
		s.events = append(s.events[:0:0], s.events[over:]...)
	}
	return nil
}

// Device 按地址取快照
func (s *MemorySink) Device(address string) (models.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[address]
	return d, ok
}

// Events 某地址的事件，address 为空返回全部，按写入顺序
func (s *MemorySink) Events(address string) []models.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Event, 0, len(s.events))
	for _, e := range s.events {
		if address == "" || e.Address == address {
			out = append(out, e)
		}
	}
	return out
}

// RecentEvents 某地址最近的事件，新事件在前；limit<=0 返回全部
func (s *MemorySink) RecentEvents(_ context.Context, address string, limit int) ([]models.Event, error) {
	all := s.Events(address)
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]models.Event, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}
