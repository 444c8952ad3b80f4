package redis

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taoyao-code/ble-gateway/internal/storage/models"
)

const (
	deviceKeyFmt = "ble:device:%s" // Hash，设备最新快照
	eventsKeyFmt = "ble:events:%s" // List，最近事件（LPUSH + LTRIM）
)

// PresenceCache 设备在线快照与最近事件缓存
type PresenceCache struct {
	client    redis.Cmdable
	ttl       time.Duration
	maxEvents int64
}

// NewPresenceCache ttl<=0 取 10 分钟，maxEvents<=0 取 100
func NewPresenceCache(client redis.Cmdable, ttl time.Duration, maxEvents int) *PresenceCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxEvents <= 0 {
		maxEvents = 100
	}
	return &PresenceCache{client: client, ttl: ttl, maxEvents: int64(maxEvents)}
}

func DeviceKey(address string) string { return fmt.Sprintf(deviceKeyFmt, address) }
func EventsKey(address string) string { return fmt.Sprintf(eventsKeyFmt, address) }

// deviceFields 设备快照展开为 Hash 字段
func deviceFields(d models.Device) map[string]any {
	f := map[string]any{
		"adapter":      d.Adapter,
		"rssi":         d.RSSI,
		"tx_power":     d.TxPower,
		"state":        d.State,
		"last_seen_at": d.LastSeenAt.UTC().Format(time.RFC3339Nano),
	}
	if d.Name != "" {
		f["name"] = d.Name
	}
	if len(d.ManufacturerData) > 0 {
		f["manufacturer_data"] = hex.EncodeToString(d.ManufacturerData)
	}
	return f
}

// parseDevice Hash 字段还原设备快照
func parseDevice(address string, h map[string]string) models.Device {
	d := models.Device{
		Address: address,
		Adapter: h["adapter"],
		Name:    h["name"],
		State:   h["state"],
	}
	d.RSSI, _ = strconv.Atoi(h["rssi"])
	d.TxPower, _ = strconv.Atoi(h["tx_power"])
	d.LastSeenAt, _ = time.Parse(time.RFC3339Nano, h["last_seen_at"])
	if v := h["manufacturer_data"]; v != "" {
		d.ManufacturerData, _ = hex.DecodeString(v)
	}
	return d
}

// UpsertDevice HSET 快照并刷新 TTL
func (c *PresenceCache) UpsertDevice(ctx context.Context, d models.Device) error {
	key := DeviceKey(d.Address)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, deviceFields(d))
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache device %s: %w", d.Address, err)
	}
	return nil
}

// InsertEvent 事件写入列表头部并裁剪长度
func (c *PresenceCache) InsertEvent(ctx context.Context, e models.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := EventsKey(e.Address)
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, c.maxEvents-1)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache event %s: %w", e.Address, err)
	}
	return nil
}

// GetDevice 读取快照，不存在或已过期返回 false
func (c *PresenceCache) GetDevice(ctx context.Context, address string) (models.Device, bool, error) {
	h, err := c.client.HGetAll(ctx, DeviceKey(address)).Result()
	if err != nil {
		return models.Device{}, false, err
	}
	if len(h) == 0 {
		return models.Device{}, false, nil
	}
	return parseDevice(address, h), true, nil
}

// RecentEvents 最近事件，新事件在前
func (c *PresenceCache) RecentEvents(ctx context.Context, address string, limit int) ([]models.Event, error) {
	if limit <= 0 || int64(limit) > c.maxEvents {
		limit = int(c.maxEvents)
	}
	raw, err := c.client.LRange(ctx, EventsKey(address), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Event, 0, len(raw))
	for _, s := range raw {
		var e models.Event
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
