package pg

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taoyao-code/ble-gateway/internal/storage/models"
)

// ErrDeviceNotFound 设备不存在
var ErrDeviceNotFound = errors.New("device record not found")

// Repository ble_devices / ble_events 持久化
type Repository struct {
	Pool *pgxpool.Pool
}

// UpsertDevice 按地址覆盖设备快照；空名称不覆盖已有名称
func (r *Repository) UpsertDevice(ctx context.Context, d models.Device) error {
	const q = `INSERT INTO ble_devices (address, adapter, name, rssi, tx_power, state, manufacturer_data, last_seen_at)
               VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
               ON CONFLICT (address) DO UPDATE SET
                   adapter = EXCLUDED.adapter,
                   name = COALESCE(NULLIF(EXCLUDED.name, ''), ble_devices.name),
                   rssi = EXCLUDED.rssi,
                   tx_power = EXCLUDED.tx_power,
                   state = EXCLUDED.state,
                   manufacturer_data = COALESCE(EXCLUDED.manufacturer_data, ble_devices.manufacturer_data),
                   last_seen_at = GREATEST(EXCLUDED.last_seen_at, ble_devices.last_seen_at),
                   updated_at = NOW()`
	_, err := r.Pool.Exec(ctx, q, d.Address, d.Adapter, d.Name, d.RSSI, d.TxPower, d.State, d.ManufacturerData, d.LastSeenAt)
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", d.Address, err)
	}
	return nil
}

// InsertEvent 追加设备事件；ID 重复时忽略
func (r *Repository) InsertEvent(ctx context.Context, e models.Event) error {
	const q = `INSERT INTO ble_events (id, address, kind, attribute, detail, value, created_at)
               VALUES ($1,$2,$3,$4,$5,$6,$7)
               ON CONFLICT (id) DO NOTHING`
	_, err := r.Pool.Exec(ctx, q, e.ID, e.Address, string(e.Kind), e.Attribute, e.Detail, e.Value, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.Address, err)
	}
	return nil
}

// GetDevice 查询单个设备
func (r *Repository) GetDevice(ctx context.Context, address string) (models.Device, error) {
	const q = `SELECT address, adapter, name, rssi, tx_power, state, manufacturer_data, last_seen_at
               FROM ble_devices WHERE address = $1`
	var d models.Device
	err := r.Pool.QueryRow(ctx, q, address).Scan(
		&d.Address, &d.Adapter, &d.Name, &d.RSSI, &d.TxPower, &d.State, &d.ManufacturerData, &d.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return d, ErrDeviceNotFound
	}
	return d, err
}

// RecentEvents 某设备最近的事件，按时间倒序
func (r *Repository) RecentEvents(ctx context.Context, address string, limit int) ([]models.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	const q = `SELECT id::text, address, kind, attribute, detail, value, created_at
               FROM ble_events WHERE address = $1
               ORDER BY created_at DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, address, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Event, error) {
		var e models.Event
		var kind string
		err := row.Scan(&e.ID, &e.Address, &kind, &e.Attribute, &e.Detail, &e.Value, &e.CreatedAt)
		e.Kind = models.EventKind(kind)
		return e, err
	})
}
