package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taoyao-code/ble-gateway/internal/bluetooth"
	"github.com/taoyao-code/ble-gateway/internal/bluetooth/bluetoothtest"
	cfgpkg "github.com/taoyao-code/ble-gateway/internal/config"
	"github.com/taoyao-code/ble-gateway/internal/recorder"
)

func TestBlueGigaConfig(t *testing.T) {
	bc := cfgpkg.BluetoothConfig{
		Address: "00:1A:7D:DA:71:13",
		BlueGiga: cfgpkg.BlueGigaConfig{
			Serial:          cfgpkg.SerialConfig{Port: "/dev/ttyACM0", Baud: 115200, CommandRate: 50},
			ScanInterval:    0x4B,
			ConnIntervalMin: 60,
			MinKeySize:      7,
			IOCapabilities:  "DisplayYesNo",
		},
	}
	got := BlueGigaConfig(bc)
	assert.Equal(t, "/dev/ttyACM0", got.Serial.Device)
	assert.Equal(t, 50, got.Serial.CommandRate)
	assert.Equal(t, uint16(0x4B), got.ScanInterval)
	assert.Equal(t, uint16(60), got.ConnIntervalMin)
	assert.Equal(t, uint8(7), got.MinKeySize)
	assert.Equal(t, "00:1A:7D:DA:71:13", got.Address)
}

func TestNewBackend_Unknown(t *testing.T) {
	_, err := NewBackend(cfgpkg.BluetoothConfig{Backend: "hci"}, zap.NewNop(), nil)
	require.Error(t, err)
}

func TestNewRecorder_MemoryOnly(t *testing.T) {
	cfg := &cfgpkg.Config{Recorder: cfgpkg.RecorderConfig{Enable: true}}
	rec, source := NewRecorder(cfg, nil, nil, zap.NewNop(), nil)
	require.NotNil(t, rec)
	defer rec.Close()
	_, ok := source.(*recorder.MemorySink)
	assert.True(t, ok)

	cfg.Recorder.Enable = false
	rec, source = NewRecorder(cfg, nil, nil, zap.NewNop(), nil)
	assert.Nil(t, rec)
	assert.Nil(t, source)
}

func TestNewTracker(t *testing.T) {
	a := NewAdapter(bluetoothtest.New(), cfgpkg.BluetoothConfig{ReconcileInterval: time.Hour}, zap.NewNop(), nil)
	require.NoError(t, a.Start(context.Background()))
	defer a.Close()

	tr, err := NewTracker(a, &cfgpkg.Config{}, zap.NewNop(), nil)
	require.NoError(t, err)
	assert.Nil(t, tr)

	tr, err = NewTracker(a, &cfgpkg.Config{Tracker: cfgpkg.TrackerConfig{Addresses: []string{"C4:7C:8D:6A:21:05"}}}, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NotNil(t, tr)
	_, ok := tr.Lookup(bluetooth.MustParseAddress("C4:7C:8D:6A:21:05"))
	assert.True(t, ok)
}

func TestNewAdapter_BadNamesFileFallsBack(t *testing.T) {
	a := NewAdapter(bluetoothtest.New(), cfgpkg.BluetoothConfig{NamesFile: "/nonexistent/names.yaml"}, zap.NewNop(), nil)
	assert.Equal(t, "BATTERY_LEVEL", a.Names().Name(bluetooth.BatteryLevelUUID))
}
