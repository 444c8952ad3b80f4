package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taoyao-code/ble-gateway/internal/api/middleware"
	"github.com/taoyao-code/ble-gateway/internal/bluetooth"
	"github.com/taoyao-code/ble-gateway/internal/bluetooth/bluetoothtest"
	"github.com/taoyao-code/ble-gateway/internal/recorder"
	"github.com/taoyao-code/ble-gateway/internal/storage/models"
)

const peerAddr = "C4:7C:8D:6A:21:05"

var peer = bluetooth.MustParseAddress(peerAddr)

type fixture struct {
	backend *bluetoothtest.Backend
	adapter *bluetooth.Adapter
	sink    *recorder.MemorySink
	router  *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	backend := bluetoothtest.New()
	backend.AutoConnect = true
	backend.SetServices(peer, bluetoothtest.BatteryService())
	backend.SetValue(0x0011, []byte{0x64})

	a := bluetooth.NewAdapter(backend, bluetooth.Options{ReconcileInterval: time.Hour}, zap.NewNop())
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Close() })

	sink := recorder.NewMemorySink(0)
	r := gin.New()
	RegisterRoutes(r, Deps{Adapter: a, Backend: "bluegiga", Events: sink},
		middleware.AuthConfig{}, middleware.RateLimitConfig{}, zap.NewNop())
	return &fixture{backend: backend, adapter: a, sink: sink, router: r}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

// seen 让设备经对账进入 DISCOVERED
func (f *fixture) seen(t *testing.T) {
	t.Helper()
	f.backend.SetDevices(bluetooth.DeviceInfo{Address: peer, Name: "Thermo", RSSI: -60})
	require.NoError(t, f.adapter.Reconcile(context.Background()))
}

func (f *fixture) connected(t *testing.T) {
	t.Helper()
	f.seen(t)
	w := f.do(http.MethodPost, "/api/devices/"+peerAddr+"/connect", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	dev := f.adapter.GetDevice(peer)
	require.Eventually(t, func() bool { return dev.State() == bluetooth.StateServicesResolved },
		2*time.Second, 10*time.Millisecond)
}

func TestAdapterEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/adapter", "")
	require.Equal(t, http.StatusOK, w.Code)
	var info map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "bluegiga", info["backend"])
	assert.Equal(t, bluetoothtest.ControllerAddress.String(), info["address"])

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/adapter/scan/start", "").Code)
	assert.True(t, f.backend.Scanning())
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/adapter/scan/stop", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/adapter/scan/stop", "").Code, "stop while idle")
}

func TestDeviceLookupErrors(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/devices/not-an-address", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/devices/"+peerAddr, "").Code)

	f.seen(t)
	w := f.do(http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Thermo")

	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/devices/"+peerAddr+"/disconnect", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/devices/"+peerAddr+"/characteristics/2a19/read", "").Code,
		"catalog is empty before service discovery")
}

func TestConnectReadWrite(t *testing.T) {
	f := newFixture(t)
	f.connected(t)

	w := f.do(http.MethodGet, "/api/devices/"+peerAddr, "")
	require.Equal(t, http.StatusOK, w.Code)
	var snap bluetooth.DeviceSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	require.Len(t, snap.Services, 1)
	assert.Equal(t, bluetooth.BatteryServiceUUID.String(), snap.Services[0].UUID)

	assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/api/devices/"+peerAddr+"/characteristics/2A19/read", "").Code)
	require.Eventually(t, func() bool {
		ch := f.adapter.GetDevice(peer).Characteristic(bluetooth.BatteryLevelUUID)
		return ch != nil && len(ch.Value()) == 1 && ch.Value()[0] == 0x64
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/devices/"+peerAddr+"/characteristics/zz/read", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/devices/"+peerAddr+"/characteristics/2a00/read", "").Code)

	w = f.do(http.MethodPost, "/api/devices/"+peerAddr+"/characteristics/2a19/write", `{"value":"0x01ff"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Eventually(t, func() bool {
		v := f.backend.Value(0x0011)
		return len(v) == 2 && v[0] == 0x01 && v[1] == 0xFF
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, http.StatusBadRequest,
		f.do(http.MethodPost, "/api/devices/"+peerAddr+"/characteristics/2a19/write", `{"value":"xyz"}`).Code)

	w = f.do(http.MethodPost, "/api/devices/"+peerAddr+"/characteristics/2a19/descriptors/2902/read", "")
	assert.Equal(t, http.StatusAccepted, w.Code)

	assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/api/devices/"+peerAddr+"/disconnect", "").Code)
}

func TestSetNotify(t *testing.T) {
	f := newFixture(t)
	f.connected(t)
	path := "/api/devices/" + peerAddr + "/characteristics/2a19/notify"

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, path, `{}`).Code)

	w := f.do(http.MethodPost, path, `{"enable":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, f.backend.Notifying(0x0011))

	f.backend.NotifyErr = bluetooth.ErrNotifyRejected
	assert.Equal(t, http.StatusBadGateway, f.do(http.MethodPost, path, `{"enable":false}`).Code)
}

func TestEventsAndTracker(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sink.InsertEvent(context.Background(),
		models.Event{ID: "1", Address: peerAddr, Kind: models.EventState, Detail: "UNKNOWN->DISCOVERED"}))

	w := f.do(http.MethodGet, "/api/devices/"+peerAddr+"/events?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "UNKNOWN->DISCOVERED")

	w = f.do(http.MethodGet, "/api/tracker", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"devices":[]}`, w.Body.String())
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/tracker/"+peerAddr, "").Code)
}

func TestAdapterClosed(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.adapter.Close())
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodPost, "/api/devices/"+peerAddr+"/connect", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodPost, "/api/adapter/scan/start", "").Code)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusOf(bluetooth.ErrQueueFull))
	assert.Equal(t, http.StatusConflict, statusOf(bluetooth.ErrNotConnected))
	assert.Equal(t, http.StatusBadGateway, statusOf(&bluetooth.OperationError{Op: "connect", Address: peer, Err: context.DeadlineExceeded}))
	assert.Equal(t, http.StatusInternalServerError, statusOf(context.Canceled))
}
