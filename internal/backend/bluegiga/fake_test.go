package bluegiga

import (
	"encoding/binary"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taoyao-code/ble-gateway/internal/bluetooth"
	"github.com/taoyao-code/ble-gateway/internal/protocol/bgapi"
)

var (
	controllerAddr = bluetooth.MustParseAddress("00:1A:7D:DA:71:13")
	peerAddr       = bluetooth.MustParseAddress("C4:7C:8D:6A:21:05")
)

type attr struct {
	uuid  uint16
	value []byte
}

// fakeController 模拟串口另一端的 BGAPI 控制器
type fakeController struct {
	t *testing.T

	onRead    func([]byte)
	ops       chan func()
	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	handlers    map[[2]uint8]func(payload []byte) []bgapi.Message
	commands    []string
	attrs       map[uint16]*attr
	connectFail bool
}

func newFakeController(t *testing.T) *fakeController {
	f := &fakeController{
		t:        t,
		ops:      make(chan func()),
		done:     make(chan struct{}),
		handlers: make(map[[2]uint8]func([]byte) []bgapi.Message),
		attrs: map[uint16]*attr{
			0x10: {0x2800, []byte{0x0D, 0x18}},
			0x11: {0x2803, []byte{0x10, 0x12, 0x00, 0x37, 0x2A}},
			0x12: {0x2A37, []byte{0x06, 0x48}},
			0x13: {0x2902, []byte{0x00, 0x00}},
			0x14: {0x2803, []byte{0x02, 0x15, 0x00, 0x38, 0x2A}},
			0x15: {0x2A38, []byte{0x01}},
			0x20: {0x2800, []byte{0x0F, 0x18}},
			0x21: {0x2803, []byte{0x12, 0x22, 0x00, 0x19, 0x2A}},
			0x22: {0x2A19, []byte{0x64}},
		},
	}
	f.installDefaults()
	return f
}

func (f *fakeController) SetOnRead(h func([]byte)) { f.onRead = h }

func (f *fakeController) Start() {
	go func() {
		for {
			select {
			case op := <-f.ops:
				op()
			case <-f.done:
				return
			}
		}
	}()
}

func (f *fakeController) Write(b []byte) error {
	frame := append([]byte(nil), b...)
	select {
	case f.ops <- func() { f.handle(frame) }:
		return nil
	case <-f.done:
		return errors.New("fake link closed")
	}
}

func (f *fakeController) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeController) Done() <-chan struct{} { return f.done }

// emit 从控制器侧主动上报
func (f *fakeController) emit(msgs ...bgapi.Message) {
	select {
	case f.ops <- func() { f.send(msgs) }:
	case <-f.done:
	}
}

// emitRaw 上报原始字节
func (f *fakeController) emitRaw(b []byte) {
	select {
	case f.ops <- func() { f.onRead(b) }:
	case <-f.done:
	}
}

func (f *fakeController) on(class, method uint8, h func(payload []byte) []bgapi.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h == nil {
		delete(f.handlers, [2]uint8{class, method})
		return
	}
	f.handlers[[2]uint8{class, method}] = h
}

func (f *fakeController) sent(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeController) attrValue(h uint16) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.attrs[h].value...)
}

func (f *fakeController) handle(frame []byte) {
	h, err := bgapi.ParseHeader(frame)
	if err != nil {
		f.t.Errorf("bad command frame: %v", err)
		return
	}
	f.mu.Lock()
	f.commands = append(f.commands, commandName(h.Class, h.Method))
	fn := f.handlers[[2]uint8{h.Class, h.Method}]
	f.mu.Unlock()
	if fn == nil {
		return
	}
	f.send(fn(frame[bgapi.HeaderLen:]))
}

func (f *fakeController) send(msgs []bgapi.Message) {
	for _, m := range msgs {
		b, err := bgapi.Encode(m)
		if err != nil {
			f.t.Errorf("encode %T: %v", m, err)
			return
		}
		f.onRead(b)
	}
}

func commandName(class, method uint8) string {
	return bgapi.ClassName(class) + "/" + strconv.Itoa(int(method))
}

func (f *fakeController) handlesInRange(start, end uint16) []uint16 {
	var hs []uint16
	for h := range f.attrs {
		if h >= start && h <= end {
			hs = append(hs, h)
		}
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	return hs
}

func (f *fakeController) installDefaults() {
	ok := bgapi.ResultSuccess
	f.on(bgapi.ClassSystem, 1, func([]byte) []bgapi.Message { return []bgapi.Message{&bgapi.SystemHelloResponse{}} })
	f.on(bgapi.ClassSystem, 2, func([]byte) []bgapi.Message {
		return []bgapi.Message{&bgapi.SystemAddressGetResponse{Address: bgapi.NewBDAddr(controllerAddr)}}
	})
	f.on(bgapi.ClassSystem, 6, func([]byte) []bgapi.Message {
		return []bgapi.Message{&bgapi.SystemGetConnectionsResponse{MaxConnections: 4}}
	})
	f.on(bgapi.ClassSystem, 8, func([]byte) []bgapi.Message {
		return []bgapi.Message{&bgapi.SystemGetInfoResponse{Major: 1, Minor: 3, Patch: 2, Build: 122, LLVersion: 6, ProtocolVersion: 1, HW: 3}}
	})
	f.on(bgapi.ClassGAP, 2, func([]byte) []bgapi.Message { return []bgapi.Message{&bgapi.GAPDiscoverResponse{Result: ok}} })
	f.on(bgapi.ClassGAP, 4, func([]byte) []bgapi.Message { return []bgapi.Message{&bgapi.GAPEndProcedureResponse{Result: ok}} })
	f.on(bgapi.ClassGAP, 7, func([]byte) []bgapi.Message { return []bgapi.Message{&bgapi.GAPSetScanParametersResponse{Result: ok}} })
	f.on(bgapi.ClassSM, 1, func([]byte) []bgapi.Message { return []bgapi.Message{&bgapi.SMSetBondableModeResponse{}} })
	f.on(bgapi.ClassSM, 2, func([]byte) []bgapi.Message { return []bgapi.Message{&bgapi.SMDeleteBondingResponse{Result: ok}} })
	f.on(bgapi.ClassSM, 3, func([]byte) []bgapi.Message { return []bgapi.Message{&bgapi.SMSetParametersResponse{}} })
	f.on(bgapi.ClassSM, 4, func([]byte) []bgapi.Message { return []bgapi.Message{&bgapi.SMPasskeyEntryResponse{Result: ok}} })

	f.on(bgapi.ClassGAP, 3, func(p []byte) []bgapi.Message {
		var cmd bgapi.GAPConnectDirectCommand
		if err := bgapi.Unmarshal(p, &cmd); err != nil {
			f.t.Errorf("connect direct: %v", err)
			return nil
		}
		f.mu.Lock()
		fail := f.connectFail
		f.mu.Unlock()
		out := []bgapi.Message{&bgapi.GAPConnectDirectResponse{Result: ok, ConnectionHandle: 0}}
		if fail {
			return append(out, &bgapi.ConnectionDisconnectedEvent{Connection: 0, Reason: bgapi.ResultFailedToEstablish})
		}
		return append(out, &bgapi.ConnectionStatusEvent{
			Connection:   0,
			Flags:        bgapi.ConnectionConnected | bgapi.ConnectionCompleted,
			Address:      cmd.Address,
			ConnInterval: 60,
			Timeout:      100,
			Bonding:      0xFF,
		})
	})
	f.on(bgapi.ClassConnection, 0, func(p []byte) []bgapi.Message {
		return []bgapi.Message{
			&bgapi.ConnectionDisconnectResponse{Connection: p[0], Result: ok},
			&bgapi.ConnectionDisconnectedEvent{Connection: p[0], Reason: bgapi.ResultLocalTerminated},
		}
	})
	f.on(bgapi.ClassConnection, 1, func(p []byte) []bgapi.Message {
		return []bgapi.Message{&bgapi.ConnectionGetRssiResponse{Connection: p[0], RSSI: -60}}
	})
	f.on(bgapi.ClassConnection, 4, func(p []byte) []bgapi.Message {
		return []bgapi.Message{&bgapi.ConnectionChannelMapGetResponse{Connection: p[0], Map: []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x1F}}}
	})

	// attclient
	f.on(bgapi.ClassAttClient, 1, func(p []byte) []bgapi.Message {
		var cmd bgapi.AttClientReadByGroupTypeCommand
		_ = bgapi.Unmarshal(p, &cmd)
		out := []bgapi.Message{&bgapi.AttClientReadByGroupTypeResponse{Connection: cmd.Connection, Result: ok}}
		f.mu.Lock()
		hs := f.handlesInRange(cmd.Start, cmd.End)
		var starts []uint16
		for _, h := range hs {
			if f.attrs[h].uuid == 0x2800 {
				starts = append(starts, h)
			}
		}
		for i, s := range starts {
			end := hs[len(hs)-1]
			if i+1 < len(starts) {
				end = starts[i+1] - 1
			}
			out = append(out, &bgapi.AttClientGroupFoundEvent{Connection: cmd.Connection, Start: s, End: end, UUID: f.attrs[s].value})
		}
		f.mu.Unlock()
		return append(out, &bgapi.AttClientProcedureCompletedEvent{Connection: cmd.Connection, Result: ok, ChrHandle: 0xFFFF})
	})
	f.on(bgapi.ClassAttClient, 2, func(p []byte) []bgapi.Message {
		var cmd bgapi.AttClientReadByTypeCommand
		_ = bgapi.Unmarshal(p, &cmd)
		want := binary.LittleEndian.Uint16(cmd.UUID)
		out := []bgapi.Message{&bgapi.AttClientReadByTypeResponse{Connection: cmd.Connection, Result: ok}}
		f.mu.Lock()
		for _, h := range f.handlesInRange(cmd.Start, cmd.End) {
			if f.attrs[h].uuid == want {
				out = append(out, &bgapi.AttClientAttributeValueEvent{Connection: cmd.Connection, AttHandle: h, Type: bgapi.AttValueReadByType, Value: f.attrs[h].value})
			}
		}
		f.mu.Unlock()
		return append(out, &bgapi.AttClientProcedureCompletedEvent{Connection: cmd.Connection, Result: ok, ChrHandle: cmd.End})
	})
	f.on(bgapi.ClassAttClient, 3, func(p []byte) []bgapi.Message {
		var cmd bgapi.AttClientFindInformationCommand
		_ = bgapi.Unmarshal(p, &cmd)
		out := []bgapi.Message{&bgapi.AttClientFindInformationResponse{Connection: cmd.Connection, Result: ok}}
		f.mu.Lock()
		for _, h := range f.handlesInRange(cmd.Start, cmd.End) {
			u := make([]byte, 2)
			binary.LittleEndian.PutUint16(u, f.attrs[h].uuid)
			out = append(out, &bgapi.AttClientFindInformationFoundEvent{Connection: cmd.Connection, ChrHandle: h, UUID: u})
		}
		f.mu.Unlock()
		return append(out, &bgapi.AttClientProcedureCompletedEvent{Connection: cmd.Connection, Result: ok, ChrHandle: cmd.End})
	})
	f.on(bgapi.ClassAttClient, 4, func(p []byte) []bgapi.Message {
		var cmd bgapi.AttClientReadByHandleCommand
		_ = bgapi.Unmarshal(p, &cmd)
		out := []bgapi.Message{&bgapi.AttClientReadByHandleResponse{Connection: cmd.Connection, Result: ok}}
		f.mu.Lock()
		a, found := f.attrs[cmd.Handle]
		f.mu.Unlock()
		if !found {
			return append(out, &bgapi.AttClientProcedureCompletedEvent{Connection: cmd.Connection, Result: bgapi.ResultInvalidHandle, ChrHandle: cmd.Handle})
		}
		return append(out, &bgapi.AttClientAttributeValueEvent{Connection: cmd.Connection, AttHandle: cmd.Handle, Type: bgapi.AttValueRead, Value: a.value})
	})
	f.on(bgapi.ClassAttClient, 5, func(p []byte) []bgapi.Message {
		var cmd bgapi.AttClientAttributeWriteCommand
		_ = bgapi.Unmarshal(p, &cmd)
		out := []bgapi.Message{&bgapi.AttClientAttributeWriteResponse{Connection: cmd.Connection, Result: ok}}
		f.mu.Lock()
		a, found := f.attrs[cmd.Handle]
		if found {
			a.value = append([]byte(nil), cmd.Data...)
		}
		f.mu.Unlock()
		res := ok
		if !found {
			res = bgapi.ResultInvalidHandle
		}
		return append(out, &bgapi.AttClientProcedureCompletedEvent{Connection: cmd.Connection, Result: res, ChrHandle: cmd.Handle})
	})
	f.on(bgapi.ClassAttClient, 7, func([]byte) []bgapi.Message {
		return []bgapi.Message{&bgapi.AttClientIndicateConfirmResponse{Result: ok}}
	})
}

// eventLog 收集后端上报的事件
type eventLog struct {
	ch chan bluetooth.Event
}

func newEventLog() *eventLog { return &eventLog{ch: make(chan bluetooth.Event, 64)} }

func (l *eventLog) sink(ev bluetooth.Event) { l.ch <- ev }

func (l *eventLog) next(t *testing.T) bluetooth.Event {
	t.Helper()
	select {
	case ev := <-l.ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for backend event")
		return nil
	}
}

func testConfig() Config {
	return Config{
		Address:          controllerAddr.String(),
		CommandTimeout:   300 * time.Millisecond,
		ProcedureTimeout: time.Second,
	}
}

func openBackend(t *testing.T, f *fakeController, cfg Config) (*Backend, *eventLog) {
	t.Helper()
	b := New(f, cfg, zap.NewNop(), nil)
	log := newEventLog()
	require.NoError(t, b.Open(t.Context(), log.sink))
	t.Cleanup(func() { _ = b.Close() })
	return b, log
}

// connectPeer 建立到 peerAddr 的连接并消费 ConnectionEvent
func connectPeer(t *testing.T, b *Backend, log *eventLog) {
	t.Helper()
	require.NoError(t, b.Connect(t.Context(), peerAddr))
	ev := log.next(t)
	require.Equal(t, bluetooth.ConnectionEvent{Addr: peerAddr, Connected: true}, ev)
}
