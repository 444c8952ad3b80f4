package bgapi

import (
	"fmt"
	"sort"
	"sync"
)

// Key 分发表键：(class, method, 事件标志)
type Key struct {
	Class  uint8
	Method uint8
	Event  bool
}

func (k Key) String() string {
	if k.Event {
		return fmt.Sprintf("evt(%d,%d)", k.Class, k.Method)
	}
	return fmt.Sprintf("rsp(%d,%d)", k.Class, k.Method)
}

// Constructor 返回可供 Unmarshal 的新消息（结构体指针）
type Constructor func() Message

// Table 静态分发表：入站只包含响应与事件，命令由自身 ID 编码
type Table struct {
	mu    sync.RWMutex
	ctors map[Key]Constructor
}

// NewTable 创建空表
func NewTable() *Table { return &Table{ctors: make(map[Key]Constructor)} }

// Register 注册构造器；重复键视为编程错误直接 panic
func (t *Table) Register(ctor Constructor) {
	m := ctor()
	id := m.ID()
	if id.Kind == KindCommand {
		panic(fmt.Sprintf("bgapi: command %T cannot be registered for decoding", m))
	}
	k := id.Key()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.ctors[k]; dup {
		panic(fmt.Sprintf("bgapi: duplicate table entry %s for %T", k, m))
	}
	t.ctors[k] = ctor
}

// Lookup 查找构造器
func (t *Table) Lookup(k Key) (Constructor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.ctors[k]
	return c, ok
}

// Keys 已注册键（排序）
func (t *Table) Keys() []Key {
	t.mu.RLock()
	out := make([]Key, 0, len(t.ctors))
	for k := range t.ctors {
		out = append(out, k)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Event != b.Event {
			return !a.Event
		}
		if a.Class != b.Class {
			return a.Class < b.Class
		}
		return a.Method < b.Method
	})
	return out
}

// Decode 解码一帧
//
// 长度校验先于查表：声明长度与实际不符总是 ErrMalformedFrame；
// 表中不存在的 (class, method, flag) 返回 ErrUnknownMessage。
func (t *Table) Decode(frame []byte) (Message, error) {
	h, err := ParseHeader(frame)
	if err != nil {
		return nil, err
	}
	if int(h.Length) != len(frame)-HeaderLen {
		return nil, fmt.Errorf("%w: declared %d payload bytes, have %d", ErrMalformedFrame, h.Length, len(frame)-HeaderLen)
	}
	k := Key{Class: h.Class, Method: h.Method, Event: h.Event}
	if h.Technology != TechnologyBLE {
		return nil, fmt.Errorf("%w: technology %d %s", ErrUnknownMessage, h.Technology, k)
	}
	ctor, ok := t.Lookup(k)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, k)
	}
	m := ctor()
	if err := Unmarshal(frame[HeaderLen:], m); err != nil {
		return nil, err
	}
	return m, nil
}

var defaultTable = newDefaultTable()

// DefaultTable 完整消息目录
func DefaultTable() *Table { return defaultTable }

func newDefaultTable() *Table {
	t := NewTable()
	for _, c := range []Constructor{
		// system
		func() Message { return &SystemHelloResponse{} },
		func() Message { return &SystemAddressGetResponse{} },
		func() Message { return &SystemGetConnectionsResponse{} },
		func() Message { return &SystemGetInfoResponse{} },
		func() Message { return &SystemBootEvent{} },
		// attributes
		func() Message { return &AttributesReadTypeResponse{} },
		func() Message { return &AttributesValueEvent{} },
		// connection
		func() Message { return &ConnectionDisconnectResponse{} },
		func() Message { return &ConnectionGetRssiResponse{} },
		func() Message { return &ConnectionChannelMapGetResponse{} },
		func() Message { return &ConnectionGetStatusResponse{} },
		func() Message { return &ConnectionStatusEvent{} },
		func() Message { return &ConnectionDisconnectedEvent{} },
		// attclient
		func() Message { return &AttClientFindByTypeValueResponse{} },
		func() Message { return &AttClientReadByGroupTypeResponse{} },
		func() Message { return &AttClientReadByTypeResponse{} },
		func() Message { return &AttClientFindInformationResponse{} },
		func() Message { return &AttClientReadByHandleResponse{} },
		func() Message { return &AttClientAttributeWriteResponse{} },
		func() Message { return &AttClientWriteCommandResponse{} },
		func() Message { return &AttClientIndicateConfirmResponse{} },
		func() Message { return &AttClientIndicatedEvent{} },
		func() Message { return &AttClientProcedureCompletedEvent{} },
		func() Message { return &AttClientGroupFoundEvent{} },
		func() Message { return &AttClientAttributeFoundEvent{} },
		func() Message { return &AttClientFindInformationFoundEvent{} },
		func() Message { return &AttClientAttributeValueEvent{} },
		// sm
		func() Message { return &SMEncryptStartResponse{} },
		func() Message { return &SMSetBondableModeResponse{} },
		func() Message { return &SMDeleteBondingResponse{} },
		func() Message { return &SMSetParametersResponse{} },
		func() Message { return &SMPasskeyEntryResponse{} },
		func() Message { return &SMSmpDataEvent{} },
		func() Message { return &SMBondingFailEvent{} },
		func() Message { return &SMPasskeyDisplayEvent{} },
		func() Message { return &SMPasskeyRequestEvent{} },
		func() Message { return &SMBondStatusEvent{} },
		// gap
		func() Message { return &GAPSetModeResponse{} },
		func() Message { return &GAPDiscoverResponse{} },
		func() Message { return &GAPConnectDirectResponse{} },
		func() Message { return &GAPEndProcedureResponse{} },
		func() Message { return &GAPSetScanParametersResponse{} },
		func() Message { return &GAPScanResponseEvent{} },
	} {
		t.Register(c)
	}
	return t
}
