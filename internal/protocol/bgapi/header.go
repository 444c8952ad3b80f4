package bgapi

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownMessage = errors.New("unknown message")
	ErrFieldTooLong   = errors.New("field too long")
)

const (
	// HeaderLen 固定 4 字节头
	HeaderLen = 4
	// MaxPayloadLen 长度字段 11 位
	MaxPayloadLen = 0x07FF
	// TechnologyBLE 技术类型：蓝牙低功耗
	TechnologyBLE uint8 = 0
	// maxClass BLE 命令类最大编号（dfu）
	maxClass uint8 = 9
)

// 命令类
const (
	ClassSystem     uint8 = 0
	ClassFlash      uint8 = 1
	ClassAttributes uint8 = 2
	ClassConnection uint8 = 3
	ClassAttClient  uint8 = 4
	ClassSM         uint8 = 5
	ClassGAP        uint8 = 6
	ClassHardware   uint8 = 7
)

var classNames = []string{"system", "flash", "attributes", "connection", "attclient", "sm", "gap", "hardware", "test", "dfu"}

// ClassName 类名，用作指标标签
func ClassName(c uint8) string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return fmt.Sprintf("class%d", c)
}

// Kind 消息种类：命令与响应共享 (class, method)，由方向区分；事件由标志位区分
type Kind int

const (
	KindCommand Kind = iota
	KindResponse
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	}
	return "invalid"
}

// Header 帧头
//
//	byte0: bit7 事件标志 | bit6..3 技术类型 | bit2..0 长度高 3 位
//	byte1: 长度低 8 位
//	byte2: class
//	byte3: method
type Header struct {
	Event      bool
	Technology uint8
	Length     uint16
	Class      uint8
	Method     uint8
}

// Encode 编码为 4 字节
func (h Header) Encode() [HeaderLen]byte {
	var b [HeaderLen]byte
	if h.Event {
		b[0] = 0x80
	}
	b[0] |= (h.Technology & 0x0F) << 3
	b[0] |= uint8(h.Length>>8) & 0x07
	b[1] = uint8(h.Length)
	b[2] = h.Class
	b[3] = h.Method
	return b
}

// ParseHeader 解析帧头；不足 4 字节返回 ErrMalformedFrame
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, have %d", ErrMalformedFrame, HeaderLen, len(b))
	}
	return Header{
		Event:      b[0]&0x80 != 0,
		Technology: (b[0] >> 3) & 0x0F,
		Length:     uint16(b[0]&0x07)<<8 | uint16(b[1]),
		Class:      b[2],
		Method:     b[3],
	}, nil
}

// plausible 流同步时判断帧头是否可信
func (h Header) plausible(maxPayload int) bool {
	return h.Technology == TechnologyBLE && h.Class <= maxClass && int(h.Length) <= maxPayload
}

// ID 消息标识
type ID struct {
	Class  uint8
	Method uint8
	Kind   Kind
}

func (id ID) String() string {
	return fmt.Sprintf("%s(%d,%d)", id.Kind, id.Class, id.Method)
}

// Key 分发表键；响应与事件由 Event 区分
func (id ID) Key() Key {
	return Key{Class: id.Class, Method: id.Method, Event: id.Kind == KindEvent}
}

// Message 已解码或待编码的消息
type Message interface {
	ID() ID
}
