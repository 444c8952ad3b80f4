package bgapi

import (
	"fmt"
	"strings"
)

// Result BGAPI 结果码，0 表示成功
type Result uint16

const (
	ResultSuccess Result = 0x0000

	ResultInvalidParameter    Result = 0x0180
	ResultWrongState          Result = 0x0181
	ResultOutOfMemory         Result = 0x0182
	ResultNotImplemented      Result = 0x0183
	ResultInvalidCommand      Result = 0x0184
	ResultTimeout             Result = 0x0185
	ResultNotConnected        Result = 0x0186
	ResultFlow                Result = 0x0187
	ResultUserAttribute       Result = 0x0188
	ResultInvalidLicenseKey   Result = 0x0189
	ResultCommandTooLong      Result = 0x018A
	ResultOutOfBonds          Result = 0x018B
	ResultScriptOverflow      Result = 0x018C
	ResultAuthFailure         Result = 0x0205
	ResultPinOrKeyMissing     Result = 0x0206
	ResultConnectionTimeout   Result = 0x0208
	ResultRemoteTerminated    Result = 0x0213
	ResultLocalTerminated     Result = 0x0216
	ResultFailedToEstablish   Result = 0x023E
	ResultPasskeyEntryFailed  Result = 0x0301
	ResultPairingNotAllowed   Result = 0x0305
	ResultInvalidHandle       Result = 0x0401
	ResultReadNotPermitted    Result = 0x0402
	ResultWriteNotPermitted   Result = 0x0403
	ResultInsufficientAuth    Result = 0x0405
	ResultAttributeNotFound   Result = 0x040A
	ResultInsufficientEncrypt Result = 0x040F
)

var resultNames = map[Result]string{
	ResultSuccess:             "success",
	ResultInvalidParameter:    "invalid parameter",
	ResultWrongState:          "device in wrong state",
	ResultOutOfMemory:         "out of memory",
	ResultNotImplemented:      "feature not implemented",
	ResultInvalidCommand:      "command not recognized",
	ResultTimeout:             "timeout",
	ResultNotConnected:        "not connected",
	ResultFlow:                "flow",
	ResultUserAttribute:       "user attribute",
	ResultInvalidLicenseKey:   "invalid license key",
	ResultCommandTooLong:      "command too long",
	ResultOutOfBonds:          "out of bonds",
	ResultScriptOverflow:      "script overflow",
	ResultAuthFailure:         "authentication failure",
	ResultPinOrKeyMissing:     "pin or key missing",
	ResultConnectionTimeout:   "connection timeout",
	ResultRemoteTerminated:    "remote user terminated connection",
	ResultLocalTerminated:     "connection terminated by local host",
	ResultFailedToEstablish:   "connection failed to be established",
	ResultPasskeyEntryFailed:  "passkey entry failed",
	ResultPairingNotAllowed:   "pairing not supported",
	ResultInvalidHandle:       "invalid handle",
	ResultReadNotPermitted:    "read not permitted",
	ResultWriteNotPermitted:   "write not permitted",
	ResultInsufficientAuth:    "insufficient authentication",
	ResultAttributeNotFound:   "attribute not found",
	ResultInsufficientEncrypt: "insufficient encryption",
}

func (r Result) String() string {
	if s, ok := resultNames[r]; ok {
		return s
	}
	return fmt.Sprintf("result 0x%04X", uint16(r))
}

// Err 成功返回 nil，否则返回 *ResultError
func (r Result) Err() error {
	if r == ResultSuccess {
		return nil
	}
	return &ResultError{Code: r}
}

// ResultError 控制器返回的失败结果
type ResultError struct {
	Code Result
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("bgapi: 0x%04X %s", uint16(e.Code), e.Code)
}

// SmpIoCapabilities 安全管理器 I/O 能力
type SmpIoCapabilities int

const (
	SmpIoUnknown         SmpIoCapabilities = -1
	SmpIoDisplayOnly     SmpIoCapabilities = 0
	SmpIoDisplayYesNo    SmpIoCapabilities = 1
	SmpIoKeyboardOnly    SmpIoCapabilities = 2
	SmpIoNoInputNoOutput SmpIoCapabilities = 3
	SmpIoKeyboardDisplay SmpIoCapabilities = 4
)

var smpIoNames = []string{"DISPLAY_ONLY", "DISPLAY_YES_NO", "KEYBOARD_ONLY", "NO_INPUT_NO_OUTPUT", "KEYBOARD_DISPLAY"}

func (c SmpIoCapabilities) String() string {
	if c >= 0 && int(c) < len(smpIoNames) {
		return smpIoNames[c]
	}
	return "UNKNOWN"
}

// ParseSmpIoCapabilities 大小写不敏感，未知名称返回 SmpIoUnknown
func ParseSmpIoCapabilities(s string) SmpIoCapabilities {
	s = strings.ToUpper(strings.TrimSpace(s))
	for i, n := range smpIoNames {
		if n == s {
			return SmpIoCapabilities(i)
		}
	}
	return SmpIoUnknown
}

// DiscoverMode gap_discover 模式
type DiscoverMode uint8

const (
	DiscoverLimited     DiscoverMode = 0
	DiscoverGeneric     DiscoverMode = 1
	DiscoverObservation DiscoverMode = 2
)

// DiscoverableMode gap_set_mode 可发现模式
type DiscoverableMode uint8

const (
	NonDiscoverable     DiscoverableMode = 0
	LimitedDiscoverable DiscoverableMode = 1
	GeneralDiscoverable DiscoverableMode = 2
	Broadcast           DiscoverableMode = 3
	UserData            DiscoverableMode = 4
)

// ConnectableMode gap_set_mode 可连接模式
type ConnectableMode uint8

const (
	NonConnectable          ConnectableMode = 0
	DirectedConnectable     ConnectableMode = 1
	UndirectedConnectable   ConnectableMode = 2
	ScannableNonConnectable ConnectableMode = 3
)

// AttributeValueType attclient_attribute_value 的值类型
type AttributeValueType uint8

const (
	AttValueRead        AttributeValueType = 0
	AttValueNotify      AttributeValueType = 1
	AttValueIndicate    AttributeValueType = 2
	AttValueReadByType  AttributeValueType = 3
	AttValueReadBlob    AttributeValueType = 4
	AttValueIndicateRsp AttributeValueType = 5
)

// ConnectionFlags connection_status 标志位
type ConnectionFlags uint8

const (
	ConnectionConnected         ConnectionFlags = 1 << 0
	ConnectionEncrypted         ConnectionFlags = 1 << 1
	ConnectionCompleted         ConnectionFlags = 1 << 2
	ConnectionParametersChanged ConnectionFlags = 1 << 3
)

func (f ConnectionFlags) Has(b ConnectionFlags) bool { return f&b == b }

// AddressType 地址类型
type AddressType uint8

const (
	AddressPublic AddressType = 0
	AddressRandom AddressType = 1
)
