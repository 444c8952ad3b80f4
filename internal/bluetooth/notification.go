package bluetooth

import "time"

// ConnectionState 设备连接状态
type ConnectionState int

const (
	StateUnknown ConnectionState = iota
	StateDiscovered
	StateConnecting
	StateConnected
	StateServicesResolved
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateUnknown:
		return "UNKNOWN"
	case StateDiscovered:
		return "DISCOVERED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateServicesResolved:
		return "SERVICES_RESOLVED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "INVALID"
	}
}

// IsConnected CONNECTED 与 SERVICES_RESOLVED 视为已连接
func (s ConnectionState) IsConnected() bool {
	return s == StateConnected || s == StateServicesResolved
}

// CompletionStatus 异步操作完成状态
type CompletionStatus int

const (
	StatusSuccess CompletionStatus = iota
	StatusFailure
)

func (s CompletionStatus) String() string {
	if s == StatusSuccess {
		return "SUCCESS"
	}
	return "ERROR"
}

// ScanNotification 扫描记录 / RSSI 更新
type ScanNotification struct {
	Address          Address
	Name             string
	RSSI             int
	TxPower          int
	ManufacturerData []byte
	Time             time.Time
}

// ConnectionStatusNotification 状态迁移通知，State 为迁移后的新状态
type ConnectionStatusNotification struct {
	Address  Address
	State    ConnectionState
	Previous ConnectionState
}
