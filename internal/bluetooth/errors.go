package bluetooth

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAddress  = errors.New("invalid bluetooth address")
	ErrNotFound        = errors.New("gatt entity not found")
	ErrNotConnected    = errors.New("device not connected")
	ErrAdapterClosed   = errors.New("adapter closed")
	ErrQueueFull       = errors.New("request queue full")
	ErrDiscoveryIdle   = errors.New("discovery not started")
	ErrNotifyRejected  = errors.New("notification request rejected by backend")
	ErrOperationFailed = errors.New("backend operation failed")
)

// OperationError 后端调用失败（连接超时、协议不可用等），通过异步完成通道上报
type OperationError struct {
	Op      string
	Address Address
	Err     error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Address, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// Is 任何 OperationError 都满足 ErrOperationFailed
func (e *OperationError) Is(target error) bool { return target == ErrOperationFailed }

func opError(op string, addr Address, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Op: op, Address: addr, Err: err}
}
