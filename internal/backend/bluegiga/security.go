package bluegiga

import (
	"context"
	"fmt"

	"github.com/taoyao-code/ble-gateway/internal/bluetooth"
	"github.com/taoyao-code/ble-gateway/internal/protocol/bgapi"
)

// 配对、绑定与连接诊断：不属于 bluetooth.Backend 契约，供运维接口直接调用

// ControllerInfo 控制器固件信息
type ControllerInfo struct {
	Major           uint16 `json:"major"`
	Minor           uint16 `json:"minor"`
	Patch           uint16 `json:"patch"`
	Build           uint16 `json:"build"`
	LLVersion       uint16 `json:"ll_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	Hardware        uint8  `json:"hardware"`
	MaxConnections  uint8  `json:"max_connections"`
}

// Info 查询固件版本与最大连接数
func (b *Backend) Info(ctx context.Context) (ControllerInfo, error) {
	r, err := call[*bgapi.SystemGetInfoResponse](ctx, b, bgapi.SystemGetInfoCommand{})
	if err != nil {
		return ControllerInfo{}, err
	}
	info := ControllerInfo{
		Major:           r.Major,
		Minor:           r.Minor,
		Patch:           r.Patch,
		Build:           r.Build,
		LLVersion:       r.LLVersion,
		ProtocolVersion: r.ProtocolVersion,
		Hardware:        r.HW,
	}
	c, err := call[*bgapi.SystemGetConnectionsResponse](ctx, b, bgapi.SystemGetConnectionsCommand{})
	if err != nil {
		return info, err
	}
	info.MaxConnections = c.MaxConnections
	return info, nil
}

// SetBondableMode 是否接受新的绑定
func (b *Backend) SetBondableMode(ctx context.Context, bondable bool) error {
	_, err := call[*bgapi.SMSetBondableModeResponse](ctx, b, bgapi.SMSetBondableModeCommand{Bondable: boolByte(bondable)})
	if err != nil {
		return fmt.Errorf("set bondable mode: %w", err)
	}
	return nil
}

// SetSecurityParameters 配对参数
func (b *Backend) SetSecurityParameters(ctx context.Context, mitm bool, minKeySize uint8, io bgapi.SmpIoCapabilities) error {
	if io == bgapi.SmpIoUnknown {
		return fmt.Errorf("set security parameters: io capabilities %s", io)
	}
	_, err := call[*bgapi.SMSetParametersResponse](ctx, b, bgapi.SMSetParametersCommand{
		MITM:           boolByte(mitm),
		MinKeySize:     minKeySize,
		IOCapabilities: uint8(io),
	})
	if err != nil {
		return fmt.Errorf("set security parameters: %w", err)
	}
	return nil
}

// PassKey 应答 passkey_request
func (b *Backend) PassKey(ctx context.Context, addr bluetooth.Address, passkey uint32) error {
	c, err := b.establishedConn(addr)
	if err != nil {
		return err
	}
	r, err := call[*bgapi.SMPasskeyEntryResponse](ctx, b, bgapi.SMPasskeyEntryCommand{Handle: c.handle, Passkey: passkey})
	if err != nil {
		return err
	}
	return r.Result.Err()
}

// DeleteBonding 删除绑定，handle=0xFF 删除全部
func (b *Backend) DeleteBonding(ctx context.Context, handle uint8) error {
	r, err := call[*bgapi.SMDeleteBondingResponse](ctx, b, bgapi.SMDeleteBondingCommand{Handle: handle})
	if err != nil {
		return err
	}
	return r.Result.Err()
}

// ChannelMap 连接当前使用的信道位图
func (b *Backend) ChannelMap(ctx context.Context, addr bluetooth.Address) ([]byte, error) {
	c, err := b.establishedConn(addr)
	if err != nil {
		return nil, err
	}
	r, err := call[*bgapi.ConnectionChannelMapGetResponse](ctx, b, bgapi.ConnectionChannelMapGetCommand{Connection: c.handle})
	if err != nil {
		return nil, err
	}
	return r.Map, nil
}

// ConnectionRSSI 连接 RSSI
func (b *Backend) ConnectionRSSI(ctx context.Context, addr bluetooth.Address) (int, error) {
	c, err := b.establishedConn(addr)
	if err != nil {
		return 0, err
	}
	r, err := call[*bgapi.ConnectionGetRssiResponse](ctx, b, bgapi.ConnectionGetRssiCommand{Connection: c.handle})
	if err != nil {
		return 0, err
	}
	return int(r.RSSI), nil
}
