package bluegiga

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taoyao-code/ble-gateway/internal/bluetooth"
	"github.com/taoyao-code/ble-gateway/internal/protocol/bgapi"
)

// 特征属性位
const (
	propNotify   uint8 = 0x10
	propIndicate uint8 = 0x20
)

type procKind int

const (
	procGroups procKind = iota
	procDecls
	procInfo
	procRead
	procWrite
)

// procedure 一次 GATT 过程：命令响应之后由事件推进，直到完成事件
type procedure struct {
	kind     procKind
	handle   uint16
	groups   []bgapi.AttClientGroupFoundEvent
	decls    []bgapi.AttClientAttributeValueEvent
	infos    []bgapi.AttClientFindInformationFoundEvent
	value    []byte
	done     chan error
	finished bool
}

func newProcedure(kind procKind, handle uint16) *procedure {
	return &procedure{kind: kind, handle: handle, done: make(chan error, 1)}
}

// finish 调用方持有 b.mu
func (p *procedure) finish(err error) {
	if p.finished {
		return
	}
	p.finished = true
	p.done <- err
}

func (b *Backend) runProcedure(ctx context.Context, c *conn, p *procedure, cmd bgapi.Message) error {
	select {
	case c.procLock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.procLock }()

	b.mu.Lock()
	if cur, ok := b.conns[c.handle]; !ok || cur != c {
		b.mu.Unlock()
		return bluetooth.ErrNotConnected
	}
	c.proc = p
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		if c.proc == p {
			c.proc = nil
		}
		b.mu.Unlock()
	}()

	m, err := b.request(ctx, cmd)
	if err != nil {
		return err
	}
	r, err := attResult(m)
	if err != nil {
		return err
	}
	if err := r.Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.ProcedureTimeout)
	defer cancel()
	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("gatt procedure on %s: %w", c.addr, ctx.Err())
	case <-b.closing:
		return bluetooth.ErrAdapterClosed
	}
}

func attResult(m bgapi.Message) (bgapi.Result, error) {
	switch r := m.(type) {
	case *bgapi.AttClientReadByGroupTypeResponse:
		return r.Result, nil
	case *bgapi.AttClientReadByTypeResponse:
		return r.Result, nil
	case *bgapi.AttClientFindInformationResponse:
		return r.Result, nil
	case *bgapi.AttClientReadByHandleResponse:
		return r.Result, nil
	case *bgapi.AttClientAttributeWriteResponse:
		return r.Result, nil
	}
	return 0, fmt.Errorf("%w: %T", ErrUnexpectedResponse, m)
}

func isAttributeNotFound(err error) bool {
	var re *bgapi.ResultError
	return errors.As(err, &re) && re.Code == bgapi.ResultAttributeNotFound
}

// DiscoverServices 主服务 -> 特征声明 -> 属性信息，逐服务展开
func (b *Backend) DiscoverServices(ctx context.Context, addr bluetooth.Address) ([]bluetooth.ServiceInfo, error) {
	c, err := b.establishedConn(addr)
	if err != nil {
		return nil, err
	}
	groups := newProcedure(procGroups, 0)
	err = b.runProcedure(ctx, c, groups, bgapi.AttClientReadByGroupTypeCommand{
		Connection: c.handle,
		Start:      0x0001,
		End:        0xFFFF,
		UUID:       bluetooth.UUIDToLE(bluetooth.PrimaryServiceUUID),
	})
	if err != nil && !isAttributeNotFound(err) {
		return nil, fmt.Errorf("primary services: %w", err)
	}

	out := make([]bluetooth.ServiceInfo, 0, len(groups.groups))
	for _, g := range groups.groups {
		su, err := bluetooth.UUIDFromLE(g.UUID)
		if err != nil {
			b.logger.Debug("service uuid skipped", zap.String("address", addr.String()), zap.Error(err))
			continue
		}
		decls := newProcedure(procDecls, 0)
		err = b.runProcedure(ctx, c, decls, bgapi.AttClientReadByTypeCommand{
			Connection: c.handle,
			Start:      g.Start,
			End:        g.End,
			UUID:       bluetooth.UUIDToLE(bluetooth.CharacteristicDeclUUID),
		})
		if err != nil && !isAttributeNotFound(err) {
			return nil, fmt.Errorf("characteristics of %s: %w", su, err)
		}
		info := newProcedure(procInfo, 0)
		err = b.runProcedure(ctx, c, info, bgapi.AttClientFindInformationCommand{
			Connection: c.handle,
			Start:      g.Start,
			End:        g.End,
		})
		if err != nil && !isAttributeNotFound(err) {
			return nil, fmt.Errorf("descriptors of %s: %w", su, err)
		}
		out = append(out, bluetooth.ServiceInfo{
			UUID:            su,
			Handle:          g.Start,
			EndHandle:       g.End,
			Characteristics: buildCharacteristics(decls.decls, info.infos, g.End),
		})
	}

	b.mu.Lock()
	for _, s := range out {
		for _, ch := range s.Characteristics {
			c.props[ch.Handle] = ch.Properties
			for _, d := range ch.Descriptors {
				if d.UUID == bluetooth.ClientCharacteristicConfUUID {
					c.cccd[ch.Handle] = d.Handle
				}
			}
		}
	}
	c.resolved = true
	b.mu.Unlock()
	return out, nil
}

type charDecl struct {
	handle uint16
	props  uint8
	value  uint16
	uuid   uuid.UUID
}

// buildCharacteristics 特征值句柄之后、下一个声明之前的属性即该特征的描述符
func buildCharacteristics(values []bgapi.AttClientAttributeValueEvent, infos []bgapi.AttClientFindInformationFoundEvent, end uint16) []bluetooth.CharacteristicInfo {
	decls := make([]charDecl, 0, len(values))
	for _, v := range values {
		// props(1) | value handle(2) | uuid(2/16)
		if len(v.Value) < 5 {
			continue
		}
		u, err := bluetooth.UUIDFromLE(v.Value[3:])
		if err != nil {
			continue
		}
		decls = append(decls, charDecl{
			handle: v.AttHandle,
			props:  v.Value[0],
			value:  binary.LittleEndian.Uint16(v.Value[1:3]),
			uuid:   u,
		})
	}
	sort.Slice(decls, func(i, j int) bool { return decls[i].handle < decls[j].handle })

	out := make([]bluetooth.CharacteristicInfo, 0, len(decls))
	for i, d := range decls {
		limit := end
		if i+1 < len(decls) {
			limit = decls[i+1].handle - 1
		}
		ci := bluetooth.CharacteristicInfo{UUID: d.uuid, Handle: d.value, Properties: d.props}
		for _, in := range infos {
			if in.ChrHandle <= d.value || in.ChrHandle > limit {
				continue
			}
			u, err := bluetooth.UUIDFromLE(in.UUID)
			if err != nil || isDeclaration(u) {
				continue
			}
			ci.Descriptors = append(ci.Descriptors, bluetooth.DescriptorInfo{UUID: u, Handle: in.ChrHandle})
		}
		out = append(out, ci)
	}
	return out
}

func isDeclaration(u uuid.UUID) bool {
	switch u {
	case bluetooth.PrimaryServiceUUID, bluetooth.SecondaryServiceUUID, bluetooth.IncludeUUID, bluetooth.CharacteristicDeclUUID:
		return true
	}
	return false
}

// ReadCharacteristic 按句柄读取
func (b *Backend) ReadCharacteristic(ctx context.Context, addr bluetooth.Address, ref bluetooth.AttributeRef) ([]byte, error) {
	return b.readHandle(ctx, addr, ref.Handle)
}

// WriteCharacteristic 带应答写入
func (b *Backend) WriteCharacteristic(ctx context.Context, addr bluetooth.Address, ref bluetooth.AttributeRef, value []byte) error {
	return b.writeHandle(ctx, addr, ref.Handle, value)
}

func (b *Backend) ReadDescriptor(ctx context.Context, addr bluetooth.Address, ref bluetooth.AttributeRef) ([]byte, error) {
	return b.readHandle(ctx, addr, ref.Handle)
}

func (b *Backend) WriteDescriptor(ctx context.Context, addr bluetooth.Address, ref bluetooth.AttributeRef, value []byte) error {
	return b.writeHandle(ctx, addr, ref.Handle, value)
}

// SetNotify 写 CCCD；仅支持指示的特征写 0x0002
func (b *Backend) SetNotify(ctx context.Context, addr bluetooth.Address, ref bluetooth.AttributeRef, enable bool) error {
	c, err := b.establishedConn(addr)
	if err != nil {
		return err
	}
	b.mu.Lock()
	cccd, ok := c.cccd[ref.Handle]
	props := c.props[ref.Handle]
	b.mu.Unlock()
	if !ok {
		cccd = ref.Handle + 1
	}
	var v uint16
	if enable {
		v = 0x0001
		if props&propIndicate != 0 && props&propNotify == 0 {
			v = 0x0002
		}
	}
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, v)
	if err := b.writeConn(ctx, c, cccd, buf); err != nil {
		var re *bgapi.ResultError
		if errors.As(err, &re) {
			return fmt.Errorf("%w: %v", bluetooth.ErrNotifyRejected, err)
		}
		return err
	}
	return nil
}

func (b *Backend) readHandle(ctx context.Context, addr bluetooth.Address, handle uint16) ([]byte, error) {
	if handle == 0 {
		return nil, bluetooth.ErrNotFound
	}
	c, err := b.establishedConn(addr)
	if err != nil {
		return nil, err
	}
	p := newProcedure(procRead, handle)
	if err := b.runProcedure(ctx, c, p, bgapi.AttClientReadByHandleCommand{Connection: c.handle, Handle: handle}); err != nil {
		return nil, err
	}
	return p.value, nil
}

func (b *Backend) writeHandle(ctx context.Context, addr bluetooth.Address, handle uint16, value []byte) error {
	if handle == 0 {
		return bluetooth.ErrNotFound
	}
	c, err := b.establishedConn(addr)
	if err != nil {
		return err
	}
	return b.writeConn(ctx, c, handle, value)
}

func (b *Backend) writeConn(ctx context.Context, c *conn, handle uint16, value []byte) error {
	p := newProcedure(procWrite, handle)
	return b.runProcedure(ctx, c, p, bgapi.AttClientAttributeWriteCommand{Connection: c.handle, Handle: handle, Data: value})
}

func (b *Backend) confirmIndication(connection uint8) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.CommandTimeout)
	defer cancel()
	r, err := call[*bgapi.AttClientIndicateConfirmResponse](ctx, b, bgapi.AttClientIndicateConfirmCommand{Connection: connection})
	if err == nil {
		err = r.Result.Err()
	}
	if err != nil && !b.closed.Load() {
		b.logger.Warn("indication confirm failed", zap.Uint8("connection", connection), zap.Error(err))
	}
}

func (b *Backend) procLocked(connection uint8) *procedure {
	c, ok := b.conns[connection]
	if !ok {
		return nil
	}
	return c.proc
}

func (b *Backend) onGroupFound(ev *bgapi.AttClientGroupFoundEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p := b.procLocked(ev.Connection); p != nil && p.kind == procGroups {
		p.groups = append(p.groups, *ev)
	}
}

func (b *Backend) onInformationFound(ev *bgapi.AttClientFindInformationFoundEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p := b.procLocked(ev.Connection); p != nil && p.kind == procInfo {
		p.infos = append(p.infos, *ev)
	}
}

func (b *Backend) onAttributeValue(ev *bgapi.AttClientAttributeValueEvent) {
	switch ev.Type {
	case bgapi.AttValueNotify, bgapi.AttValueIndicate, bgapi.AttValueIndicateRsp:
		addr := b.connAddress(ev.Connection)
		if addr.IsZero() {
			return
		}
		if ev.Type == bgapi.AttValueIndicateRsp {
			go b.confirmIndication(ev.Connection)
		}
		b.emit(bluetooth.ValueEvent{Addr: addr, Ref: bluetooth.AttributeRef{Handle: ev.AttHandle}, Value: ev.Value})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.procLocked(ev.Connection)
	if p == nil {
		return
	}
	switch p.kind {
	case procDecls:
		if ev.Type == bgapi.AttValueReadByType {
			p.decls = append(p.decls, *ev)
		}
	case procRead:
		// 读成功时没有 procedure_completed
		if ev.AttHandle == p.handle {
			p.value = ev.Value
			p.finish(nil)
		}
	}
}

func (b *Backend) onProcedureCompleted(ev *bgapi.AttClientProcedureCompletedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p := b.procLocked(ev.Connection); p != nil {
		p.finish(ev.Result.Err())
	}
}
