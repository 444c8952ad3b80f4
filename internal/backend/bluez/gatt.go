package bluez

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/taoyao-code/ble-gateway/internal/bluetooth"
)

const defaultCallTimeout = 10 * time.Second

// ErrServicesPending BlueZ 尚未完成服务解析，随后以 ServicesEvent 上报
var ErrServicesPending = errors.New("bluez services not resolved yet")

var writeOptions = map[string]dbus.Variant{"type": dbus.MakeVariant("request")}

// DiscoverServices 由 managed objects 构建服务树并刷新句柄索引
func (b *Backend) DiscoverServices(ctx context.Context, addr bluetooth.Address) ([]bluetooth.ServiceInfo, error) {
	objs, err := b.bus.ManagedObjects(ctx)
	if err != nil {
		return nil, err
	}
	devPath := DevicePath(b.adapter(), addr)
	dev, ok := objs[devPath][ifaceDevice]
	if !ok {
		return nil, bluetooth.ErrNotConnected
	}
	if v, _ := dev["Connected"].Value().(bool); !v {
		return nil, bluetooth.ErrNotConnected
	}
	if v, _ := dev["ServicesResolved"].Value().(bool); !v {
		return nil, ErrServicesPending
	}

	index := make(map[uint16]dbus.ObjectPath)
	services := make(map[dbus.ObjectPath]*bluetooth.ServiceInfo)
	chars := make(map[dbus.ObjectPath]*charEntry)
	prefix := string(devPath) + "/"

	for p, ifaces := range objs {
		if !strings.HasPrefix(string(p), prefix) {
			continue
		}
		if props, ok := ifaces[ifaceService]; ok {
			u, h, ok := attrIdentity(p, props)
			if !ok {
				continue
			}
			services[p] = &bluetooth.ServiceInfo{UUID: u, Handle: h, EndHandle: h}
			index[h] = p
		}
	}
	for p, ifaces := range objs {
		props, ok := ifaces[ifaceChar]
		if !ok || !strings.HasPrefix(string(p), prefix) {
			continue
		}
		u, h, ok := attrIdentity(p, props)
		if !ok {
			continue
		}
		svc, _ := props["Service"].Value().(dbus.ObjectPath)
		flags, _ := props["Flags"].Value().([]string)
		chars[p] = &charEntry{
			service: svc,
			info:    bluetooth.CharacteristicInfo{UUID: u, Handle: h, Properties: FlagsToProperties(flags)},
		}
		index[h] = p
	}
	for p, ifaces := range objs {
		props, ok := ifaces[ifaceDesc]
		if !ok || !strings.HasPrefix(string(p), prefix) {
			continue
		}
		u, h, ok := attrIdentity(p, props)
		if !ok {
			continue
		}
		owner, _ := props["Characteristic"].Value().(dbus.ObjectPath)
		if c := chars[owner]; c != nil {
			c.info.Descriptors = append(c.info.Descriptors, bluetooth.DescriptorInfo{UUID: u, Handle: h})
		}
		index[h] = p
	}

	for _, c := range chars {
		s := services[c.service]
		if s == nil {
			continue
		}
		sort.Slice(c.info.Descriptors, func(i, j int) bool { return c.info.Descriptors[i].Handle < c.info.Descriptors[j].Handle })
		s.Characteristics = append(s.Characteristics, c.info)
		// BlueZ 不暴露服务结束句柄，取子属性最大句柄
		s.EndHandle = max(s.EndHandle, c.info.Handle)
		for _, d := range c.info.Descriptors {
			s.EndHandle = max(s.EndHandle, d.Handle)
		}
	}
	out := make([]bluetooth.ServiceInfo, 0, len(services))
	for _, s := range services {
		sort.Slice(s.Characteristics, func(i, j int) bool { return s.Characteristics[i].Handle < s.Characteristics[j].Handle })
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })

	b.mu.Lock()
	b.attrs[addr] = index
	b.mu.Unlock()
	return out, nil
}

type charEntry struct {
	service dbus.ObjectPath
	info    bluetooth.CharacteristicInfo
}

// attrIdentity UUID 属性 + Handle 属性（旧版 BlueZ 没有时取路径后缀）
func attrIdentity(p dbus.ObjectPath, props map[string]dbus.Variant) (u uuid.UUID, h uint16, ok bool) {
	s, _ := props["UUID"].Value().(string)
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		return u, 0, false
	}
	if v, has := props["Handle"].Value().(uint16); has && v != 0 {
		return u, v, true
	}
	h, ok = HandleFromPath(p)
	return u, h, ok
}

func (b *Backend) resolve(addr bluetooth.Address, ref bluetooth.AttributeRef) (dbus.ObjectPath, error) {
	if ref.Handle == 0 {
		return "", bluetooth.ErrNotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	index, ok := b.attrs[addr]
	if !ok {
		return "", bluetooth.ErrNotConnected
	}
	p, ok := index[ref.Handle]
	if !ok {
		return "", bluetooth.ErrNotFound
	}
	return p, nil
}

func (b *Backend) readValue(ctx context.Context, addr bluetooth.Address, ref bluetooth.AttributeRef, iface string) ([]byte, error) {
	p, err := b.resolve(addr, ref)
	if err != nil {
		return nil, err
	}
	body, err := b.call(ctx, p, iface+".ReadValue", map[string]dbus.Variant{})
	if err != nil {
		return nil, fmt.Errorf("ReadValue: %w", mapGattError(err))
	}
	if len(body) == 0 {
		return nil, nil
	}
	v, _ := body[0].([]byte)
	return v, nil
}

func (b *Backend) writeValue(ctx context.Context, addr bluetooth.Address, ref bluetooth.AttributeRef, iface string, value []byte) error {
	p, err := b.resolve(addr, ref)
	if err != nil {
		return err
	}
	if _, err := b.call(ctx, p, iface+".WriteValue", value, writeOptions); err != nil {
		return fmt.Errorf("WriteValue: %w", mapGattError(err))
	}
	return nil
}

func (b *Backend) ReadCharacteristic(ctx context.Context, addr bluetooth.Address, ref bluetooth.AttributeRef) ([]byte, error) {
	return b.readValue(ctx, addr, ref, ifaceChar)
}

func (b *Backend) WriteCharacteristic(ctx context.Context, addr bluetooth.Address, ref bluetooth.AttributeRef, value []byte) error {
	return b.writeValue(ctx, addr, ref, ifaceChar, value)
}

func (b *Backend) ReadDescriptor(ctx context.Context, addr bluetooth.Address, ref bluetooth.AttributeRef) ([]byte, error) {
	return b.readValue(ctx, addr, ref, ifaceDesc)
}

func (b *Backend) WriteDescriptor(ctx context.Context, addr bluetooth.Address, ref bluetooth.AttributeRef, value []byte) error {
	return b.writeValue(ctx, addr, ref, ifaceDesc, value)
}

// SetNotify StartNotify/StopNotify；BlueZ 拒绝时包装为 ErrNotifyRejected
func (b *Backend) SetNotify(ctx context.Context, addr bluetooth.Address, ref bluetooth.AttributeRef, enable bool) error {
	p, err := b.resolve(addr, ref)
	if err != nil {
		return err
	}
	method := ifaceChar + ".StopNotify"
	if enable {
		method = ifaceChar + ".StartNotify"
	}
	if _, err := b.call(ctx, p, method); err != nil {
		if isDBusError(err, "org.bluez.Error.NotConnected") {
			return bluetooth.ErrNotConnected
		}
		return fmt.Errorf("%w: %v", bluetooth.ErrNotifyRejected, err)
	}
	return nil
}

func mapGattError(err error) error {
	if isDBusError(err, "org.bluez.Error.NotConnected") {
		return bluetooth.ErrNotConnected
	}
	return err
}
