package bluez

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	bluezDest = "org.bluez"
	bluezRoot = dbus.ObjectPath("/")

	ifaceObjectManager = "org.freedesktop.DBus.ObjectManager"
	ifaceProperties    = "org.freedesktop.DBus.Properties"
	ifaceAdapter       = "org.bluez.Adapter1"
	ifaceDevice        = "org.bluez.Device1"
	ifaceService       = "org.bluez.GattService1"
	ifaceChar          = "org.bluez.GattCharacteristic1"
	ifaceDesc          = "org.bluez.GattDescriptor1"
)

// ManagedObjects GetManagedObjects 的返回结构
type ManagedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Bus 后端用到的 D-Bus 能力；系统总线之外测试注入内存实现
type Bus interface {
	ManagedObjects(ctx context.Context) (ManagedObjects, error)
	Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) ([]any, error)
	Subscribe(ch chan<- *dbus.Signal) error
	Unsubscribe(ch chan<- *dbus.Signal)
	Close() error
}

var matchRules = []string{
	"type='signal',sender='org.bluez',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged'",
	"type='signal',sender='org.bluez',interface='org.freedesktop.DBus.ObjectManager',member='InterfacesAdded'",
	"type='signal',sender='org.bluez',interface='org.freedesktop.DBus.ObjectManager',member='InterfacesRemoved'",
}

// systemBus 系统总线上的 BlueZ
type systemBus struct {
	conn *dbus.Conn
}

// DialSystemBus 连接系统总线
func DialSystemBus() (Bus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return &systemBus{conn: conn}, nil
}

func (s *systemBus) ManagedObjects(ctx context.Context) (ManagedObjects, error) {
	var out ManagedObjects
	err := s.conn.Object(bluezDest, bluezRoot).
		CallWithContext(ctx, ifaceObjectManager+".GetManagedObjects", 0).
		Store(&out)
	if err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", err)
	}
	return out, nil
}

func (s *systemBus) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) ([]any, error) {
	call := s.conn.Object(bluezDest, path).CallWithContext(ctx, method, 0, args...)
	return call.Body, call.Err
}

func (s *systemBus) Subscribe(ch chan<- *dbus.Signal) error {
	for _, rule := range matchRules {
		if err := s.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
			return fmt.Errorf("AddMatch: %w", err)
		}
	}
	s.conn.Signal(ch)
	return nil
}

func (s *systemBus) Unsubscribe(ch chan<- *dbus.Signal) { s.conn.RemoveSignal(ch) }

func (s *systemBus) Close() error { return s.conn.Close() }
