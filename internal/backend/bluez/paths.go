package bluez

import (
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/taoyao-code/ble-gateway/internal/bluetooth"
)

// DevicePath /org/bluez/hci0 + AA:BB:.. => /org/bluez/hci0/dev_AA_BB_..
func DevicePath(adapter dbus.ObjectPath, addr bluetooth.Address) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ReplaceAll(addr.String(), ":", "_"))
}

// AddressFromPath 从设备或其子对象路径中取出地址
func AddressFromPath(p dbus.ObjectPath) (bluetooth.Address, bool) {
	for _, seg := range strings.Split(string(p), "/") {
		if !strings.HasPrefix(seg, "dev_") {
			continue
		}
		a, err := bluetooth.ParseAddress(strings.ReplaceAll(strings.TrimPrefix(seg, "dev_"), "_", ":"))
		if err != nil {
			return bluetooth.Address{}, false
		}
		return a, true
	}
	return bluetooth.Address{}, false
}

// DeviceOf 截断到设备对象路径
func DeviceOf(p dbus.ObjectPath) (dbus.ObjectPath, bool) {
	s := string(p)
	i := strings.Index(s, "/dev_")
	if i < 0 {
		return "", false
	}
	if j := strings.Index(s[i+1:], "/"); j >= 0 {
		return dbus.ObjectPath(s[:i+1+j]), true
	}
	return p, true
}

// HandleFromPath service000a / char000c / desc000e 的十六进制后缀
func HandleFromPath(p dbus.ObjectPath) (uint16, bool) {
	s := string(p)
	last := s[strings.LastIndex(s, "/")+1:]
	for _, prefix := range []string{"service", "char", "desc"} {
		if !strings.HasPrefix(last, prefix) {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimPrefix(last, prefix), 16, 16)
		if err != nil {
			return 0, false
		}
		return uint16(v), true
	}
	return 0, false
}

var flagBits = map[string]uint8{
	"broadcast":                   0x01,
	"read":                        0x02,
	"write-without-response":      0x04,
	"write":                       0x08,
	"notify":                      0x10,
	"indicate":                    0x20,
	"authenticated-signed-writes": 0x40,
	"extended-properties":         0x80,
}

// FlagsToProperties BlueZ Flags 字符串转特征属性位
func FlagsToProperties(flags []string) uint8 {
	var p uint8
	for _, f := range flags {
		p |= flagBits[f]
	}
	return p
}
