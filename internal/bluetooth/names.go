package bluetooth

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// NameTable GATT UUID -> 可读名称
type NameTable struct {
	mu    sync.RWMutex
	names map[uuid.UUID]string
}

// namesFile YAML 文件格式：
//
//	names:
//	  "2a19": BATTERY_LEVEL
//	  "6e400001-b5a3-f393-e0a9-e50e24dcca9e": NUS_SERVICE
type namesFile struct {
	Names map[string]string `yaml:"names"`
}

// DefaultNames 内置常用服务与特征名称
func DefaultNames() *NameTable {
	t := &NameTable{names: make(map[uuid.UUID]string)}
	for short, name := range map[uint16]string{
		0x1800: "GENERIC_ACCESS",
		0x1801: "GENERIC_ATTRIBUTE",
		0x180A: "DEVICE_INFORMATION",
		0x180F: "BATTERY_SERVICE",
		0x1809: "HEALTH_THERMOMETER",
		0x180D: "HEART_RATE",
		0x2A00: "DEVICE_NAME",
		0x2A01: "APPEARANCE",
		0x2A05: "SERVICE_CHANGED",
		0x2A19: "BATTERY_LEVEL",
		0x2A1C: "TEMPERATURE_MEASUREMENT",
		0x2A24: "MODEL_NUMBER_STRING",
		0x2A25: "SERIAL_NUMBER_STRING",
		0x2A26: "FIRMWARE_REVISION_STRING",
		0x2A29: "MANUFACTURER_NAME_STRING",
		0x2A37: "HEART_RATE_MEASUREMENT",
		0x2902: "CLIENT_CHARACTERISTIC_CONFIGURATION",
		0x2901: "CHARACTERISTIC_USER_DESCRIPTION",
	} {
		t.names[ShortUUID(short)] = name
	}
	return t
}

// LoadNames 从 YAML 文件加载并覆盖到默认表
func LoadNames(path string) (*NameTable, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gatt names: %w", err)
	}
	var f namesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("unmarshal gatt names: %w", err)
	}
	t := DefaultNames()
	for k, v := range f.Names {
		u, err := ParseUUID(k)
		if err != nil {
			return nil, fmt.Errorf("gatt names: %w", err)
		}
		t.names[u] = v
	}
	return t, nil
}

// Name 查找名称，未知返回空串
func (t *NameTable) Name(u uuid.UUID) string {
	if t == nil {
		return ""
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.names[u]
}

// Set 追加或覆盖单个名称
func (t *NameTable) Set(u uuid.UUID, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.names[u] = name
}
