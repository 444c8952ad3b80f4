package bluetooth

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// BaseUUID 蓝牙基础 UUID，短 UUID 填充到第 2~3 字节（或 0~3 字节）
var BaseUUID = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// 常用 GATT 标识
var (
	PrimaryServiceUUID           = ShortUUID(0x2800)
	SecondaryServiceUUID         = ShortUUID(0x2801)
	IncludeUUID                  = ShortUUID(0x2802)
	CharacteristicDeclUUID       = ShortUUID(0x2803)
	ClientCharacteristicConfUUID = ShortUUID(0x2902)
	BatteryServiceUUID           = ShortUUID(0x180F)
	BatteryLevelUUID             = ShortUUID(0x2A19)
)

// ShortUUID 16 位短 UUID 展开为 128 位
func ShortUUID(v uint16) uuid.UUID {
	return ShortUUID32(uint32(v))
}

// ShortUUID32 32 位短 UUID 展开为 128 位
func ShortUUID32(v uint32) uuid.UUID {
	u := BaseUUID
	binary.BigEndian.PutUint32(u[0:4], v)
	return u
}

// ToShort 若为基础 UUID 派生的 16 位标识则返回短值
func ToShort(u uuid.UUID) (uint16, bool) {
	if u[0] != 0 || u[1] != 0 {
		return 0, false
	}
	if string(u[4:]) != string(BaseUUID[4:]) {
		return 0, false
	}
	return binary.BigEndian.Uint16(u[2:4]), true
}

// ParseUUID 支持 "2a19"、"0x2A19"、"00002a19" 以及完整 128 位格式
func ParseUUID(s string) (uuid.UUID, error) {
	s = strings.TrimSpace(s)
	t := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	switch len(t) {
	case 4:
		v, err := strconv.ParseUint(t, 16, 16)
		if err != nil {
			return uuid.Nil, fmt.Errorf("parse uuid %q: %w", s, err)
		}
		return ShortUUID(uint16(v)), nil
	case 8:
		v, err := strconv.ParseUint(t, 16, 32)
		if err != nil {
			return uuid.Nil, fmt.Errorf("parse uuid %q: %w", s, err)
		}
		return ShortUUID32(uint32(v)), nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse uuid %q: %w", s, err)
	}
	return u, nil
}

// UUIDFromLE 解析 BGAPI 上报的小端 UUID（2/4/16 字节）
func UUIDFromLE(b []byte) (uuid.UUID, error) {
	switch len(b) {
	case 2:
		return ShortUUID(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return ShortUUID32(binary.LittleEndian.Uint32(b)), nil
	case 16:
		var u uuid.UUID
		for i := 0; i < 16; i++ {
			u[i] = b[15-i]
		}
		return u, nil
	}
	return uuid.Nil, fmt.Errorf("uuid length %d not supported", len(b))
}

// UUIDToLE 编码为 BGAPI 小端形式，可缩短时使用 2 字节
func UUIDToLE(u uuid.UUID) []byte {
	if v, ok := ToShort(u); ok {
		out := make([]byte, 2)
		binary.LittleEndian.PutUint16(out, v)
		return out
	}
	out := make([]byte, 16)
	for i := 0; i < 16; i++ {
		out[i] = u[15-i]
	}
	return out
}
