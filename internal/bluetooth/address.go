package bluetooth

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Address 6 字节蓝牙硬件地址，按显示顺序存放（高字节在前）
type Address [6]byte

// ParseAddress 解析 "AA:BB:CC:DD:EE:FF" 形式的地址，分隔符允许 ':' 或 '-'，大小写不敏感
func ParseAddress(s string) (Address, error) {
	var a Address
	s = strings.TrimSpace(s)
	if len(s) != 17 {
		return a, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	sep := s[2]
	if sep != ':' && sep != '-' {
		return a, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	for i := 0; i < 6; i++ {
		part := s[i*3 : i*3+2]
		if i < 5 && s[i*3+2] != sep {
			return a, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		b, err := hex.DecodeString(part)
		if err != nil {
			return a, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		a[i] = b[0]
	}
	return a, nil
}

// MustParseAddress 测试与常量场景使用，解析失败直接 panic
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String 规范形式：大写冒号分隔
func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// IsZero 是否为全零地址
func (a Address) IsZero() bool {
	return a == Address{}
}

// Reversed 返回小端字节序（BGAPI 线格式）
func (a Address) Reversed() [6]byte {
	var r [6]byte
	for i := 0; i < 6; i++ {
		r[i] = a[5-i]
	}
	return r
}

// AddressFromLE 由小端字节构造地址
func AddressFromLE(b [6]byte) Address {
	var a Address
	for i := 0; i < 6; i++ {
		a[i] = b[5-i]
	}
	return a
}

// MarshalText 供 JSON 序列化使用
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText 供 JSON/YAML 反序列化使用
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
