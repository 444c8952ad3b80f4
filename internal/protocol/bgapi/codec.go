package bgapi

import (
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/taoyao-code/ble-gateway/internal/bluetooth"
)

// BDAddr 线格式蓝牙地址（小端，6 字节）
type BDAddr [6]byte

// NewBDAddr 由显示顺序地址构造
func NewBDAddr(a bluetooth.Address) BDAddr { return BDAddr(a.Reversed()) }

// Address 转换为显示顺序地址
func (b BDAddr) Address() bluetooth.Address { return bluetooth.AddressFromLE([6]byte(b)) }

func (b BDAddr) String() string { return b.Address().String() }

// Marshal 按结构体字段声明顺序编码负载
//
// 支持的字段：uint8、int8、uint16、int16、uint32（均小端），
// []byte（1 字节长度前缀），[6]byte（地址）。标签 `bgapi:"-"` 跳过字段。
func Marshal(v any) ([]byte, error) {
	rv := reflect.Indirect(reflect.ValueOf(v))
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("bgapi: marshal %T: not a struct", v)
	}
	rt := rv.Type()
	buf := make([]byte, 0, 16)
	for i := 0; i < rv.NumField(); i++ {
		sf := rt.Field(i)
		if !sf.IsExported() || sf.Tag.Get("bgapi") == "-" {
			continue
		}
		f := rv.Field(i)
		switch f.Kind() {
		case reflect.Uint8:
			buf = append(buf, uint8(f.Uint()))
		case reflect.Int8:
			buf = append(buf, uint8(int8(f.Int())))
		case reflect.Uint16:
			buf = binary.LittleEndian.AppendUint16(buf, uint16(f.Uint()))
		case reflect.Int16:
			buf = binary.LittleEndian.AppendUint16(buf, uint16(int16(f.Int())))
		case reflect.Uint32:
			buf = binary.LittleEndian.AppendUint32(buf, uint32(f.Uint()))
		case reflect.Slice:
			if f.Type().Elem().Kind() != reflect.Uint8 {
				return nil, fmt.Errorf("bgapi: marshal %s.%s: unsupported slice", rt.Name(), sf.Name)
			}
			if f.Len() > 0xFF {
				return nil, fmt.Errorf("%w: %s.%s has %d bytes, max 255", ErrFieldTooLong, rt.Name(), sf.Name, f.Len())
			}
			buf = append(buf, uint8(f.Len()))
			buf = append(buf, f.Bytes()...)
		case reflect.Array:
			if f.Type().Elem().Kind() != reflect.Uint8 || f.Len() != 6 {
				return nil, fmt.Errorf("bgapi: marshal %s.%s: unsupported array", rt.Name(), sf.Name)
			}
			for j := 0; j < 6; j++ {
				buf = append(buf, uint8(f.Index(j).Uint()))
			}
		default:
			return nil, fmt.Errorf("bgapi: marshal %s.%s: unsupported kind %s", rt.Name(), sf.Name, f.Kind())
		}
	}
	return buf, nil
}

// Unmarshal 按字段顺序解码负载到结构体指针
//
// 字段宽度不足或负载有剩余字节均返回 ErrMalformedFrame，不会留下部分解码结果。
func Unmarshal(p []byte, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("bgapi: unmarshal %T: need non-nil struct pointer", v)
	}
	// 先解到临时值，成功后整体赋值
	tmp := reflect.New(rv.Elem().Type()).Elem()
	rt := tmp.Type()
	off := 0
	need := func(name string, n int) error {
		if len(p)-off < n {
			return fmt.Errorf("%w: %s.%s needs %d bytes at offset %d, have %d",
				ErrMalformedFrame, rt.Name(), name, n, off, len(p)-off)
		}
		return nil
	}
	for i := 0; i < tmp.NumField(); i++ {
		sf := rt.Field(i)
		if !sf.IsExported() || sf.Tag.Get("bgapi") == "-" {
			continue
		}
		f := tmp.Field(i)
		switch f.Kind() {
		case reflect.Uint8:
			if err := need(sf.Name, 1); err != nil {
				return err
			}
			f.SetUint(uint64(p[off]))
			off++
		case reflect.Int8:
			if err := need(sf.Name, 1); err != nil {
				return err
			}
			f.SetInt(int64(int8(p[off])))
			off++
		case reflect.Uint16:
			if err := need(sf.Name, 2); err != nil {
				return err
			}
			f.SetUint(uint64(binary.LittleEndian.Uint16(p[off:])))
			off += 2
		case reflect.Int16:
			if err := need(sf.Name, 2); err != nil {
				return err
			}
			f.SetInt(int64(int16(binary.LittleEndian.Uint16(p[off:]))))
			off += 2
		case reflect.Uint32:
			if err := need(sf.Name, 4); err != nil {
				return err
			}
			f.SetUint(uint64(binary.LittleEndian.Uint32(p[off:])))
			off += 4
		case reflect.Slice:
			if f.Type().Elem().Kind() != reflect.Uint8 {
				return fmt.Errorf("bgapi: unmarshal %s.%s: unsupported slice", rt.Name(), sf.Name)
			}
			if err := need(sf.Name, 1); err != nil {
				return err
			}
			n := int(p[off])
			off++
			if err := need(sf.Name, n); err != nil {
				return err
			}
			b := make([]byte, n)
			copy(b, p[off:off+n])
			f.SetBytes(b)
			off += n
		case reflect.Array:
			if f.Type().Elem().Kind() != reflect.Uint8 || f.Len() != 6 {
				return fmt.Errorf("bgapi: unmarshal %s.%s: unsupported array", rt.Name(), sf.Name)
			}
			if err := need(sf.Name, 6); err != nil {
				return err
			}
			for j := 0; j < 6; j++ {
				f.Index(j).SetUint(uint64(p[off+j]))
			}
			off += 6
		default:
			return fmt.Errorf("bgapi: unmarshal %s.%s: unsupported kind %s", rt.Name(), sf.Name, f.Kind())
		}
	}
	if off != len(p) {
		return fmt.Errorf("%w: %s has %d trailing bytes", ErrMalformedFrame, rt.Name(), len(p)-off)
	}
	rv.Elem().Set(tmp)
	return nil
}

// Encode 编码完整帧（头 + 负载），不截断也不填充
func Encode(m Message) ([]byte, error) {
	payload, err := Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxPayloadLen {
		return nil, fmt.Errorf("%w: payload %d bytes", ErrFieldTooLong, len(payload))
	}
	id := m.ID()
	h := Header{
		Event:      id.Kind == KindEvent,
		Technology: TechnologyBLE,
		Length:     uint16(len(payload)),
		Class:      id.Class,
		Method:     id.Method,
	}
	hb := h.Encode()
	out := make([]byte, 0, HeaderLen+len(payload))
	out = append(out, hb[:]...)
	return append(out, payload...), nil
}

// Decode 使用默认分发表解码一帧
func Decode(frame []byte) (Message, error) {
	return defaultTable.Decode(frame)
}
