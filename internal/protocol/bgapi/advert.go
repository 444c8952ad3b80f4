package bgapi

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/taoyao-code/ble-gateway/internal/bluetooth"
)

// AD 结构类型
const (
	adFlags            = 0x01
	adIncomplete16     = 0x02
	adComplete16       = 0x03
	adIncomplete128    = 0x06
	adComplete128      = 0x07
	adShortName        = 0x08
	adCompleteName     = 0x09
	adTxPower          = 0x0A
	adManufacturerData = 0xFF
)

// Advertisement 广播/扫描响应数据中提取的字段
type Advertisement struct {
	Flags            uint8
	LocalName        string
	TxPower          int
	HasTxPower       bool
	Services         []uuid.UUID
	ManufacturerData []byte
}

// ParseAdvertisement 解析 AD 结构序列；长度越界返回错误，已解析字段保留
func ParseAdvertisement(data []byte) (Advertisement, error) {
	var adv Advertisement
	for i := 0; i < len(data); {
		l := int(data[i])
		if l == 0 {
			// 填充
			break
		}
		if i+1+l > len(data) {
			return adv, fmt.Errorf("%w: ad structure at %d declares %d bytes, have %d", ErrMalformedFrame, i, l, len(data)-i-1)
		}
		typ := data[i+1]
		body := data[i+2 : i+1+l]
		switch typ {
		case adFlags:
			if len(body) > 0 {
				adv.Flags = body[0]
			}
		case adShortName:
			if adv.LocalName == "" {
				adv.LocalName = string(body)
			}
		case adCompleteName:
			adv.LocalName = string(body)
		case adTxPower:
			if len(body) > 0 {
				adv.TxPower = int(int8(body[0]))
				adv.HasTxPower = true
			}
		case adIncomplete16, adComplete16:
			for j := 0; j+2 <= len(body); j += 2 {
				u, _ := bluetooth.UUIDFromLE(body[j : j+2])
				adv.Services = append(adv.Services, u)
			}
		case adIncomplete128, adComplete128:
			for j := 0; j+16 <= len(body); j += 16 {
				u, _ := bluetooth.UUIDFromLE(body[j : j+16])
				adv.Services = append(adv.Services, u)
			}
		case adManufacturerData:
			adv.ManufacturerData = append([]byte(nil), body...)
		}
		i += 1 + l
	}
	return adv, nil
}
