package bgapi

// StreamDecoder 处理半包/粘包的流式拆帧器，只负责切分，解码由调用方按帧进行
type StreamDecoder struct {
	buf        []byte
	maxPayload int // 保护上限，超出视为失步
	dropped    int
}

// NewStreamDecoder 创建流式拆帧器，maxPayload 非正时取协议上限
func NewStreamDecoder(maxPayload int) *StreamDecoder {
	if maxPayload <= 0 || maxPayload > MaxPayloadLen {
		maxPayload = MaxPayloadLen
	}
	return &StreamDecoder{maxPayload: maxPayload}
}

// Feed 追加数据并尽可能切出多帧（每帧含 4 字节头）
//
// 帧头不可信（非 BLE 技术类型、class 越界、长度超限）时丢弃 1 字节后重新同步。
func (d *StreamDecoder) Feed(p []byte) [][]byte {
	if len(p) == 0 {
		return nil
	}
	d.buf = append(d.buf, p...)
	var frames [][]byte

	for len(d.buf) >= HeaderLen {
		h, _ := ParseHeader(d.buf)
		if !h.plausible(d.maxPayload) {
			d.buf = d.buf[1:]
			d.dropped++
			continue
		}
		total := HeaderLen + int(h.Length)
		if len(d.buf) < total {
			// 半包，等待更多
			break
		}
		frame := make([]byte, total)
		copy(frame, d.buf[:total])
		frames = append(frames, frame)
		d.buf = d.buf[total:]
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames
}

// Buffered 当前缓存的未成帧字节数
func (d *StreamDecoder) Buffered() int { return len(d.buf) }

// Dropped 失步丢弃的字节累计
func (d *StreamDecoder) Dropped() int { return d.dropped }

// Reset 清空缓冲（控制器复位后使用）
func (d *StreamDecoder) Reset() { d.buf = nil }
