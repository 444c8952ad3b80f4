package recorder

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taoyao-code/ble-gateway/internal/bluetooth"
	"github.com/taoyao-code/ble-gateway/internal/metrics"
	"github.com/taoyao-code/ble-gateway/internal/storage/models"
)

// Options 记录器参数
type Options struct {
	QueueSize    int           // 默认 1024
	WriteTimeout time.Duration // 单次写入超时，默认 3s
}

// Recorder 把设备通知转成记录，经单写者协程异步写入各个 Sink
//
// 队列满时丢弃并计数，不阻塞设备邮箱协程。
type Recorder struct {
	sinks   []Sink
	opts    Options
	logger  *zap.Logger
	metrics *metrics.AppMetrics
	adapter string

	mu       sync.RWMutex
	queue    chan record
	closed   bool
	attached map[bluetooth.Address]*deviceRecorder
	source   *bluetooth.Adapter

	dropped atomic.Int64
	written atomic.Int64
	failed  atomic.Int64
	done    chan struct{}
}

type record struct {
	device *models.Device
	event  *models.Event
}

// Stats 记录器计数
type Stats struct {
	Queued  int   `json:"queued"`
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
}

// New 创建记录器并启动写协程
func New(sinks []Sink, opts Options, logger *zap.Logger, m *metrics.AppMetrics) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		sinks:    sinks,
		opts:     opts,
		logger:   logger.With(zap.String("component", "recorder")),
		metrics:  m,
		queue:    make(chan record, opts.QueueSize),
		attached: make(map[bluetooth.Address]*deviceRecorder),
		done:     make(chan struct{}),
	}
	go r.writeLoop()
	return r
}

// Attach 订阅适配器的发现通知；已登记的设备立即挂上设备监听器
func (r *Recorder) Attach(a *bluetooth.Adapter) {
	r.mu.Lock()
	r.source = a
	r.adapter = a.Address().String()
	r.mu.Unlock()
	a.AddDiscoveryListener(r)
	for _, d := range a.Devices() {
		r.watch(d)
	}
}

// OnDeviceDiscovered 首次发现（含淘汰后重新出现）时挂监听器并写入 discovered 事件；之后只刷新快照
func (r *Recorder) OnDeviceDiscovered(d *bluetooth.Device) {
	if r.watch(d) {
		r.event(d.Address(), models.EventDiscovered, "", d.State().String(), nil)
	}
	r.device(d)
}

func (r *Recorder) watch(d *bluetooth.Device) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if prev, ok := r.attached[d.Address()]; ok {
		if prev.dev == d {
			return false
		}
		// 设备被对账淘汰后重新出现，注册表给出的是新对象
		prev.dev.RemoveListener(prev)
	}
	dr := &deviceRecorder{r: r, dev: d}
	r.attached[d.Address()] = dr
	d.AddListener(dr)
	return true
}

// Close 注销监听器，写完队列中剩余记录后返回；可重复调用
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	if r.source != nil {
		r.source.RemoveDiscoveryListener(r)
	}
	for _, dr := range r.attached {
		dr.dev.RemoveListener(dr)
	}
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

// Stats 当前计数
func (r *Recorder) Stats() Stats {
	return Stats{
		Queued:  len(r.queue),
		Written: r.written.Load(),
		Failed:  r.failed.Load(),
		Dropped: r.dropped.Load(),
	}
}

func (r *Recorder) enqueue(rec record) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
		r.metrics.IncRecorderDropped()
	}
}

func (r *Recorder) device(d *bluetooth.Device) {
	r.mu.RLock()
	adapter := r.adapter
	r.mu.RUnlock()
	r.enqueue(record{device: &models.Device{
		Address:          d.Address().String(),
		Adapter:          adapter,
		Name:             d.Name(),
		RSSI:             d.RSSI(),
		TxPower:          d.TxPower(),
		State:            d.State().String(),
		ManufacturerData: d.ManufacturerData(),
		LastSeenAt:       lastSeen(d),
	}})
}

func lastSeen(d *bluetooth.Device) time.Time {
	if t := d.LastSeen(); !t.IsZero() {
		return t
	}
	return time.Now()
}

func (r *Recorder) event(addr bluetooth.Address, kind models.EventKind, attribute, detail string, value []byte) {
	r.enqueue(record{event: &models.Event{
		ID:        uuid.NewString(),
		Address:   addr.String(),
		Kind:      kind,
		Attribute: attribute,
		Detail:    detail,
		Value:     value,
		CreatedAt: time.Now(),
	}})
}

func (r *Recorder) writeLoop() {
	defer close(r.done)
	for rec := range r.queue {
		for _, s := range r.sinks {
			r.write(s, rec)
		}
	}
}

func (r *Recorder) write(s Sink, rec record) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
	defer cancel()
	var err error
	var addr string
	if rec.device != nil {
		addr = rec.device.Address
		err = s.UpsertDevice(ctx, *rec.device)
	} else {
		addr = rec.event.Address
		err = s.InsertEvent(ctx, *rec.event)
	}
	if err != nil {
		r.failed.Add(1)
		r.logger.Warn("record write failed",
			zap.String("sink", fmt.Sprintf("%T", s)),
			zap.String("address", addr),
			zap.Error(err))
		return
	}
	r.written.Add(1)
}

// deviceRecorder 单设备监听器
type deviceRecorder struct {
	r   *Recorder
	dev *bluetooth.Device
}

func (dr *deviceRecorder) OnScanRecordReceived(bluetooth.ScanNotification) {
	dr.r.device(dr.dev)
}

func (dr *deviceRecorder) OnConnectionStateChange(n bluetooth.ConnectionStatusNotification) {
	dr.r.device(dr.dev)
	dr.r.event(n.Address, models.EventState, "", n.Previous.String()+"->"+n.State.String(), nil)
}

func (dr *deviceRecorder) OnServicesDiscovered() {
	n := 0
	for _, s := range dr.dev.Services() {
		n += len(s.Characteristics())
	}
	dr.r.event(dr.dev.Address(), models.EventServices, "",
		fmt.Sprintf("%d services, %d characteristics", len(dr.dev.Services()), n), nil)
}

func (dr *deviceRecorder) OnCharacteristicReadComplete(c *bluetooth.Characteristic, status bluetooth.CompletionStatus) {
	dr.r.event(dr.dev.Address(), models.EventRead, c.UUID().String(), status.String(), c.Value())
}

func (dr *deviceRecorder) OnCharacteristicWriteComplete(c *bluetooth.Characteristic, status bluetooth.CompletionStatus) {
	dr.r.event(dr.dev.Address(), models.EventWrite, c.UUID().String(), status.String(), nil)
}

func (dr *deviceRecorder) OnCharacteristicUpdate(c *bluetooth.Characteristic) {
	v := c.Value()
	dr.r.event(dr.dev.Address(), models.EventUpdate, c.UUID().String(), hex.EncodeToString(v), v)
}

func (dr *deviceRecorder) OnDescriptorReadComplete(d *bluetooth.Descriptor, status bluetooth.CompletionStatus) {
	dr.r.event(dr.dev.Address(), models.EventDescriptorRead, d.UUID().String(), status.String(), d.Value())
}

func (dr *deviceRecorder) OnDescriptorWriteComplete(d *bluetooth.Descriptor, status bluetooth.CompletionStatus) {
	dr.r.event(dr.dev.Address(), models.EventDescriptorWrite, d.UUID().String(), status.String(), nil)
}

func (dr *deviceRecorder) OnDescriptorUpdate(d *bluetooth.Descriptor) {
	v := d.Value()
	dr.r.event(dr.dev.Address(), models.EventDescriptor, d.UUID().String(), hex.EncodeToString(v), v)
}

func (dr *deviceRecorder) OnOperationFailed(err *bluetooth.OperationError) {
	dr.r.event(err.Address, models.EventFailure, err.Op, err.Err.Error(), nil)
}
