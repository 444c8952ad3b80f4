package bluetooth

import (
	"sync"

	"github.com/google/uuid"
)

// Catalog 设备的 GATT 缓存：服务 -> 特征 -> 描述符，只增不减
type Catalog struct {
	mu       sync.RWMutex
	services []*Service
	byHandle map[uint16]any // *Characteristic | *Descriptor
	names    *NameTable
}

// NewCatalog 创建空目录
func NewCatalog(names *NameTable) *Catalog {
	return &Catalog{byHandle: make(map[uint16]any), names: names}
}

// Service GATT 服务
type Service struct {
	catalog   *Catalog
	uuid      uuid.UUID
	handle    uint16
	endHandle uint16
	chars     []*Characteristic
}

// Characteristic GATT 特征，持有最近一次完整读取或通知的值
type Characteristic struct {
	service    *Service
	uuid       uuid.UUID
	handle     uint16
	properties uint8
	descs      []*Descriptor

	mu        sync.RWMutex
	value     []byte
	notifying bool
}

// Descriptor GATT 描述符
type Descriptor struct {
	char   *Characteristic
	uuid   uuid.UUID
	handle uint16

	mu    sync.RWMutex
	value []byte
}

// Merge 合并一轮发现结果：按父作用域内 UUID 匹配，仅追加缺失实体，返回新增数量
func (c *Catalog) Merge(round []ServiceInfo) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	added := 0
	for _, si := range round {
		svc := c.findServiceLocked(si.UUID)
		if svc == nil {
			svc = &Service{catalog: c, uuid: si.UUID, handle: si.Handle, endHandle: si.EndHandle}
			c.services = append(c.services, svc)
			added++
		} else if svc.handle == 0 && si.Handle != 0 {
			svc.handle, svc.endHandle = si.Handle, si.EndHandle
		}
		for _, ci := range si.Characteristics {
			ch := svc.findCharLocked(ci.UUID)
			if ch == nil {
				ch = &Characteristic{service: svc, uuid: ci.UUID, handle: ci.Handle, properties: ci.Properties}
				svc.chars = append(svc.chars, ch)
				c.indexLocked(ci.Handle, ch)
				added++
			} else if ch.handle == 0 && ci.Handle != 0 {
				ch.handle = ci.Handle
				c.indexLocked(ci.Handle, ch)
			}
			for _, di := range ci.Descriptors {
				d := ch.findDescLocked(di.UUID)
				if d == nil {
					d = &Descriptor{char: ch, uuid: di.UUID, handle: di.Handle}
					ch.descs = append(ch.descs, d)
					c.indexLocked(di.Handle, d)
					added++
				}
			}
		}
	}
	return added
}

func (c *Catalog) indexLocked(h uint16, v any) {
	if h == 0 {
		return
	}
	if _, ok := c.byHandle[h]; !ok {
		c.byHandle[h] = v
	}
}

func (c *Catalog) findServiceLocked(u uuid.UUID) *Service {
	for _, s := range c.services {
		if s.uuid == u {
			return s
		}
	}
	return nil
}

func (s *Service) findCharLocked(u uuid.UUID) *Characteristic {
	for _, ch := range s.chars {
		if ch.uuid == u {
			return ch
		}
	}
	return nil
}

func (ch *Characteristic) findDescLocked(u uuid.UUID) *Descriptor {
	for _, d := range ch.descs {
		if d.uuid == u {
			return d
		}
	}
	return nil
}

// Services 服务快照
func (c *Catalog) Services() []*Service {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Service, len(c.services))
	copy(out, c.services)
	return out
}

// Service 按 UUID 查找服务
func (c *Catalog) Service(u uuid.UUID) *Service {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.findServiceLocked(u)
}

// Characteristic 跨服务查找第一个匹配的特征
func (c *Catalog) Characteristic(u uuid.UUID) *Characteristic {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.services {
		if ch := s.findCharLocked(u); ch != nil {
			return ch
		}
	}
	return nil
}

// Descriptor 查找特征下的描述符
func (c *Catalog) Descriptor(charUUID, descUUID uuid.UUID) *Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.services {
		if ch := s.findCharLocked(charUUID); ch != nil {
			if d := ch.findDescLocked(descUUID); d != nil {
				return d
			}
		}
	}
	return nil
}

// ByHandle 按属性句柄查找，返回特征或描述符之一
func (c *Catalog) ByHandle(h uint16) (*Characteristic, *Descriptor) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch v := c.byHandle[h].(type) {
	case *Characteristic:
		return v, nil
	case *Descriptor:
		return nil, v
	}
	return nil, nil
}

// Resolve 按引用定位：优先句柄，其次 UUID
func (c *Catalog) Resolve(ref AttributeRef) (*Characteristic, *Descriptor) {
	if ref.Handle != 0 {
		if ch, d := c.ByHandle(ref.Handle); ch != nil || d != nil {
			return ch, d
		}
	}
	if ref.Descriptor != uuid.Nil {
		return nil, c.Descriptor(ref.Characteristic, ref.Descriptor)
	}
	if ref.Characteristic != uuid.Nil {
		return c.Characteristic(ref.Characteristic), nil
	}
	return nil, nil
}

// Len 实体总数（服务+特征+描述符）
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := len(c.services)
	for _, s := range c.services {
		n += len(s.chars)
		for _, ch := range s.chars {
			n += len(ch.descs)
		}
	}
	return n
}

func (s *Service) UUID() uuid.UUID { return s.uuid }
func (s *Service) Name() string    { return s.catalog.names.Name(s.uuid) }

// Handle 起始句柄；后续发现轮次可能补齐，读取需持目录锁
func (s *Service) Handle() uint16 {
	s.catalog.mu.RLock()
	defer s.catalog.mu.RUnlock()
	return s.handle
}

func (s *Service) EndHandle() uint16 {
	s.catalog.mu.RLock()
	defer s.catalog.mu.RUnlock()
	return s.endHandle
}

// Characteristics 特征快照
func (s *Service) Characteristics() []*Characteristic {
	s.catalog.mu.RLock()
	defer s.catalog.mu.RUnlock()
	out := make([]*Characteristic, len(s.chars))
	copy(out, s.chars)
	return out
}

// Characteristic 服务内按 UUID 查找
func (s *Service) Characteristic(u uuid.UUID) *Characteristic {
	s.catalog.mu.RLock()
	defer s.catalog.mu.RUnlock()
	return s.findCharLocked(u)
}

func (ch *Characteristic) UUID() uuid.UUID   { return ch.uuid }
func (ch *Characteristic) Properties() uint8 { return ch.properties }
func (ch *Characteristic) Service() *Service { return ch.service }
func (ch *Characteristic) Name() string      { return ch.service.catalog.names.Name(ch.uuid) }

// Handle 属性句柄，与 Merge 的补齐写入同受目录锁保护
func (ch *Characteristic) Handle() uint16 {
	ch.service.catalog.mu.RLock()
	defer ch.service.catalog.mu.RUnlock()
	return ch.handle
}

// Ref 后端调用使用的引用
func (ch *Characteristic) Ref() AttributeRef {
	return AttributeRef{Service: ch.service.uuid, Characteristic: ch.uuid, Handle: ch.Handle()}
}

// Value 返回值的副本
func (ch *Characteristic) Value() []byte {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return cloneBytes(ch.value)
}

// Notifying 是否已开启通知
func (ch *Characteristic) Notifying() bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.notifying
}

func (ch *Characteristic) setValue(v []byte) {
	ch.mu.Lock()
	ch.value = cloneBytes(v)
	ch.mu.Unlock()
}

func (ch *Characteristic) setNotifying(on bool) {
	ch.mu.Lock()
	ch.notifying = on
	ch.mu.Unlock()
}

// Descriptors 描述符快照
func (ch *Characteristic) Descriptors() []*Descriptor {
	ch.service.catalog.mu.RLock()
	defer ch.service.catalog.mu.RUnlock()
	out := make([]*Descriptor, len(ch.descs))
	copy(out, ch.descs)
	return out
}

// Descriptor 按 UUID 查找描述符
func (ch *Characteristic) Descriptor(u uuid.UUID) *Descriptor {
	ch.service.catalog.mu.RLock()
	defer ch.service.catalog.mu.RUnlock()
	return ch.findDescLocked(u)
}

func (d *Descriptor) UUID() uuid.UUID                 { return d.uuid }
func (d *Descriptor) Handle() uint16                  { return d.handle }
func (d *Descriptor) Characteristic() *Characteristic { return d.char }

// Ref 后端调用使用的引用
func (d *Descriptor) Ref() AttributeRef {
	return AttributeRef{
		Service:        d.char.service.uuid,
		Characteristic: d.char.uuid,
		Descriptor:     d.uuid,
		Handle:         d.handle,
	}
}

// Value 返回值的副本
func (d *Descriptor) Value() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return cloneBytes(d.value)
}

func (d *Descriptor) setValue(v []byte) {
	d.mu.Lock()
	d.value = cloneBytes(v)
	d.mu.Unlock()
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
