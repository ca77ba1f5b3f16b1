package registry

import (
	"sort"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/tinyecg/internal/bledb"
	"github.com/srg/tinyecg/internal/device"
)

// Binding ties a discovered characteristic handle to its declaration.
type Binding struct {
	Service uint16
	Handle  uint16
	Char    Characteristic
}

// HandleTable maps characteristic value handles of the connected peripheral
// to their callbacks. Dispatch may run concurrently with Bind and Reset.
type HandleTable struct {
	entries *hashmap.Map[uint16, *Binding]
	desc    atomic.Pointer[Descriptor]
	logger  *logrus.Logger
}

// NewHandleTable creates an empty table.
func NewHandleTable(logger *logrus.Logger) *HandleTable {
	if logger == nil {
		logger = logrus.New()
	}
	return &HandleTable{
		entries: hashmap.New[uint16, *Binding](),
		logger:  logger,
	}
}

// Bind matches the discovered GATT table against d. Every declared service
// and characteristic must be present. Write characteristics have their
// handle passed to OnHandle immediately.
func (t *HandleTable) Bind(d *Descriptor, services []device.Service) error {
	t.Reset()

	discovered := make(map[uint16]device.Service, len(services))
	for _, svc := range services {
		if u, ok := device.UUID16(svc.UUID); ok {
			discovered[u] = svc
		}
	}

	var bound []*Binding
	for _, want := range d.Services {
		svc, ok := discovered[want.UUID]
		if !ok {
			return &device.NotFoundError{
				Resource: "service",
				UUIDs:    []string{device.FormatUUID16(want.UUID)},
			}
		}
		for _, wc := range want.Characteristics {
			c, ok := findCharacteristic(svc, wc.UUID)
			if !ok {
				return &device.NotFoundError{
					Resource: "characteristic",
					UUIDs:    []string{device.FormatUUID16(want.UUID), device.FormatUUID16(wc.UUID)},
				}
			}
			if wc.Kind == Notify && !c.Properties.Has(device.PropNotify) && !c.Properties.Has(device.PropIndicate) {
				t.logger.WithFields(logrus.Fields{
					"char_uuid":  device.FormatUUID16(wc.UUID),
					"properties": c.Properties.String(),
				}).Warn("Characteristic does not advertise notify")
			}
			bound = append(bound, &Binding{Service: want.UUID, Handle: c.Handle, Char: wc})
		}
	}

	for _, b := range bound {
		t.entries.Set(b.Handle, b)
		charUUID := device.FormatUUID16(b.Char.UUID)
		t.logger.WithFields(logrus.Fields{
			"service_uuid": device.FormatUUID16(b.Service),
			"char_uuid":    charUUID,
			"char_name":    bledb.LookupCharacteristic(charUUID),
			"handle":       b.Handle,
			"kind":         b.Char.Kind.String(),
		}).Debug("Bound characteristic")
		if b.Char.Kind == Write && b.Char.OnHandle != nil {
			b.Char.OnHandle(b.Handle)
		}
	}
	t.desc.Store(d)
	return nil
}

func findCharacteristic(svc device.Service, uuid uint16) (device.Characteristic, bool) {
	for _, c := range svc.Characteristics {
		if u, ok := device.UUID16(c.UUID); ok && u == uuid {
			return c, true
		}
	}
	return device.Characteristic{}, false
}

// Descriptor returns the descriptor of the last successful Bind.
func (t *HandleTable) Descriptor() *Descriptor {
	return t.desc.Load()
}

// Len returns the number of bound handles.
func (t *HandleTable) Len() int {
	return t.entries.Len()
}

// Bindings returns every binding ordered by handle.
func (t *HandleTable) Bindings() []Binding {
	out := make([]Binding, 0, t.entries.Len())
	t.entries.Range(func(_ uint16, b *Binding) bool {
		out = append(out, *b)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// NotifyHandles returns the handles that must be subscribed, in order.
func (t *HandleTable) NotifyHandles() []uint16 {
	var out []uint16
	for _, b := range t.Bindings() {
		if b.Char.Kind == Notify {
			out = append(out, b.Handle)
		}
	}
	return out
}

// Dispatch routes one notification to its callback and reports whether a
// callback ran.
func (t *HandleTable) Dispatch(handle uint16, data []byte) bool {
	b, ok := t.entries.Get(handle)
	if !ok {
		t.logger.WithFields(logrus.Fields{
			"handle": handle,
			"length": len(data),
		}).Warn(device.ErrUnknownHandle.Error())
		return false
	}
	if b.Char.Kind != Notify {
		t.logger.WithFields(logrus.Fields{
			"handle":    handle,
			"char_uuid": device.FormatUUID16(b.Char.UUID),
		}).Warn("Notification on a non-notify characteristic")
		return false
	}
	b.Char.OnNotify(data)
	return true
}

// Reset drops every binding.
func (t *HandleTable) Reset() {
	var handles []uint16
	t.entries.Range(func(h uint16, _ *Binding) bool {
		handles = append(handles, h)
		return true
	})
	for _, h := range handles {
		t.entries.Del(h)
	}
	t.desc.Store(nil)
}
