// Package registry describes the supported peripherals and routes GATT
// notifications of the connected one to its callbacks.
package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/tinyecg/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DefaultConnectDelay is the pause between a match and the connect attempt.
const DefaultConnectDelay = time.Second

var (
	ErrDuplicate         = errors.New("peripheral already registered")
	ErrInvalidDescriptor = errors.New("invalid peripheral descriptor")
)

// Kind is the role a characteristic plays for its descriptor.
type Kind int

const (
	// Notify characteristics are subscribed; notifications go to OnNotify.
	Notify Kind = iota
	// Write characteristics are only located; the handle goes to OnHandle.
	Write
)

func (k Kind) String() string {
	switch k {
	case Notify:
		return "notify"
	case Write:
		return "write"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Characteristic declares one characteristic a descriptor wants.
type Characteristic struct {
	UUID     uint16
	Kind     Kind
	OnNotify func(data []byte)
	OnHandle func(handle uint16)
}

// Service declares one service and its characteristics.
type Service struct {
	UUID            uint16
	Characteristics []Characteristic
}

// Lifecycle is implemented by drivers that keep per-connection state.
// Stop must cancel every background activity before returning.
type Lifecycle interface {
	Start(w device.Writer) error
	Stop()
}

// Initializer is an optional one-time setup hook.
type Initializer interface {
	Init() error
}

// Descriptor is the static description of a supported peripheral. A
// descriptor matches an advertisement by Name, or by AdvertisedUUID when
// the advertisement carries exactly one 16-bit service.
type Descriptor struct {
	Name           string
	AdvertisedUUID uint16
	Services       []Service
	ConnectDelay   time.Duration
	Lifecycle      Lifecycle
}

// Key identifies the descriptor inside a Registry.
func (d *Descriptor) Key() string {
	if d.Name != "" {
		return d.Name
	}
	return "uuid:" + device.FormatUUID16(d.AdvertisedUUID)
}

// Delay returns the connect delay, defaulting to DefaultConnectDelay.
func (d *Descriptor) Delay() time.Duration {
	if d.ConnectDelay <= 0 {
		return DefaultConnectDelay
	}
	return d.ConnectDelay
}

func (d *Descriptor) validate() error {
	if d.Name == "" && d.AdvertisedUUID == 0 {
		return fmt.Errorf("%w: needs a name or an advertised service", ErrInvalidDescriptor)
	}
	if len(d.Services) == 0 {
		return fmt.Errorf("%w: %s declares no services", ErrInvalidDescriptor, d.Key())
	}
	for _, svc := range d.Services {
		for _, c := range svc.Characteristics {
			if c.Kind == Notify && c.OnNotify == nil {
				return fmt.Errorf("%w: %s notify characteristic %04x has no callback",
					ErrInvalidDescriptor, d.Key(), c.UUID)
			}
		}
	}
	return nil
}

// Registry holds descriptors in registration order.
type Registry struct {
	descs  *orderedmap.OrderedMap[string, *Descriptor]
	logger *logrus.Logger
}

// New creates an empty registry.
func New(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		descs:  orderedmap.New[string, *Descriptor](),
		logger: logger,
	}
}

// Add registers d after every previously added descriptor.
func (r *Registry) Add(d *Descriptor) error {
	if err := d.validate(); err != nil {
		return err
	}
	key := d.Key()
	if _, ok := r.descs.Get(key); ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, key)
	}
	r.descs.Set(key, d)
	r.logger.WithFields(logrus.Fields{
		"peripheral": key,
		"services":   len(d.Services),
	}).Debug("Registered peripheral")
	return nil
}

// Len returns the number of registered descriptors.
func (r *Registry) Len() int {
	return r.descs.Len()
}

// Descriptors returns the descriptors in registration order.
func (r *Registry) Descriptors() []*Descriptor {
	out := make([]*Descriptor, 0, r.descs.Len())
	for pair := r.descs.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Init runs the Init hook of every descriptor whose lifecycle has one.
func (r *Registry) Init() error {
	for pair := r.descs.Oldest(); pair != nil; pair = pair.Next() {
		hook, ok := pair.Value.Lifecycle.(Initializer)
		if !ok {
			continue
		}
		if err := hook.Init(); err != nil {
			return fmt.Errorf("failed to initialise %s: %w", pair.Key, err)
		}
	}
	return nil
}

// Match returns the first descriptor, in registration order, that adv
// identifies.
func (r *Registry) Match(adv device.Advertisement) (*Descriptor, bool) {
	name := adv.LocalName()
	advUUID, hasUUID := singleService16(adv.Services())

	for pair := r.descs.Oldest(); pair != nil; pair = pair.Next() {
		d := pair.Value
		if d.Name != "" && d.Name == name {
			return d, true
		}
		if hasUUID && d.AdvertisedUUID != 0 && d.AdvertisedUUID == advUUID {
			return d, true
		}
	}
	return nil, false
}

func singleService16(services []string) (uint16, bool) {
	if len(services) != 1 {
		return 0, false
	}
	return device.UUID16(services[0])
}
