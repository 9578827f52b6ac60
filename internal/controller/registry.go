package controller

import (
	"time"

	"github.com/jkaflik/enocean2mqtt/internal/enocean"
	"github.com/jkaflik/enocean2mqtt/internal/shutter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultFullOpenTime  = 23 * time.Second
	DefaultFullCloseTime = 25 * time.Second

	defaultOffsetModulo = 128
)

// ShutterSpec describes a configured FSB61 actuator.
type ShutterSpec struct {
	Name          string
	ID            string
	FullOpenTime  time.Duration
	FullCloseTime time.Duration
	// SenderOffset overrides the offset derived from the device address.
	SenderOffset    *uint32
	InvertDirection bool
}

// ButtonSpec describes a wall rocker switch. Shutters lists shutter names or addresses.
type ButtonSpec struct {
	Name     string
	ID       string
	Shutters []string
}

// Device is a registered shutter actuator.
type Device struct {
	Key     string
	Name    string
	Address enocean.Address
	Offset  uint32
	Invert  bool
	Tracker shutter.Config
}

// Registry resolves radio addresses and MQTT keys to devices. It is built
// once at startup and read-only afterwards.
type Registry struct {
	shutters map[string]*Device
	order    []string
	buttons  map[string][]string
}

func NewRegistry(shutters []ShutterSpec, buttons []ButtonSpec) (*Registry, error) {
	r := &Registry{
		shutters: map[string]*Device{},
		buttons:  map[string][]string{},
	}

	byName := map[string]string{}
	offsets := map[uint32]*Device{}

	for _, spec := range shutters {
		addr, err := enocean.ParseAddress(spec.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: shutter", spec.Name)
		}

		key := addr.SafeKey()
		if other, ok := r.shutters[key]; ok {
			return nil, errors.Errorf("%s: address %s already used by %s", spec.Name, addr, other.Name)
		}

		offset := uint32(addr[3]) % defaultOffsetModulo
		if spec.SenderOffset != nil {
			offset = *spec.SenderOffset
		}
		if other, ok := offsets[offset]; ok {
			return nil, errors.Errorf(
				"sender offset collision: %s (%s) and %s (%s) both use offset %d, set sender_offset on one of them",
				spec.Name, addr, other.Name, other.Address, offset,
			)
		}

		name := spec.Name
		if name == "" {
			name = key
		}

		d := &Device{
			Key:     key,
			Name:    name,
			Address: addr,
			Offset:  offset,
			Invert:  spec.InvertDirection,
			Tracker: shutter.Config{
				ID:            key,
				FullOpenTime:  orDefault(spec.FullOpenTime, DefaultFullOpenTime),
				FullCloseTime: orDefault(spec.FullCloseTime, DefaultFullCloseTime),
			},
		}

		r.shutters[key] = d
		r.order = append(r.order, key)
		offsets[offset] = d
		byName[name] = key

		source := ""
		if spec.SenderOffset != nil {
			source = " (from config)"
		}
		logrus.Infof("%s: %s using sender offset %d%s", name, addr, offset, source)
	}

	for _, spec := range buttons {
		addr, err := enocean.ParseAddress(spec.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: button", spec.Name)
		}

		key := addr.SafeKey()
		if _, ok := r.buttons[key]; ok {
			return nil, errors.Errorf("%s: button address %s defined twice", spec.Name, addr)
		}
		if _, ok := r.shutters[key]; ok {
			return nil, errors.Errorf("%s: button address %s is a shutter address", spec.Name, addr)
		}

		var targets []string
		for _, ref := range spec.Shutters {
			target, ok := byName[ref]
			if !ok {
				if a, err := enocean.ParseAddress(ref); err == nil {
					_, ok = r.shutters[a.SafeKey()]
					target = a.SafeKey()
				}
			}
			if !ok {
				return nil, errors.Errorf("%s: button refers to unknown shutter %q", spec.Name, ref)
			}
			targets = append(targets, target)
		}

		r.buttons[key] = targets
		logrus.Infof("%s: button %s controls %v", spec.Name, addr, targets)
	}

	return r, nil
}

func (r *Registry) Shutter(key string) (*Device, bool) {
	d, ok := r.shutters[key]
	return d, ok
}

func (r *Registry) ShutterByAddress(addr enocean.Address) (*Device, bool) {
	return r.Shutter(addr.SafeKey())
}

// ButtonTargets returns the shutter keys a wall button controls.
func (r *Registry) ButtonTargets(addr enocean.Address) ([]string, bool) {
	targets, ok := r.buttons[addr.SafeKey()]
	return targets, ok
}

// Shutters returns all devices in configuration order.
func (r *Registry) Shutters() []*Device {
	out := make([]*Device, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.shutters[key])
	}
	return out
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
