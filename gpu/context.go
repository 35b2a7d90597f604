package gpu

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// PowerPreference selects which adapter class ranks first.
type PowerPreference int

const (
	PowerHighPerformance PowerPreference = iota
	PowerLowPower
)

func (p PowerPreference) String() string {
	if p == PowerLowPower {
		return "low-power"
	}
	return "high-performance"
}

// ContextOptions configures Open.
type ContextOptions struct {
	PowerPreference PowerPreference
}

// Context owns the device and its queue. Open one per process and pass it to
// everything that needs the GPU.
type Context struct {
	backend  Backend
	device   Device
	adapters []AdapterInfo
	selected int

	mu       sync.Mutex
	managers map[io.Closer]struct{}
	closed   bool

	closeOnce sync.Once
}

// Open creates a WebGPU backend and opens the best adapter on it.
func Open(opts ContextOptions) (*Context, error) {
	b, err := NewWGPUBackend(opts.PowerPreference)
	if err != nil {
		return nil, err
	}
	c, err := OpenWith(b, opts)
	if err != nil {
		b.Release()
		return nil, err
	}
	return c, nil
}

// OpenWith opens the best adapter of an explicit backend. The Context takes
// ownership of b.
func OpenWith(b Backend, opts ContextOptions) (*Context, error) {
	adapters, err := b.Adapters()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSuitableDevice, err)
	}
	for _, a := range adapters {
		logger.WithFields(logrus.Fields{
			"name":    a.Name,
			"vendor":  a.Vendor,
			"type":    a.Kind,
			"backend": a.Backend,
		}).Debug("found adapter")
	}

	idx := SelectAdapter(adapters, opts.PowerPreference)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %d adapters on %s, none usable", ErrNoSuitableDevice, len(adapters), b.Name())
	}

	dev, err := b.Open(idx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSuitableDevice, err)
	}

	info := adapters[idx]
	logger.WithFields(logrus.Fields{
		"name":   info.Name,
		"vendor": info.Vendor,
		"type":   info.Kind,
	}).Info("using GPU adapter")

	return &Context{
		backend:  b,
		device:   dev,
		adapters: adapters,
		selected: idx,
	}, nil
}

// SelectAdapter returns the index of the first adapter of the best rank, or
// -1. CPU adapters are never chosen.
func SelectAdapter(adapters []AdapterInfo, pref PowerPreference) int {
	best, bestRank := -1, 0
	for i, a := range adapters {
		r := adapterRank(a.Kind, pref)
		if r > bestRank {
			best, bestRank = i, r
		}
	}
	return best
}

func adapterRank(k AdapterKind, pref PowerPreference) int {
	switch k {
	case AdapterDiscrete:
		if pref == PowerLowPower {
			return 3
		}
		return 4
	case AdapterIntegrated:
		if pref == PowerLowPower {
			return 4
		}
		return 3
	case AdapterVirtual:
		return 2
	case AdapterUnknown:
		return 1
	default:
		return 0
	}
}

// Device returns the opened device.
func (c *Context) Device() Device { return c.device }

// Adapter describes the selected adapter.
func (c *Context) Adapter() AdapterInfo { return c.adapters[c.selected] }

// Adapters lists every adapter the backend reported.
func (c *Context) Adapters() []AdapterInfo { return append([]AdapterInfo(nil), c.adapters...) }

// Limits returns the device limits.
func (c *Context) Limits() Limits { return c.device.Limits() }

// Backend names the backend the device came from.
func (c *Context) Backend() string { return c.backend.Name() }

// track registers a manager so Close can release it before the device.
func (c *Context) track(m io.Closer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.managers == nil {
		c.managers = make(map[io.Closer]struct{})
	}
	c.managers[m] = struct{}{}
	return nil
}

func (c *Context) untrack(m io.Closer) {
	c.mu.Lock()
	delete(c.managers, m)
	c.mu.Unlock()
}

// Managers reports how many managers are open on the Context.
func (c *Context) Managers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.managers)
}

// Close closes every manager still open on the Context, then releases the
// device and the backend. A dispatch pending on one of those managers fails
// its Wait with ErrClosed.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		open := make([]io.Closer, 0, len(c.managers))
		for m := range c.managers {
			open = append(open, m)
		}
		c.mu.Unlock()

		if len(open) > 0 {
			logger.WithField("managers", len(open)).Debug("closing managers left open on context")
		}
		for _, m := range open {
			m.Close()
		}
		c.device.Release()
		c.backend.Release()
	})
	return nil
}
