package gpu

import (
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultReadbackTimeout bounds the host wait for a mapped download buffer.
	DefaultReadbackTimeout = 2 * time.Second
	// DefaultPollInterval is the sleep between non-blocking device polls.
	DefaultPollInterval = time.Millisecond
)

// ManagerOptions configures NewPipelineManager.
type ManagerOptions struct {
	// Length is the fixed number of elements per vector. Must be positive.
	Length int
	// Kernel is the elementwise compute kernel.
	Kernel KernelSource
	// ReadbackTimeout defaults to DefaultReadbackTimeout.
	ReadbackTimeout time.Duration
	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
	// Label prefixes every device object label. Defaults to "vec".
	Label string
}

// PipelineManager owns every GPU object needed to run one elementwise kernel
// over vectors of a fixed length: the kernel, the persistent buffers, the
// binding descriptor and the pipeline. They are built once and destroyed
// together by Close.
//
// Dispatches must not overlap: Submit fails with ErrDispatchInFlight until
// the previous Readback has been waited on.
type PipelineManager[T Element] struct {
	ctx   *Context
	dev   Device
	opts  ManagerOptions
	label string

	kernel   *Kernel
	buffers  *BufferSet
	binding  *Binding
	pipeline *Pipeline

	mu         sync.Mutex
	pending    Buffer // download buffer of the dispatch awaiting Wait
	lost       bool
	closed     bool
	dispatches uint64
}

// NewPipelineManager compiles the kernel and builds buffers, binding and
// pipeline on c. On failure everything created so far is released and no
// manager is returned.
func NewPipelineManager[T Element](c *Context, opts ManagerOptions) (*PipelineManager[T], error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil context", ErrNoSuitableDevice)
	}
	if opts.Length <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, opts.Length)
	}
	if opts.ReadbackTimeout <= 0 {
		opts.ReadbackTimeout = DefaultReadbackTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Label == "" {
		opts.Label = "vec"
	}
	if err := CheckLimits(c.Limits(), opts.Length, ElementSize[T]()); err != nil {
		return nil, err
	}

	m := &PipelineManager[T]{
		ctx:   c,
		dev:   c.Device(),
		opts:  opts,
		label: opts.Label,
	}
	if err := c.track(m); err != nil {
		return nil, err
	}
	if err := m.build(); err != nil {
		m.release()
		c.untrack(m)
		return nil, err
	}

	logger.WithField("kernel", m.kernel.Label()).
		WithField("elements", opts.Length).
		WithField("element", ElementType[T]()).
		Debug("pipeline manager ready")
	return m, nil
}

// CheckLimits rejects lengths the device cannot dispatch or bind. Zero limits
// are treated as unknown.
func CheckLimits(l Limits, length, elementSize int) error {
	if length <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}
	if l.MaxComputeWorkgroupsPerDimension != 0 && uint64(length) > uint64(l.MaxComputeWorkgroupsPerDimension) {
		return fmt.Errorf("%w: %d exceeds max workgroups per dimension %d", ErrInvalidLength, length, l.MaxComputeWorkgroupsPerDimension)
	}
	size := uint64(length) * uint64(elementSize)
	if l.MaxStorageBufferBindingSize != 0 && size > l.MaxStorageBufferBindingSize {
		return fmt.Errorf("%w: %d bytes exceeds max storage binding %d", ErrInvalidLength, size, l.MaxStorageBufferBindingSize)
	}
	if l.MaxBufferSize != 0 && size > l.MaxBufferSize {
		return fmt.Errorf("%w: %d bytes exceeds max buffer size %d", ErrInvalidLength, size, l.MaxBufferSize)
	}
	return nil
}

func (m *PipelineManager[T]) build() error {
	var err error
	m.kernel, err = CompileKernel(m.dev, m.opts.Kernel)
	if err != nil {
		return err
	}
	want := ElementType[T]()
	for _, b := range m.kernel.Bindings() {
		if b.ElementType != want {
			return fmt.Errorf("%w: binding %d (%s) holds %s, manager element is %s", ErrLayoutMismatch, b.Binding, b.Name, b.ElementType, want)
		}
	}

	m.buffers, err = AllocateBuffers(m.dev, m.opts.Length, ElementSize[T](), m.label)
	if err != nil {
		return err
	}
	m.binding, err = BuildBinding(m.dev, m.kernel, m.buffers, m.label)
	if err != nil {
		return err
	}
	m.pipeline, err = BuildPipeline(m.dev, m.kernel, m.binding, m.label)
	if err != nil {
		return err
	}
	return nil
}

func (m *PipelineManager[T]) release() {
	if m.pipeline != nil {
		m.pipeline.Release()
		m.pipeline = nil
	}
	if m.binding != nil {
		m.binding.Release()
		m.binding = nil
	}
	if m.buffers != nil {
		m.buffers.Release()
		m.buffers = nil
	}
	if m.kernel != nil {
		m.kernel.Release()
		m.kernel = nil
	}
}

// Length is the fixed vector length.
func (m *PipelineManager[T]) Length() int { return m.opts.Length }

// Buffers returns the persistent buffers. They stay the same for the
// manager's lifetime.
func (m *PipelineManager[T]) Buffers() *BufferSet { return m.buffers }

// Pipeline returns the compute pipeline.
func (m *PipelineManager[T]) Pipeline() *Pipeline { return m.pipeline }

// Dispatches counts submitted batches.
func (m *PipelineManager[T]) Dispatches() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dispatches
}

// Lost reports whether a dispatch observed device loss. A lost manager and
// its Context must be rebuilt.
func (m *PipelineManager[T]) Lost() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lost
}

func (m *PipelineManager[T]) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close destroys the pipeline, binding, buffers and kernel, and the download
// buffer of a pending dispatch. Its Wait then fails with ErrClosed. The
// Context is left open.
func (m *PipelineManager[T]) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.pending != nil {
		m.pending.Destroy()
		m.pending = nil
	}
	m.release()
	m.mu.Unlock()

	m.ctx.untrack(m)
	return nil
}
