package gpu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
)

// SimKernel executes one whole dispatch against the raw bytes bound to each
// slot. Writes to a slot's bytes are visible to later copies.
type SimKernel func(workgroups [3]uint32, slots map[uint32][]byte) error

// SimElementwise returns a SimKernel that behaves like the elementwise WGSL
// kernels: one invocation per x workgroup, slot 0 = op(slot 1, slot 2),
// invocations past the end of any array do nothing.
func SimElementwise[T Element](op func(a, b T) T) SimKernel {
	return func(groups [3]uint32, slots map[uint32][]byte) error {
		out, ok0 := slots[0]
		lhs, ok1 := slots[1]
		rhs, ok2 := slots[2]
		if !ok0 || !ok1 || !ok2 {
			return errors.New("sim: elementwise kernel needs bindings 0, 1 and 2")
		}
		size := ElementSize[T]()
		o := make([]T, len(out)/size)
		copy(o, wgpu.FromBytes[T](out))
		x := wgpu.FromBytes[T](lhs)
		y := wgpu.FromBytes[T](rhs)
		for i := 0; i < int(groups[0]); i++ {
			if i >= len(o) || i >= len(x) || i >= len(y) {
				break
			}
			o[i] = op(x[i], y[i])
		}
		copy(out, wgpu.ToBytes(o))
		return nil
	}
}

// SimOptions configures a simulated backend.
type SimOptions struct {
	// Adapters defaults to a single discrete adapter.
	Adapters []AdapterInfo
	// Limits defaults to the WebGPU baseline limits.
	Limits Limits
	// Kernel runs for every dispatch. A nil kernel leaves memory untouched.
	Kernel SimKernel
	// ShaderError, when set, fails every CreateShaderModule with this message.
	ShaderError string
	// PollsToMap is the number of non-blocking polls a map request needs.
	PollsToMap int
}

// SimBackend is a CPU-backed Backend that follows WebGPU's validation and
// asynchronous mapping rules closely enough to exercise the pipeline manager
// without a GPU.
type SimBackend struct {
	opts SimOptions
	last *SimDevice
}

// NewSimBackend returns a simulated backend.
func NewSimBackend(opts SimOptions) *SimBackend {
	if opts.Adapters == nil {
		opts.Adapters = []AdapterInfo{{
			Name:    "Simulated GPU",
			Vendor:  "gpuvec",
			Driver:  "sim",
			Backend: "sim",
			Kind:    AdapterDiscrete,
		}}
	}
	if opts.Limits == (Limits{}) {
		opts.Limits = Limits{
			MaxComputeWorkgroupsPerDimension:  65535,
			MaxComputeWorkgroupSizeX:          256,
			MaxComputeInvocationsPerWorkgroup: 256,
			MaxStorageBufferBindingSize:       128 << 20,
			MaxBufferSize:                     256 << 20,
		}
	}
	return &SimBackend{opts: opts}
}

func (b *SimBackend) Name() string { return "sim" }

func (b *SimBackend) Adapters() ([]AdapterInfo, error) {
	return append([]AdapterInfo(nil), b.opts.Adapters...), nil
}

func (b *SimBackend) Open(index int) (Device, error) {
	if index < 0 || index >= len(b.opts.Adapters) {
		return nil, fmt.Errorf("sim: adapter index %d out of range", index)
	}
	b.last = &SimDevice{
		info:   b.opts.Adapters[index],
		limits: b.opts.Limits,
		opts:   b.opts,
		live:   map[int]*SimBuffer{},
	}
	return b.last, nil
}

func (b *SimBackend) Release() {}

// Device returns the most recently opened device.
func (b *SimBackend) Device() *SimDevice { return b.last }

// SimDevice is the simulated Device. Command buffers execute at Submit;
// map callbacks fire from Poll.
type SimDevice struct {
	mu     sync.Mutex
	info   AdapterInfo
	limits Limits
	opts   SimOptions

	lost         bool
	loseOnSubmit bool
	failNextMap  bool
	internalErr  error
	released     bool

	nextID   int
	created  int
	submits  int
	encoders int
	live    map[int]*SimBuffer
	pending []*simMap
}

type simMap struct {
	buf       *SimBuffer
	callback  func(MapStatus)
	remaining int
}

// LoseDevice marks the device lost immediately.
func (d *SimDevice) LoseDevice() {
	d.mu.Lock()
	d.lost = true
	d.mu.Unlock()
}

// LoseOnNextSubmit makes the next Submit lose the device instead of running.
func (d *SimDevice) LoseOnNextSubmit() {
	d.mu.Lock()
	d.loseOnSubmit = true
	d.mu.Unlock()
}

// FailNextMap makes the next map request resolve with MapError.
func (d *SimDevice) FailNextMap() {
	d.mu.Lock()
	d.failNextMap = true
	d.mu.Unlock()
}

// LiveBuffers is the number of buffers not yet destroyed.
func (d *SimDevice) LiveBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// LiveEncoders is the number of command encoders not yet released.
func (d *SimDevice) LiveEncoders() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.encoders
}

// BuffersCreated is the total number of buffers ever allocated.
func (d *SimDevice) BuffersCreated() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created
}

// Submits is the number of command buffers handed to the queue.
func (d *SimDevice) Submits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submits
}

// Released reports whether Release was called.
func (d *SimDevice) Released() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

func (d *SimDevice) Info() AdapterInfo { return d.info }
func (d *SimDevice) Limits() Limits    { return d.limits }

func (d *SimDevice) checkAlive() error {
	if d.released {
		return ErrClosed
	}
	if d.lost {
		return ErrDeviceLost
	}
	return nil
}

func (d *SimDevice) newBuffer(label string, size uint64, usage BufferUsage) (*SimBuffer, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("sim: buffer %s has zero size", label)
	}
	if d.limits.MaxBufferSize != 0 && size > d.limits.MaxBufferSize {
		return nil, fmt.Errorf("sim: buffer %s size %d exceeds max %d", label, size, d.limits.MaxBufferSize)
	}
	if usage&UsageMapRead != 0 && usage&^(UsageMapRead|UsageCopyDst) != 0 {
		return nil, fmt.Errorf("sim: buffer %s: map-read may only combine with copy-dst, got %s", label, usage)
	}
	d.nextID++
	d.created++
	b := &SimBuffer{dev: d, id: d.nextID, label: label, usage: usage, data: make([]byte, size)}
	d.live[b.id] = b
	return b, nil
}

func (d *SimDevice) CreateBuffer(desc BufferDescriptor) (Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.newBuffer(desc.Label, desc.Size, desc.Usage)
}

func (d *SimDevice) CreateBufferInit(label string, contents []byte, usage BufferUsage) (Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.newBuffer(label, uint64(len(contents)), usage)
	if err != nil {
		return nil, err
	}
	copy(b.data, contents)
	return b, nil
}

type simShader struct{ code string }

func (*simShader) Release() {}

func (d *SimDevice) CreateShaderModule(label, code string) (ShaderModule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	if d.opts.ShaderError != "" {
		return nil, errors.New(d.opts.ShaderError)
	}
	return &simShader{code: code}, nil
}

type simLayout struct{ entries map[uint32]Access }

func (*simLayout) Release() {}

func (d *SimDevice) CreateBindGroupLayout(label string, entries []LayoutEntry) (BindGroupLayout, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	l := &simLayout{entries: map[uint32]Access{}}
	for _, e := range entries {
		if _, dup := l.entries[e.Binding]; dup {
			return nil, fmt.Errorf("sim: layout %s: duplicate binding %d", label, e.Binding)
		}
		l.entries[e.Binding] = e.Access
	}
	return l, nil
}

type simPipeline struct {
	layout     *simLayout
	entryPoint string
}

func (*simPipeline) Release() {}

func (d *SimDevice) CreateComputePipeline(label string, layout BindGroupLayout, module ShaderModule, entryPoint string) (ComputePipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	l, ok := layout.(*simLayout)
	if !ok {
		return nil, fmt.Errorf("sim: foreign bind group layout %T", layout)
	}
	if _, ok := module.(*simShader); !ok {
		return nil, fmt.Errorf("sim: foreign shader module %T", module)
	}
	if entryPoint == "" {
		return nil, fmt.Errorf("sim: pipeline %s has no entry point", label)
	}
	return &simPipeline{layout: l, entryPoint: entryPoint}, nil
}

type simBindGroup struct {
	layout  *simLayout
	buffers map[uint32]*SimBuffer
}

func (*simBindGroup) Release() {}

func (d *SimDevice) CreateBindGroup(label string, layout BindGroupLayout, entries []BindGroupEntry) (BindGroup, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	l, ok := layout.(*simLayout)
	if !ok {
		return nil, fmt.Errorf("sim: foreign bind group layout %T", layout)
	}
	if len(entries) != len(l.entries) {
		return nil, fmt.Errorf("sim: bind group %s has %d entries, layout wants %d", label, len(entries), len(l.entries))
	}
	g := &simBindGroup{layout: l, buffers: map[uint32]*SimBuffer{}}
	for _, e := range entries {
		if _, ok := l.entries[e.Binding]; !ok {
			return nil, fmt.Errorf("sim: bind group %s: binding %d not in layout", label, e.Binding)
		}
		sb, ok := e.Buffer.(*SimBuffer)
		if !ok {
			return nil, fmt.Errorf("sim: foreign buffer %T at binding %d", e.Buffer, e.Binding)
		}
		if sb.usage&UsageStorage == 0 {
			return nil, fmt.Errorf("sim: bind group %s: buffer %s lacks storage usage", label, sb.label)
		}
		g.buffers[e.Binding] = sb
	}
	return g, nil
}

func (d *SimDevice) CreateCommandEncoder(label string) (CommandEncoder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	d.encoders++
	return &simEncoder{dev: d, label: label}, nil
}

func (d *SimDevice) Submit(cmds ...CommandBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range cmds {
		cb, ok := c.(*simCommandBuffer)
		if !ok || cb.submitted {
			continue
		}
		cb.submitted = true
		d.submits++
		if d.loseOnSubmit {
			d.loseOnSubmit = false
			d.lost = true
		}
		if d.lost || d.released {
			continue
		}
		for _, op := range cb.ops {
			if err := op(); err != nil && d.internalErr == nil {
				d.internalErr = err
			}
		}
	}
}

func (d *SimDevice) Poll(wait bool) {
	d.mu.Lock()
	var ready []func()
	keep := d.pending[:0]
	for _, m := range d.pending {
		m.remaining--
		if !wait && m.remaining > 0 {
			keep = append(keep, m)
			continue
		}
		status := d.resolveLocked(m.buf)
		cb := m.callback
		ready = append(ready, func() { cb(status) })
	}
	d.pending = keep
	d.mu.Unlock()

	for _, fn := range ready {
		fn()
	}
}

func (d *SimDevice) resolveLocked(b *SimBuffer) MapStatus {
	b.mapPending = false
	switch {
	case d.lost:
		return MapDeviceLost
	case d.failNextMap:
		d.failNextMap = false
		return MapError
	case d.internalErr != nil:
		d.internalErr = nil
		return MapError
	case b.destroyed:
		return MapError
	}
	b.mapped = true
	return MapSuccess
}

func (d *SimDevice) Release() {
	d.mu.Lock()
	d.released = true
	d.mu.Unlock()
}

// SimBuffer is a simulated device buffer.
type SimBuffer struct {
	dev        *SimDevice
	id         int
	label      string
	usage      BufferUsage
	data       []byte
	mapped     bool
	mapPending bool
	destroyed  bool
}

// ID is unique per allocation on the owning device.
func (b *SimBuffer) ID() int { return b.id }

// Destroyed reports whether Destroy was called.
func (b *SimBuffer) Destroyed() bool {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	return b.destroyed
}

func (b *SimBuffer) Label() string      { return b.label }
func (b *SimBuffer) Size() uint64       { return uint64(len(b.data)) }
func (b *SimBuffer) Usage() BufferUsage { return b.usage }

func (b *SimBuffer) MapReadAsync(callback func(MapStatus)) error {
	d := b.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case b.usage&UsageMapRead == 0:
		return fmt.Errorf("sim: buffer %s lacks map-read usage", b.label)
	case b.destroyed:
		return fmt.Errorf("sim: buffer %s destroyed", b.label)
	case b.mapped || b.mapPending:
		return fmt.Errorf("sim: buffer %s mapping already pending", b.label)
	}
	b.mapPending = true
	d.pending = append(d.pending, &simMap{buf: b, callback: callback, remaining: d.opts.PollsToMap})
	return nil
}

func (b *SimBuffer) MappedRange() []byte {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	if !b.mapped {
		return nil
	}
	return b.data
}

func (b *SimBuffer) Unmap() {
	b.dev.mu.Lock()
	b.mapped = false
	b.dev.mu.Unlock()
}

func (b *SimBuffer) Destroy() {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	if b.destroyed {
		return
	}
	b.destroyed = true
	b.mapped = false
	delete(b.dev.live, b.id)
}

type simEncoder struct {
	dev      *SimDevice
	label    string
	ops      []func() error
	err      error
	openPass bool
	finished bool
	released bool
}

func (e *simEncoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *simEncoder) CopyBufferToBuffer(src, dst Buffer, size uint64) {
	s, sok := src.(*SimBuffer)
	d, dok := dst.(*SimBuffer)
	switch {
	case !sok || !dok:
		e.fail(fmt.Errorf("sim: copy between foreign buffers %T -> %T", src, dst))
		return
	case e.openPass:
		e.fail(errors.New("sim: copy recorded while a compute pass is open"))
		return
	case s.usage&UsageCopySrc == 0:
		e.fail(fmt.Errorf("sim: copy source %s lacks copy-src usage", s.label))
		return
	case d.usage&UsageCopyDst == 0:
		e.fail(fmt.Errorf("sim: copy destination %s lacks copy-dst usage", d.label))
		return
	case size%4 != 0:
		e.fail(fmt.Errorf("sim: copy size %d not a multiple of 4", size))
		return
	case size > s.Size() || size > d.Size():
		e.fail(fmt.Errorf("sim: copy of %d bytes overruns %s (%d) or %s (%d)", size, s.label, s.Size(), d.label, d.Size()))
		return
	}
	e.ops = append(e.ops, func() error {
		if s.destroyed || d.destroyed {
			return fmt.Errorf("sim: copy %s -> %s uses a destroyed buffer", s.label, d.label)
		}
		copy(d.data[:size], s.data[:size])
		return nil
	})
}

func (e *simEncoder) BeginComputePass(label string) ComputePass {
	if e.openPass {
		e.fail(errors.New("sim: nested compute pass"))
	}
	e.openPass = true
	return &simPass{enc: e}
}

func (e *simEncoder) Finish() (CommandBuffer, error) {
	if e.finished {
		return nil, errors.New("sim: encoder already finished")
	}
	e.finished = true
	if e.openPass {
		e.fail(errors.New("sim: compute pass not ended"))
	}
	if e.err != nil {
		return nil, fmt.Errorf("failed to finish command: %w", e.err)
	}
	return &simCommandBuffer{ops: e.ops}, nil
}

func (e *simEncoder) Release() {
	e.dev.mu.Lock()
	defer e.dev.mu.Unlock()
	if e.released {
		return
	}
	e.released = true
	e.dev.encoders--
}

type simCommandBuffer struct {
	ops       []func() error
	submitted bool
}

func (*simCommandBuffer) Release() {}

type simPass struct {
	enc      *simEncoder
	pipeline *simPipeline
	group    *simBindGroup
}

func (p *simPass) SetPipeline(pl ComputePipeline) {
	sp, ok := pl.(*simPipeline)
	if !ok {
		p.enc.fail(fmt.Errorf("sim: foreign pipeline %T", pl))
		return
	}
	p.pipeline = sp
}

func (p *simPass) SetBindGroup(index uint32, group BindGroup) {
	g, ok := group.(*simBindGroup)
	if !ok || index != 0 {
		p.enc.fail(fmt.Errorf("sim: unsupported bind group %T at index %d", group, index))
		return
	}
	p.group = g
}

func (p *simPass) DispatchWorkgroups(x, y, z uint32) {
	e := p.enc
	switch {
	case p.pipeline == nil:
		e.fail(errors.New("sim: dispatch without pipeline"))
		return
	case p.group == nil:
		e.fail(errors.New("sim: dispatch without bind group"))
		return
	case p.group.layout != p.pipeline.layout:
		e.fail(errors.New("sim: bind group layout does not match pipeline layout"))
		return
	case x > e.dev.limits.MaxComputeWorkgroupsPerDimension || y > e.dev.limits.MaxComputeWorkgroupsPerDimension || z > e.dev.limits.MaxComputeWorkgroupsPerDimension:
		e.fail(fmt.Errorf("sim: dispatch (%d, %d, %d) exceeds workgroup limit", x, y, z))
		return
	}
	group := p.group
	kernel := e.dev.opts.Kernel
	e.ops = append(e.ops, func() error {
		if kernel == nil {
			return nil
		}
		slots := make(map[uint32][]byte, len(group.buffers))
		for binding, b := range group.buffers {
			if b.destroyed {
				return fmt.Errorf("sim: dispatch uses destroyed buffer %s", b.label)
			}
			slots[binding] = b.data
		}
		return kernel([3]uint32{x, y, z}, slots)
	})
}

func (p *simPass) End() {
	p.enc.openPass = false
}
