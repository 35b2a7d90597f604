package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"
)

// wgpuBackend opens devices through the native WebGPU implementation.
type wgpuBackend struct {
	instance   *wgpu.Instance
	preference PowerPreference
	adapters   []*wgpu.Adapter
	opened     int
}

// NewWGPUBackend creates a WebGPU instance. Adapters are enumerated lazily.
func NewWGPUBackend(pref PowerPreference) (Backend, error) {
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, fmt.Errorf("%w: failed to create WebGPU instance", ErrNoSuitableDevice)
	}
	return &wgpuBackend{instance: inst, preference: pref, opened: -1}, nil
}

func (b *wgpuBackend) Name() string { return "wgpu" }

func (b *wgpuBackend) Adapters() ([]AdapterInfo, error) {
	if b.adapters == nil {
		b.adapters = b.instance.EnumerateAdapters(nil)
	}
	if len(b.adapters) == 0 {
		// Some platforms do not enumerate; let WebGPU pick by preference.
		opts := &wgpu.RequestAdapterOptions{PowerPreference: wgpu.PowerPreferenceHighPerformance}
		if b.preference == PowerLowPower {
			opts.PowerPreference = wgpu.PowerPreferenceLowPower
		}
		a, err := b.instance.RequestAdapter(opts)
		if err != nil {
			return nil, fmt.Errorf("request adapter: %w", err)
		}
		if a == nil {
			return nil, nil
		}
		b.adapters = []*wgpu.Adapter{a}
	}

	infos := make([]AdapterInfo, 0, len(b.adapters))
	for _, a := range b.adapters {
		infos = append(infos, wgpuAdapterInfo(a))
	}
	return infos, nil
}

func (b *wgpuBackend) Open(index int) (Device, error) {
	if index < 0 || index >= len(b.adapters) {
		return nil, fmt.Errorf("wgpu: adapter index %d out of range", index)
	}
	a := b.adapters[index]
	dev, err := a.RequestDevice(nil)
	if err != nil {
		return nil, fmt.Errorf("request device: %w", err)
	}
	if dev == nil {
		return nil, fmt.Errorf("request device: nil device")
	}
	q := dev.GetQueue()
	if q == nil {
		dev.Release()
		return nil, fmt.Errorf("WebGPU queue not initialized")
	}
	b.opened = index

	l := a.GetLimits().Limits
	return &wgpuDevice{
		device: dev,
		queue:  q,
		info:   wgpuAdapterInfo(a),
		limits: Limits{
			MaxComputeWorkgroupsPerDimension:  l.MaxComputeWorkgroupsPerDimension,
			MaxComputeWorkgroupSizeX:          l.MaxComputeWorkgroupSizeX,
			MaxComputeInvocationsPerWorkgroup: l.MaxComputeInvocationsPerWorkgroup,
			MaxStorageBufferBindingSize:       l.MaxStorageBufferBindingSize,
			MaxBufferSize:                     l.MaxBufferSize,
		},
	}, nil
}

func (b *wgpuBackend) Release() {
	for _, a := range b.adapters {
		a.Release()
	}
	b.adapters = nil
	if b.instance != nil {
		b.instance.Release()
		b.instance = nil
	}
}

func wgpuAdapterInfo(a *wgpu.Adapter) AdapterInfo {
	info := a.GetInfo()
	return AdapterInfo{
		Name:     info.Name,
		Vendor:   info.VendorName,
		Driver:   info.DriverDescription,
		Backend:  info.BackendType.String(),
		Kind:     ParseAdapterKind(info.AdapterType.String()),
		VendorID: uint32(info.VendorId),
		DeviceID: uint32(info.DeviceId),
	}
}

func wgpuUsage(u BufferUsage) wgpu.BufferUsage {
	var out wgpu.BufferUsage
	if u&UsageMapRead != 0 {
		out |= wgpu.BufferUsageMapRead
	}
	if u&UsageCopySrc != 0 {
		out |= wgpu.BufferUsageCopySrc
	}
	if u&UsageCopyDst != 0 {
		out |= wgpu.BufferUsageCopyDst
	}
	if u&UsageStorage != 0 {
		out |= wgpu.BufferUsageStorage
	}
	return out
}

type wgpuDevice struct {
	device *wgpu.Device
	queue  *wgpu.Queue
	info   AdapterInfo
	limits Limits
}

func (d *wgpuDevice) Info() AdapterInfo { return d.info }
func (d *wgpuDevice) Limits() Limits    { return d.limits }

func (d *wgpuDevice) CreateBuffer(desc BufferDescriptor) (Buffer, error) {
	buf, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: wgpuUsage(desc.Usage),
	})
	if err != nil {
		return nil, fmt.Errorf("create buffer %s: %w", desc.Label, err)
	}
	return &wgpuBuffer{buf: buf, label: desc.Label, usage: desc.Usage}, nil
}

func (d *wgpuDevice) CreateBufferInit(label string, contents []byte, usage BufferUsage) (Buffer, error) {
	buf, err := d.device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    label,
		Contents: contents,
		Usage:    wgpuUsage(usage),
	})
	if err != nil {
		return nil, fmt.Errorf("create buffer %s: %w", label, err)
	}
	return &wgpuBuffer{buf: buf, label: label, usage: usage}, nil
}

func (d *wgpuDevice) CreateShaderModule(label, code string) (ShaderModule, error) {
	module, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: code},
	})
	if err != nil {
		return nil, err
	}
	return module, nil
}

func (d *wgpuDevice) CreateBindGroupLayout(label string, entries []LayoutEntry) (BindGroupLayout, error) {
	wentries := make([]wgpu.BindGroupLayoutEntry, len(entries))
	for i, e := range entries {
		typ := wgpu.BufferBindingTypeReadOnlyStorage
		if e.Access == AccessReadWrite {
			typ = wgpu.BufferBindingTypeStorage
		}
		wentries[i] = wgpu.BindGroupLayoutEntry{
			Binding:    e.Binding,
			Visibility: wgpu.ShaderStageCompute,
			Buffer:     wgpu.BufferBindingLayout{Type: typ},
		}
	}
	bgl, err := d.device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   label,
		Entries: wentries,
	})
	if err != nil {
		return nil, fmt.Errorf("create bgl: %w", err)
	}
	return bgl, nil
}

type wgpuPipeline struct {
	pipeline *wgpu.ComputePipeline
	layout   *wgpu.PipelineLayout
}

func (p *wgpuPipeline) Release() {
	p.pipeline.Release()
	p.layout.Release()
}

func (d *wgpuDevice) CreateComputePipeline(label string, layout BindGroupLayout, module ShaderModule, entryPoint string) (ComputePipeline, error) {
	bgl, ok := layout.(*wgpu.BindGroupLayout)
	if !ok {
		return nil, fmt.Errorf("wgpu: foreign bind group layout %T", layout)
	}
	sm, ok := module.(*wgpu.ShaderModule)
	if !ok {
		return nil, fmt.Errorf("wgpu: foreign shader module %T", module)
	}

	pipelineLayout, err := d.device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            label + "_Layout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{bgl},
	})
	if err != nil {
		return nil, fmt.Errorf("create pipeline layout: %w", err)
	}

	pipeline, err := d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  label,
		Layout: pipelineLayout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     sm,
			EntryPoint: entryPoint,
		},
	})
	if err != nil {
		pipelineLayout.Release()
		return nil, fmt.Errorf("pipeline create: %w", err)
	}
	return &wgpuPipeline{pipeline: pipeline, layout: pipelineLayout}, nil
}

func (d *wgpuDevice) CreateBindGroup(label string, layout BindGroupLayout, entries []BindGroupEntry) (BindGroup, error) {
	bgl, ok := layout.(*wgpu.BindGroupLayout)
	if !ok {
		return nil, fmt.Errorf("wgpu: foreign bind group layout %T", layout)
	}
	wentries := make([]wgpu.BindGroupEntry, len(entries))
	for i, e := range entries {
		wb, ok := e.Buffer.(*wgpuBuffer)
		if !ok {
			return nil, fmt.Errorf("wgpu: foreign buffer %T at binding %d", e.Buffer, e.Binding)
		}
		wentries[i] = wgpu.BindGroupEntry{Binding: e.Binding, Buffer: wb.buf, Size: wb.buf.GetSize()}
	}
	bg, err := d.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   label,
		Layout:  bgl,
		Entries: wentries,
	})
	if err != nil {
		return nil, fmt.Errorf("create bind group: %w", err)
	}
	return bg, nil
}

func (d *wgpuDevice) CreateCommandEncoder(label string) (CommandEncoder, error) {
	enc, err := d.device.CreateCommandEncoder(&wgpu.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, fmt.Errorf("failed to create command encoder: %w", err)
	}
	return &wgpuEncoder{enc: enc}, nil
}

func (d *wgpuDevice) Submit(cmds ...CommandBuffer) {
	for _, c := range cmds {
		if wc, ok := c.(*wgpu.CommandBuffer); ok {
			d.queue.Submit(wc)
		}
	}
}

func (d *wgpuDevice) Poll(wait bool) {
	d.device.Poll(wait, nil)
}

func (d *wgpuDevice) Release() {
	d.device.Release()
}

type wgpuBuffer struct {
	buf       *wgpu.Buffer
	label     string
	usage     BufferUsage
	destroyed bool
}

func (b *wgpuBuffer) Label() string      { return b.label }
func (b *wgpuBuffer) Size() uint64       { return b.buf.GetSize() }
func (b *wgpuBuffer) Usage() BufferUsage { return b.usage }

func (b *wgpuBuffer) MapReadAsync(callback func(MapStatus)) error {
	return b.buf.MapAsync(wgpu.MapModeRead, 0, b.buf.GetSize(), func(status wgpu.BufferMapAsyncStatus) {
		switch status {
		case wgpu.BufferMapAsyncStatusSuccess:
			callback(MapSuccess)
		case wgpu.BufferMapAsyncStatusDeviceLost:
			callback(MapDeviceLost)
		default:
			if Debug {
				Log("map %s: status %d", b.label, status)
			}
			callback(MapError)
		}
	})
}

func (b *wgpuBuffer) MappedRange() []byte {
	return b.buf.GetMappedRange(0, uint(b.buf.GetSize()))
}

func (b *wgpuBuffer) Unmap() { b.buf.Unmap() }

// Destroy frees the GPU memory and drops the handle. Safe to call twice.
func (b *wgpuBuffer) Destroy() {
	if b.destroyed {
		return
	}
	b.destroyed = true
	b.buf.Destroy()
	b.buf.Release()
}

type wgpuEncoder struct {
	enc *wgpu.CommandEncoder
}

func (e *wgpuEncoder) CopyBufferToBuffer(src, dst Buffer, size uint64) {
	s, sok := src.(*wgpuBuffer)
	d, dok := dst.(*wgpuBuffer)
	if !sok || !dok {
		// Foreign buffers cannot be recorded; Finish reports the invalid batch.
		logger.Errorf("wgpu: copy between foreign buffers %T -> %T", src, dst)
		return
	}
	e.enc.CopyBufferToBuffer(s.buf, 0, d.buf, 0, size)
}

func (e *wgpuEncoder) BeginComputePass(label string) ComputePass {
	return &wgpuPass{pass: e.enc.BeginComputePass(&wgpu.ComputePassDescriptor{Label: label})}
}

func (e *wgpuEncoder) Finish() (CommandBuffer, error) {
	cmd, err := e.enc.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to finish command: %w", err)
	}
	return cmd, nil
}

func (e *wgpuEncoder) Release() { e.enc.Release() }

type wgpuPass struct {
	pass *wgpu.ComputePassEncoder
}

func (p *wgpuPass) SetPipeline(pl ComputePipeline) {
	if wp, ok := pl.(*wgpuPipeline); ok {
		p.pass.SetPipeline(wp.pipeline)
	}
}

func (p *wgpuPass) SetBindGroup(index uint32, group BindGroup) {
	if bg, ok := group.(*wgpu.BindGroup); ok {
		p.pass.SetBindGroup(index, bg, nil)
	}
}

func (p *wgpuPass) DispatchWorkgroups(x, y, z uint32) {
	p.pass.DispatchWorkgroups(x, y, z)
}

func (p *wgpuPass) End() {
	if err := p.pass.End(); err != nil {
		Log("end compute pass: %v", err)
	}
	p.pass.Release()
}
