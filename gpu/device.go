package gpu

import "strings"

// BufferUsage mirrors the WebGPU buffer usage bits the pipeline needs.
type BufferUsage uint32

const (
	UsageMapRead BufferUsage = 1 << iota
	UsageCopySrc
	UsageCopyDst
	UsageStorage
)

func (u BufferUsage) String() string {
	var parts []string
	if u&UsageMapRead != 0 {
		parts = append(parts, "map-read")
	}
	if u&UsageCopySrc != 0 {
		parts = append(parts, "copy-src")
	}
	if u&UsageCopyDst != 0 {
		parts = append(parts, "copy-dst")
	}
	if u&UsageStorage != 0 {
		parts = append(parts, "storage")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Access is how a kernel sees a bound storage buffer.
type Access int

const (
	AccessReadOnly Access = iota
	AccessReadWrite
)

func (a Access) String() string {
	if a == AccessReadWrite {
		return "read_write"
	}
	return "read"
}

// AdapterKind orders adapters for selection. CPU adapters are never selected.
type AdapterKind int

const (
	AdapterCPU AdapterKind = iota
	AdapterUnknown
	AdapterVirtual
	AdapterIntegrated
	AdapterDiscrete
)

func (k AdapterKind) String() string {
	switch k {
	case AdapterCPU:
		return "cpu"
	case AdapterVirtual:
		return "virtual-gpu"
	case AdapterIntegrated:
		return "integrated-gpu"
	case AdapterDiscrete:
		return "discrete-gpu"
	default:
		return "unknown"
	}
}

// ParseAdapterKind maps a backend adapter type name onto an AdapterKind.
func ParseAdapterKind(name string) AdapterKind {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "discrete"):
		return AdapterDiscrete
	case strings.Contains(n, "integrated"):
		return AdapterIntegrated
	case strings.Contains(n, "virtual"):
		return AdapterVirtual
	case strings.Contains(n, "cpu"):
		return AdapterCPU
	default:
		return AdapterUnknown
	}
}

// AdapterInfo describes a physical adapter.
type AdapterInfo struct {
	Name     string
	Vendor   string
	Driver   string
	Backend  string
	Kind     AdapterKind
	VendorID uint32
	DeviceID uint32
}

// Limits is the subset of device limits the pipeline checks.
type Limits struct {
	MaxComputeWorkgroupsPerDimension  uint32
	MaxComputeWorkgroupSizeX          uint32
	MaxComputeInvocationsPerWorkgroup uint32
	MaxStorageBufferBindingSize       uint64
	MaxBufferSize                     uint64
}

// BufferDescriptor describes a buffer allocation.
type BufferDescriptor struct {
	Label string
	Size  uint64
	Usage BufferUsage
}

// LayoutEntry declares one storage binding slot of a bind group layout.
type LayoutEntry struct {
	Binding uint32
	Access  Access
}

// BindGroupEntry binds a whole buffer to a slot.
type BindGroupEntry struct {
	Binding uint32
	Buffer  Buffer
}

// MapStatus is the outcome delivered to a map callback.
type MapStatus int

const (
	MapSuccess MapStatus = iota
	MapDeviceLost
	MapError
)

func (s MapStatus) String() string {
	switch s {
	case MapSuccess:
		return "success"
	case MapDeviceLost:
		return "device-lost"
	default:
		return "error"
	}
}

// Backend enumerates adapters and opens a device on one of them.
type Backend interface {
	Name() string
	Adapters() ([]AdapterInfo, error)
	Open(index int) (Device, error)
	Release()
}

// Device is the part of the WebGPU device and queue surface the pipeline
// manager drives. Implementations are not safe for concurrent use.
type Device interface {
	Info() AdapterInfo
	Limits() Limits

	CreateBuffer(desc BufferDescriptor) (Buffer, error)
	CreateBufferInit(label string, contents []byte, usage BufferUsage) (Buffer, error)
	CreateShaderModule(label, code string) (ShaderModule, error)
	CreateBindGroupLayout(label string, entries []LayoutEntry) (BindGroupLayout, error)
	CreateComputePipeline(label string, layout BindGroupLayout, module ShaderModule, entryPoint string) (ComputePipeline, error)
	CreateBindGroup(label string, layout BindGroupLayout, entries []BindGroupEntry) (BindGroup, error)
	CreateCommandEncoder(label string) (CommandEncoder, error)

	// Submit hands finished command buffers to the queue.
	Submit(cmds ...CommandBuffer)
	// Poll drives pending callbacks. wait blocks until queued work is done.
	Poll(wait bool)

	Release()
}

// Buffer is a fixed-size device allocation.
type Buffer interface {
	Label() string
	Size() uint64
	Usage() BufferUsage
	// MapReadAsync requests a read mapping of the whole buffer. The callback
	// fires from a later Device.Poll.
	MapReadAsync(callback func(MapStatus)) error
	// MappedRange is valid between a successful map and Unmap.
	MappedRange() []byte
	Unmap()
	Destroy()
}

// CommandEncoder records one command batch.
type CommandEncoder interface {
	CopyBufferToBuffer(src, dst Buffer, size uint64)
	BeginComputePass(label string) ComputePass
	Finish() (CommandBuffer, error)
	// Release drops the encoder. Call it once, after Finish or on abandon.
	Release()
}

// ComputePass records compute commands inside an encoder.
type ComputePass interface {
	SetPipeline(p ComputePipeline)
	SetBindGroup(index uint32, group BindGroup)
	DispatchWorkgroups(x, y, z uint32)
	End()
}

type ShaderModule interface{ Release() }

type BindGroupLayout interface{ Release() }

type ComputePipeline interface{ Release() }

type BindGroup interface{ Release() }

type CommandBuffer interface{ Release() }
