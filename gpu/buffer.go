package gpu

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// BufferRole is the usage class a buffer is created for.
type BufferRole int

const (
	RoleInput BufferRole = iota
	RoleOutput
	RoleStagingUpload
	RoleStagingDownload
)

func (r BufferRole) String() string {
	switch r {
	case RoleInput:
		return "input"
	case RoleOutput:
		return "output"
	case RoleStagingUpload:
		return "staging-upload"
	case RoleStagingDownload:
		return "staging-download"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Usage is the WebGPU usage a buffer of this role needs.
func (r BufferRole) Usage() BufferUsage {
	switch r {
	case RoleInput:
		return UsageStorage | UsageCopyDst
	case RoleOutput:
		return UsageStorage | UsageCopySrc
	case RoleStagingUpload:
		return UsageCopySrc
	case RoleStagingDownload:
		return UsageMapRead | UsageCopyDst
	default:
		return 0
	}
}

// BufferSet is the persistent input and output storage of one pipeline.
type BufferSet struct {
	InputA Buffer
	InputB Buffer
	Output Buffer

	Length      int
	ElementSize int
}

// ByteSize is Length × ElementSize.
func (s *BufferSet) ByteSize() uint64 {
	return uint64(s.Length) * uint64(s.ElementSize)
}

// Release destroys the three buffers.
func (s *BufferSet) Release() {
	for _, b := range []Buffer{s.InputA, s.InputB, s.Output} {
		if b != nil {
			b.Destroy()
		}
	}
}

// AllocateBuffers creates InputA, InputB (storage + copy-dst) and Output
// (storage + copy-src). Non-positive sizes fail before anything is allocated.
func AllocateBuffers(dev Device, length, elementSize int, labelPrefix string) (*BufferSet, error) {
	if length <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}
	if elementSize <= 0 {
		return nil, fmt.Errorf("%w: element size %d", ErrInvalidLength, elementSize)
	}
	set := &BufferSet{Length: length, ElementSize: elementSize}
	size := set.ByteSize()

	if Debug {
		Log("Allocating buffers for %s (%d elements, %s each)", labelPrefix, length, humanize.Bytes(size))
	}

	var err error
	set.InputA, err = newRoleBuffer(dev, labelPrefix+"_InA", size, RoleInput)
	if err != nil {
		return nil, err
	}
	set.InputB, err = newRoleBuffer(dev, labelPrefix+"_InB", size, RoleInput)
	if err != nil {
		set.Release()
		return nil, err
	}
	set.Output, err = newRoleBuffer(dev, labelPrefix+"_Out", size, RoleOutput)
	if err != nil {
		set.Release()
		return nil, err
	}
	return set, nil
}

func newRoleBuffer(dev Device, label string, size uint64, role BufferRole) (Buffer, error) {
	buf, err := dev.CreateBuffer(BufferDescriptor{Label: label, Size: size, Usage: role.Usage()})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s buffer: %w", role, err)
	}
	return buf, nil
}

// newUploadBuffer creates a transient copy source initialised with contents.
func newUploadBuffer(dev Device, label string, contents []byte) (Buffer, error) {
	buf, err := dev.CreateBufferInit(label, contents, RoleStagingUpload.Usage())
	if err != nil {
		return nil, fmt.Errorf("failed to create %s buffer: %w", RoleStagingUpload, err)
	}
	return buf, nil
}

// newDownloadBuffer creates a transient mappable copy destination.
func newDownloadBuffer(dev Device, label string, size uint64) (Buffer, error) {
	return newRoleBuffer(dev, label, size, RoleStagingDownload)
}

// Slot binds one buffer to a kernel argument slot.
type Slot struct {
	Binding uint32
	Buffer  Buffer
	Access  Access
}

// Binding is the binding descriptor: a bind group layout and the bind group
// that attaches a BufferSet to it. It never changes once built.
type Binding struct {
	layout BindGroupLayout
	group  BindGroup
	slots  []Slot
}

// Slots returns the slot mapping in binding order.
func (b *Binding) Slots() []Slot { return append([]Slot(nil), b.slots...) }

// Release drops the bind group and its layout.
func (b *Binding) Release() {
	if b.group != nil {
		b.group.Release()
	}
	if b.layout != nil {
		b.layout.Release()
	}
}

// SlotLayout is the fixed argument layout of the elementwise kernels:
// 0 → output (read-write), 1 → input A (read-only), 2 → input B (read-only).
func SlotLayout(set *BufferSet) []Slot {
	return []Slot{
		{Binding: 0, Buffer: set.Output, Access: AccessReadWrite},
		{Binding: 1, Buffer: set.InputA, Access: AccessReadOnly},
		{Binding: 2, Buffer: set.InputB, Access: AccessReadOnly},
	}
}

// BuildBinding creates the bind group layout and bind group for set, after
// checking that k declares exactly the slots SlotLayout uses with the same
// access modes.
func BuildBinding(dev Device, k *Kernel, set *BufferSet, labelPrefix string) (*Binding, error) {
	slots := SlotLayout(set)
	if err := checkLayout(k, slots); err != nil {
		return nil, err
	}

	entries := make([]LayoutEntry, len(slots))
	groupEntries := make([]BindGroupEntry, len(slots))
	for i, s := range slots {
		entries[i] = LayoutEntry{Binding: s.Binding, Access: s.Access}
		groupEntries[i] = BindGroupEntry{Binding: s.Binding, Buffer: s.Buffer}
	}

	layout, err := dev.CreateBindGroupLayout(labelPrefix+"_BGL", entries)
	if err != nil {
		return nil, err
	}
	group, err := dev.CreateBindGroup(labelPrefix+"_Bind", layout, groupEntries)
	if err != nil {
		layout.Release()
		return nil, err
	}
	return &Binding{layout: layout, group: group, slots: slots}, nil
}

func checkLayout(k *Kernel, slots []Slot) error {
	declared := 0
	for _, d := range k.Bindings() {
		if d.Group == 0 {
			declared++
		}
	}
	if declared != len(slots) {
		return fmt.Errorf("%w: kernel %s declares %d bindings in group 0, want %d", ErrLayoutMismatch, k.Label(), declared, len(slots))
	}
	for _, s := range slots {
		d, ok := k.Binding(s.Binding)
		if !ok {
			return fmt.Errorf("%w: kernel %s has no binding %d", ErrLayoutMismatch, k.Label(), s.Binding)
		}
		if d.Access != s.Access {
			return fmt.Errorf("%w: kernel %s binding %d (%s) is %s, want %s", ErrLayoutMismatch, k.Label(), s.Binding, d.Name, d.Access, s.Access)
		}
	}
	return nil
}
