package gpu

import "fmt"

// Pipeline is a compiled kernel joined with its binding descriptor. It holds
// no per-dispatch state and can be recorded into any number of batches.
type Pipeline struct {
	label   string
	kernel  *Kernel
	binding *Binding
	compute ComputePipeline
}

// BuildPipeline creates the compute pipeline for k using b's layout.
func BuildPipeline(dev Device, k *Kernel, b *Binding, labelPrefix string) (*Pipeline, error) {
	if k == nil || k.module == nil {
		return nil, fmt.Errorf("pipeline %s: kernel not compiled", labelPrefix)
	}
	if b == nil || b.layout == nil {
		return nil, fmt.Errorf("pipeline %s: binding not built", labelPrefix)
	}
	cp, err := dev.CreateComputePipeline(labelPrefix+"_Pipe", b.layout, k.module, k.EntryPoint())
	if err != nil {
		return nil, err
	}
	return &Pipeline{label: labelPrefix, kernel: k, binding: b, compute: cp}, nil
}

// Kernel returns the kernel the pipeline runs.
func (p *Pipeline) Kernel() *Kernel { return p.kernel }

// Binding returns the pipeline's binding descriptor.
func (p *Pipeline) Binding() *Binding { return p.binding }

// Record sets the pipeline and bind group on pass and dispatches n work units
// along x.
func (p *Pipeline) Record(pass ComputePass, n uint32) {
	if Debug {
		Log("Dispatching %s w/ %d workgroups", p.label, n)
	}
	pass.SetPipeline(p.compute)
	pass.SetBindGroup(0, p.binding.group)
	pass.DispatchWorkgroups(n, 1, 1)
}

// Release drops the compute pipeline. The kernel and binding are owned by
// the caller.
func (p *Pipeline) Release() {
	if p.compute != nil {
		p.compute.Release()
		p.compute = nil
	}
}
