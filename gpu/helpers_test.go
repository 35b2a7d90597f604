package gpu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const addF32 = `@group(0) @binding(0) var<storage, read_write> result : array<f32>;
@group(0) @binding(1) var<storage, read> lhs : array<f32>;
@group(0) @binding(2) var<storage, read> rhs : array<f32>;

@compute @workgroup_size(1)
fn main(@builtin(global_invocation_id) gid : vec3<u32>) {
	let i = gid.x;
	if (i >= arrayLength(&result)) {
		return;
	}
	result[i] = lhs[i] + rhs[i];
}
`

func addKernel() KernelSource {
	return KernelSource{Label: "add_f32", Code: addF32}
}

func addSim() SimOptions {
	return SimOptions{Kernel: SimElementwise(func(a, b float32) float32 { return a + b })}
}

// newSimContext opens a Context on a fresh simulated backend.
func newSimContext(t *testing.T, opts SimOptions) (*Context, *SimDevice) {
	t.Helper()
	b := NewSimBackend(opts)
	c, err := OpenWith(b, ContextOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, b.Device()
}

func newAddManager(t *testing.T, opts SimOptions, length int) (*PipelineManager[float32], *SimDevice) {
	t.Helper()
	c, dev := newSimContext(t, opts)
	m, err := NewPipelineManager[float32](c, ManagerOptions{Length: length, Kernel: addKernel()})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, dev
}
