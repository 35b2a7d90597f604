package kernels

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/openfluke/gpuvec/gpu"
)

// Source renders the WGSL for op over elem ("f32", "i32" or "u32"). Binding
// 0 is the read-write result, 1 and 2 the read-only operands; one invocation
// handles one element.
func Source(op Op, elem string) string {
	return fmt.Sprintf(`// %[3]s: %[4]s
@group(0) @binding(0) var<storage, read_write> result : array<%[1]s>;
@group(0) @binding(1) var<storage, read> lhs : array<%[1]s>;
@group(0) @binding(2) var<storage, read> rhs : array<%[1]s>;

@compute @workgroup_size(1)
fn main(@builtin(global_invocation_id) gid : vec3<u32>) {
	let i = gid.x;
	if (i >= arrayLength(&result)) {
		return;
	}
	let a = lhs[i];
	let b = rhs[i];
	result[i] = %[2]s;
}
`, elem, op.Expr, op.Name, op.Doc)
}

// Kernel returns the kernel source for the named op over T.
func Kernel[T gpu.Element](name string) (gpu.KernelSource, error) {
	op, err := Lookup(name)
	if err != nil {
		return gpu.KernelSource{}, err
	}
	elem := gpu.ElementType[T]()
	return gpu.KernelSource{
		Label:      fmt.Sprintf("%s_%s", op.Name, elem),
		Code:       Source(op, elem),
		EntryPoint: gpu.DefaultEntryPoint,
	}, nil
}

// FromFile reads a WGSL kernel from disk. The label is the file name.
func FromFile(path string) (gpu.KernelSource, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return gpu.KernelSource{}, fmt.Errorf("read kernel: %w", err)
	}
	return gpu.KernelSource{
		Label:      filepath.Base(path),
		Code:       string(code),
		EntryPoint: gpu.DefaultEntryPoint,
	}, nil
}
