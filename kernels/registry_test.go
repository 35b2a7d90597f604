package kernels

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/gpuvec/gpu"
)

func TestBuiltinOps(t *testing.T) {
	names := Names()
	assert.True(t, sort.StringsAreSorted(names))
	for _, want := range []string{"add", "sub", "mul", "div", "min", "max"} {
		assert.Contains(t, names, want)
	}
}

func TestLookupUnknown(t *testing.T) {
	_, err := Lookup("pow")
	assert.ErrorIs(t, err, ErrUnknownOp)
}

func TestRegisterCustomOp(t *testing.T) {
	Register(Op{Name: "absdiff", Expr: "select(b - a, a - b, a > b)", Doc: "|a[i] - b[i]|"})

	op, err := Lookup("absdiff")
	require.NoError(t, err)
	_, diags := gpu.ScanWGSL(Source(op, "f32"), gpu.DefaultEntryPoint)
	assert.Empty(t, diags)

	// No CPU reference exists for ops registered at runtime.
	_, err = Reference("absdiff", []float32{1}, []float32{2})
	assert.ErrorIs(t, err, ErrUnknownOp)
}

func TestSourceDeclaresSlotLayout(t *testing.T) {
	for _, name := range []string{"add", "sub", "mul", "div", "min", "max"} {
		op, err := Lookup(name)
		require.NoError(t, err)
		for _, elem := range []string{"f32", "i32", "u32"} {
			t.Run(name+"_"+elem, func(t *testing.T) {
				bindings, diags := gpu.ScanWGSL(Source(op, elem), gpu.DefaultEntryPoint)
				require.Empty(t, diags)
				require.Len(t, bindings, 3)
				assert.Equal(t, gpu.AccessReadWrite, bindings[0].Access)
				assert.Equal(t, gpu.AccessReadOnly, bindings[1].Access)
				assert.Equal(t, gpu.AccessReadOnly, bindings[2].Access)
				for _, b := range bindings {
					assert.Equal(t, elem, b.ElementType)
				}
			})
		}
	}
}

func TestKernelSource(t *testing.T) {
	src, err := Kernel[int32]("mul")
	require.NoError(t, err)
	assert.Equal(t, "mul_i32", src.Label)
	assert.Equal(t, gpu.DefaultEntryPoint, src.EntryPoint)
	assert.Contains(t, src.Code, "result[i] = a * b;")

	_, err = Kernel[float32]("nope")
	assert.ErrorIs(t, err, ErrUnknownOp)
}

func TestFromFile(t *testing.T) {
	op, err := Lookup("add")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "custom.wgsl")
	require.NoError(t, os.WriteFile(path, []byte(Source(op, "u32")), 0o644))

	src, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "custom.wgsl", src.Label)
	assert.Equal(t, Source(op, "u32"), src.Code)

	_, err = FromFile(filepath.Join(t.TempDir(), "missing.wgsl"))
	assert.Error(t, err)
}
