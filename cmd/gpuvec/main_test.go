package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/gpuvec/config"
	"github.com/openfluke/gpuvec/gpu"
	"github.com/openfluke/gpuvec/kernels"
)

func simContext(t *testing.T, fn func(a, b float32) float32) *gpu.Context {
	t.Helper()
	c, err := gpu.OpenWith(gpu.NewSimBackend(gpu.SimOptions{Kernel: gpu.SimElementwise(fn)}), gpu.ContextOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func counter() func() float32 {
	var n float32
	return func() float32 {
		n++
		return n
	}
}

func absdiff(a, b float32) float32 {
	if a > b {
		return a - b
	}
	return b - a
}

func TestVerifiable(t *testing.T) {
	kernels.Register(kernels.Op{Name: "absdiff", Expr: "select(b - a, a - b, a > b)"})

	cfg := config.LoadDefaults()
	assert.NoError(t, verifiable[float32](cfg))

	cfg.Pipeline.Op = "absdiff"
	assert.ErrorIs(t, verifiable[float32](cfg), kernels.ErrUnknownOp)

	cfg = config.LoadDefaults()
	cfg.Pipeline.KernelFile = "custom.wgsl"
	assert.ErrorContains(t, verifiable[int32](cfg), "custom.wgsl")
}

func TestRunVerifiesBuiltinOp(t *testing.T) {
	cfg := config.LoadDefaults()
	var out bytes.Buffer
	r := runner{cfg: cfg, out: &out, repeat: 2, verify: true}

	err := runTyped(context.Background(), simContext(t, func(a, b float32) float32 { return a + b }), r, counter())
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(out.Bytes(), []byte("verified against CPU reference")))
}

func TestRunSkipsVerifyForRuntimeOp(t *testing.T) {
	kernels.Register(kernels.Op{Name: "absdiff", Expr: "select(b - a, a - b, a > b)"})
	cfg := config.LoadDefaults()
	cfg.Pipeline.Op = "absdiff"
	var out bytes.Buffer
	r := runner{cfg: cfg, out: &out, repeat: 1, verify: true}

	err := runTyped(context.Background(), simContext(t, absdiff), r, counter())
	require.NoError(t, err)
	assert.Contains(t, out.String(), "f(A, B): [1 1 1 1 1]")
	assert.NotContains(t, out.String(), "verified")
}

func TestRunSkipsVerifyForKernelFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.wgsl")
	src := kernels.Source(kernels.Op{Name: "twice", Expr: "a + a"}, "f32")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	cfg := config.LoadDefaults()
	cfg.Pipeline.KernelFile = path
	var out bytes.Buffer
	r := runner{cfg: cfg, out: &out, repeat: 1, verify: true}

	err := runTyped(context.Background(), simContext(t, func(a, b float32) float32 { return a + a }), r, counter())
	require.NoError(t, err)
	assert.Contains(t, out.String(), "f(A, B): [2 6 10 14 18]")
	assert.NotContains(t, out.String(), "verified")
}
