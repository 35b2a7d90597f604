package kernels

import (
	"fmt"
	"math"

	"github.com/viterin/vek/vek32"

	"github.com/openfluke/gpuvec/gpu"
)

// Scalar returns the CPU form of the named op for T, matching WGSL
// semantics: integer division by zero yields the dividend.
func Scalar[T gpu.Element](name string) (func(a, b T) T, error) {
	isFloat := gpu.ElementType[T]() == "f32"
	switch name {
	case "add":
		return func(a, b T) T { return a + b }, nil
	case "sub":
		return func(a, b T) T { return a - b }, nil
	case "mul":
		return func(a, b T) T { return a * b }, nil
	case "div":
		return func(a, b T) T {
			if b == 0 && !isFloat {
				return a
			}
			return a / b
		}, nil
	case "min":
		return func(a, b T) T { return min(a, b) }, nil
	case "max":
		return func(a, b T) T { return max(a, b) }, nil
	}
	return nil, fmt.Errorf("%w: %q has no CPU reference", ErrUnknownOp, name)
}

// Reference computes the named op on the CPU. f32 vectors go through vek32;
// integer vectors go through Scalar.
func Reference[T gpu.Element](name string, a, b []T) ([]T, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("%w: %d vs %d", gpu.ErrLengthMismatch, len(a), len(b))
	}
	if gpu.ElementType[T]() == "f32" {
		return referenceF32(name, a, b)
	}
	fn, err := Scalar[T](name)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(a))
	for i := range a {
		out[i] = fn(a[i], b[i])
	}
	return out, nil
}

func referenceF32[T gpu.Element](name string, a, b []T) ([]T, error) {
	var f func(x, y []float32) []float32
	switch name {
	case "add":
		f = vek32.Add
	case "sub":
		f = vek32.Sub
	case "mul":
		f = vek32.Mul
	case "div":
		f = vek32.Div
	case "min":
		f = vek32.Minimum
	case "max":
		f = vek32.Maximum
	default:
		return nil, fmt.Errorf("%w: %q has no CPU reference", ErrUnknownOp, name)
	}
	x := make([]float32, len(a))
	y := make([]float32, len(b))
	for i := range a {
		x[i], y[i] = float32(a[i]), float32(b[i])
	}
	r := f(x, y)
	out := make([]T, len(r))
	for i, v := range r {
		out[i] = T(v)
	}
	return out, nil
}

// SimKernel returns a simulated-device kernel for the named op over T.
func SimKernel[T gpu.Element](name string) (gpu.SimKernel, error) {
	fn, err := Scalar[T](name)
	if err != nil {
		return nil, err
	}
	return gpu.SimElementwise(fn), nil
}

// Verify compares got with the CPU reference. f32 values match within a
// relative tolerance tol; integers must match exactly.
func Verify[T gpu.Element](name string, a, b, got []T, tol float64) error {
	want, err := Reference(name, a, b)
	if err != nil {
		return err
	}
	if len(got) != len(want) {
		return fmt.Errorf("%w: %d results, want %d", ErrMismatch, len(got), len(want))
	}
	isFloat := gpu.ElementType[T]() == "f32"
	for i := range want {
		if isFloat {
			if !closeEnough(float64(got[i]), float64(want[i]), tol) {
				return fmt.Errorf("%w at %d: got %v, want %v", ErrMismatch, i, got[i], want[i])
			}
			continue
		}
		if got[i] != want[i] {
			return fmt.Errorf("%w at %d: got %v, want %v", ErrMismatch, i, got[i], want[i])
		}
	}
	return nil
}

func closeEnough(got, want, tol float64) bool {
	switch {
	case math.IsNaN(want):
		return math.IsNaN(got)
	case math.IsInf(want, 0):
		return got == want
	}
	return math.Abs(got-want) <= tol*math.Max(1, math.Abs(want))
}
