package gpu

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeAdd(t *testing.T) {
	m, _ := newAddManager(t, addSim(), 5)

	got, err := m.Compute(context.Background(),
		[]float32{1, 2, 3, 4, 5},
		[]float32{10, 20, 30, 40, 50})
	require.NoError(t, err)
	assert.Equal(t, []float32{11, 22, 33, 44, 55}, got)
}

func TestComputeReusesPersistentObjects(t *testing.T) {
	m, dev := newAddManager(t, addSim(), 5)
	bufs := m.Buffers()
	pipe := m.Pipeline()
	require.Equal(t, 3, dev.LiveBuffers())

	a := []float32{1, 2, 3, 4, 5}
	b := []float32{0.5, 0.5, 0.5, 0.5, 0.5}
	first, err := m.Compute(context.Background(), a, b)
	require.NoError(t, err)
	second, err := m.Compute(context.Background(), a, b)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	third, err := m.Compute(context.Background(), b, b)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1, 1, 1, 1}, third)

	assert.Same(t, bufs, m.Buffers())
	assert.Same(t, pipe, m.Pipeline())
	assert.Equal(t, 3, dev.LiveBuffers(), "staging buffers must not outlive a dispatch")
	assert.Equal(t, 3+3*3, dev.BuffersCreated())
	assert.Equal(t, uint64(3), m.Dispatches())
	assert.Equal(t, 3, dev.Submits(), "one batch per dispatch")
}

func TestComputeInt32(t *testing.T) {
	code := `@group(0) @binding(0) var<storage, read_write> result : array<i32>;
@group(0) @binding(1) var<storage, read> lhs : array<i32>;
@group(0) @binding(2) var<storage, read> rhs : array<i32>;

@compute @workgroup_size(1)
fn main(@builtin(global_invocation_id) gid : vec3<u32>) {
	result[gid.x] = lhs[gid.x] - rhs[gid.x];
}
`
	c, _ := newSimContext(t, SimOptions{Kernel: SimElementwise(func(a, b int32) int32 { return a - b })})
	m, err := NewPipelineManager[int32](c, ManagerOptions{Length: 3, Kernel: KernelSource{Label: "sub_i32", Code: code}})
	require.NoError(t, err)
	defer m.Close()

	got, err := m.Compute(context.Background(), []int32{5, -5, 0}, []int32{7, 7, -7})
	require.NoError(t, err)
	assert.Equal(t, []int32{-2, -12, 7}, got)
}

func TestComputeDeviceLost(t *testing.T) {
	m, dev := newAddManager(t, addSim(), 5)
	a := []float32{1, 2, 3, 4, 5}

	dev.LoseOnNextSubmit()
	got, err := m.Compute(context.Background(), a, a)
	assert.Nil(t, got, "no partial result on failure")
	require.ErrorIs(t, err, ErrReadback)
	require.ErrorIs(t, err, ErrDeviceLost)
	assert.True(t, m.Lost())

	var re *ReadbackError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "map", re.Op)
	assert.NotEmpty(t, re.DispatchID)

	// Later dispatches fail fast without touching the device.
	submits := dev.Submits()
	got, err = m.Compute(context.Background(), a, a)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrDeviceLost)
	assert.Equal(t, submits, dev.Submits())
	assert.Equal(t, 3, dev.LiveBuffers())
}

func TestComputeDeviceLostBeforeStaging(t *testing.T) {
	m, dev := newAddManager(t, addSim(), 5)
	dev.LoseDevice()

	_, err := m.Compute(context.Background(), make([]float32, 5), make([]float32, 5))
	require.ErrorIs(t, err, ErrDeviceLost)
	var re *ReadbackError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "stage", re.Op)
	assert.True(t, m.Lost())
}

func TestComputeMapFailureRecovers(t *testing.T) {
	m, dev := newAddManager(t, addSim(), 5)
	a := []float32{1, 2, 3, 4, 5}

	dev.FailNextMap()
	got, err := m.Compute(context.Background(), a, a)
	assert.Nil(t, got)
	require.ErrorIs(t, err, ErrReadback)
	assert.NotErrorIs(t, err, ErrDeviceLost)
	assert.False(t, m.Lost())

	got, err = m.Compute(context.Background(), a, a)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4, 6, 8, 10}, got)
	assert.Equal(t, 3, dev.LiveBuffers())
}

func TestComputeKernelFault(t *testing.T) {
	opts := SimOptions{Kernel: func([3]uint32, map[uint32][]byte) error { return errors.New("out of bounds") }}
	m, _ := newAddManager(t, opts, 5)

	_, err := m.Compute(context.Background(), make([]float32, 5), make([]float32, 5))
	assert.ErrorIs(t, err, ErrReadback)
	assert.False(t, m.Lost())
}

func TestSubmitInFlight(t *testing.T) {
	m, _ := newAddManager(t, addSim(), 2)
	a := []float32{1, 2}

	r, err := m.Submit(a, a)
	require.NoError(t, err)

	_, err = m.Submit(a, a)
	assert.ErrorIs(t, err, ErrDispatchInFlight)

	got, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4}, got)

	_, err = r.Wait(context.Background())
	assert.ErrorIs(t, err, ErrReadbackConsumed)

	r2, err := m.Submit(a, a)
	require.NoError(t, err)
	assert.NotEqual(t, r.ID(), r2.ID())
	_, err = r2.Wait(context.Background())
	require.NoError(t, err)
}

func TestSubmitLengthMismatch(t *testing.T) {
	m, dev := newAddManager(t, addSim(), 5)
	created := dev.BuffersCreated()

	_, err := m.Submit(make([]float32, 4), make([]float32, 5))
	assert.ErrorIs(t, err, ErrLengthMismatch)
	_, err = m.Submit(make([]float32, 5), make([]float32, 6))
	assert.ErrorIs(t, err, ErrLengthMismatch)
	assert.Equal(t, created, dev.BuffersCreated())
}

func TestWaitSlowMapping(t *testing.T) {
	opts := addSim()
	opts.PollsToMap = 4
	m, _ := newAddManager(t, opts, 3)

	got, err := m.Compute(context.Background(), []float32{1, 1, 1}, []float32{2, 2, 2})
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 3, 3}, got)
}

func TestWaitContextCancelled(t *testing.T) {
	opts := addSim()
	opts.PollsToMap = 1 << 30
	m, dev := newAddManager(t, opts, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := m.Compute(ctx, make([]float32, 3), make([]float32, 3))
	assert.Nil(t, got)
	require.ErrorIs(t, err, ErrReadback)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, dev.LiveBuffers())

	// The manager is usable again once the wait has been abandoned.
	_, err = m.Submit(make([]float32, 3), make([]float32, 3))
	assert.NoError(t, err)
}

func TestWaitTimeout(t *testing.T) {
	c, _ := newSimContext(t, SimOptions{PollsToMap: 1 << 30})
	m, err := NewPipelineManager[float32](c, ManagerOptions{
		Length:          3,
		Kernel:          addKernel(),
		ReadbackTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer m.Close()

	start := time.Now()
	_, err = m.Compute(context.Background(), make([]float32, 3), make([]float32, 3))
	require.ErrorIs(t, err, ErrReadback)
	assert.ErrorIs(t, err, errReadbackTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNewPipelineManagerCompileError(t *testing.T) {
	c, dev := newSimContext(t, SimOptions{})
	src := addKernel()
	src.Code = "@compute @workgroup_size(1) fn main( {"

	m, err := NewPipelineManager[float32](c, ManagerOptions{Length: 5, Kernel: src})
	assert.Nil(t, m)
	require.ErrorIs(t, err, ErrCompile)
	assert.Zero(t, dev.BuffersCreated())
}

func TestNewPipelineManagerElementMismatch(t *testing.T) {
	c, dev := newSimContext(t, SimOptions{})

	m, err := NewPipelineManager[int32](c, ManagerOptions{Length: 5, Kernel: addKernel()})
	assert.Nil(t, m)
	require.ErrorIs(t, err, ErrLayoutMismatch)
	assert.Contains(t, err.Error(), "holds f32, manager element is i32")
	assert.Zero(t, dev.LiveBuffers())
}

func TestNewPipelineManagerInvalidLength(t *testing.T) {
	c, dev := newSimContext(t, SimOptions{})

	for _, n := range []int{0, -1} {
		m, err := NewPipelineManager[float32](c, ManagerOptions{Length: n, Kernel: addKernel()})
		assert.Nil(t, m)
		assert.ErrorIs(t, err, ErrInvalidLength)
	}
	assert.Zero(t, dev.BuffersCreated())

	_, err := NewPipelineManager[float32](nil, ManagerOptions{Length: 5, Kernel: addKernel()})
	assert.ErrorIs(t, err, ErrNoSuitableDevice)
}

func TestNewPipelineManagerCleansUpOnFailure(t *testing.T) {
	// Binding fails after buffers exist; they must be destroyed.
	c, dev := newSimContext(t, SimOptions{})
	src := addKernel()
	src.Code = "@group(0) @binding(0) var<storage, read_write> result : array<f32>;\n@compute @workgroup_size(1) fn main() {}\n"

	m, err := NewPipelineManager[float32](c, ManagerOptions{Length: 5, Kernel: src})
	assert.Nil(t, m)
	require.ErrorIs(t, err, ErrLayoutMismatch)
	assert.Equal(t, 3, dev.BuffersCreated())
	assert.Zero(t, dev.LiveBuffers())
}

func TestCheckLimits(t *testing.T) {
	l := Limits{
		MaxComputeWorkgroupsPerDimension: 100,
		MaxStorageBufferBindingSize:      256,
		MaxBufferSize:                    1024,
	}
	tests := []struct {
		name   string
		limits Limits
		length int
		ok     bool
	}{
		{"fits", l, 64, true},
		{"zero", l, 0, false},
		{"too many workgroups", l, 101, false},
		{"binding too large", l, 65, false},
		{"buffer too large", Limits{MaxBufferSize: 16}, 5, false},
		{"unknown limits", Limits{}, 1 << 20, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckLimits(tt.limits, tt.length, 4)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidLength)
		})
	}
}

func TestNewPipelineManagerRespectsDeviceLimits(t *testing.T) {
	c, dev := newSimContext(t, SimOptions{Limits: Limits{
		MaxComputeWorkgroupsPerDimension:  4,
		MaxComputeWorkgroupSizeX:          1,
		MaxComputeInvocationsPerWorkgroup: 1,
		MaxStorageBufferBindingSize:       1 << 10,
		MaxBufferSize:                     1 << 10,
	}})
	_, err := NewPipelineManager[float32](c, ManagerOptions{Length: 5, Kernel: addKernel()})
	assert.ErrorIs(t, err, ErrInvalidLength)
	assert.Zero(t, dev.BuffersCreated())
}

func TestClose(t *testing.T) {
	m, dev := newAddManager(t, addSim(), 5)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Zero(t, dev.LiveBuffers())

	_, err := m.Compute(context.Background(), make([]float32, 5), make([]float32, 5))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseWithDispatchInFlight(t *testing.T) {
	opts := addSim()
	opts.PollsToMap = 3
	m, dev := newAddManager(t, opts, 4)

	r, err := m.Submit(make([]float32, 4), make([]float32, 4))
	require.NoError(t, err)
	require.NoError(t, m.Close())
	assert.Zero(t, dev.LiveBuffers(), "close reclaims the pending download buffer")

	var got []float32
	require.NotPanics(t, func() { got, err = r.Wait(context.Background()) })
	assert.Nil(t, got)
	require.ErrorIs(t, err, ErrReadback)
	require.ErrorIs(t, err, ErrClosed)
	var re *ReadbackError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "poll", re.Op)
	assert.Equal(t, r.ID(), re.DispatchID)
	assert.Zero(t, dev.LiveBuffers())
}

func TestComputeReleasesEncoders(t *testing.T) {
	m, dev := newAddManager(t, addSim(), 3)
	a := []float32{1, 2, 3}

	_, err := m.Compute(context.Background(), a, a)
	require.NoError(t, err)
	assert.Zero(t, dev.LiveEncoders())

	dev.FailNextMap()
	_, err = m.Compute(context.Background(), a, a)
	require.Error(t, err)
	assert.Zero(t, dev.LiveEncoders())

	dev.LoseOnNextSubmit()
	_, err = m.Compute(context.Background(), a, a)
	require.ErrorIs(t, err, ErrDeviceLost)
	assert.Zero(t, dev.LiveEncoders())
}

// TestComputeOnHardware runs the add pipeline on a real adapter. It needs a
// GPU and GPUVEC_GPU_TESTS=1.
func TestComputeOnHardware(t *testing.T) {
	if os.Getenv("GPUVEC_GPU_TESTS") != "1" {
		t.Skip("set GPUVEC_GPU_TESTS=1 to run against a real adapter")
	}
	c, err := Open(ContextOptions{})
	if err != nil {
		t.Skipf("no usable GPU: %v", err)
	}
	defer c.Close()
	t.Logf("adapter: %s (%s)", c.Adapter().Name, c.Adapter().Kind)

	m, err := NewPipelineManager[float32](c, ManagerOptions{Length: 5, Kernel: addKernel()})
	require.NoError(t, err)
	defer m.Close()

	for i := 0; i < 3; i++ {
		got, err := m.Compute(context.Background(),
			[]float32{1, 2, 3, 4, 5},
			[]float32{10, 20, 30, 40, 50})
		require.NoError(t, err)
		assert.Equal(t, []float32{11, 22, 33, 44, 55}, got)
	}
}
