package gpu

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/openfluke/webgpu/wgpu"
	"github.com/sirupsen/logrus"
)

var errReadbackTimeout = errors.New("timed out waiting for mapped buffer")

// Readback is the pending result of one dispatch. Wait on it exactly once.
type Readback[T Element] struct {
	m        *PipelineManager[T]
	id       string
	buf      Buffer
	length   int
	size     uint64
	done     chan MapStatus
	consumed bool
	started  time.Time
}

// ID identifies the dispatch in labels and logs.
func (r *Readback[T]) ID() string { return r.id }

// Compute runs one dispatch and waits for its result. On any failure the
// result is nil.
func (m *PipelineManager[T]) Compute(ctx context.Context, a, b []T) ([]T, error) {
	r, err := m.Submit(a, b)
	if err != nil {
		return nil, err
	}
	return r.Wait(ctx)
}

// Submit stages a and b, records copy-in, dispatch and copy-out into one
// batch, submits it and requests the read mapping of the download buffer.
// It returns without waiting for the device.
func (m *PipelineManager[T]) Submit(a, b []T) (*Readback[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.closed:
		return nil, ErrClosed
	case m.pending != nil:
		return nil, ErrDispatchInFlight
	case len(a) != m.opts.Length || len(b) != m.opts.Length:
		return nil, fmt.Errorf("%w: got %d and %d, want %d", ErrLengthMismatch, len(a), len(b), m.opts.Length)
	}

	id := uuid.NewString()
	if m.lost {
		return nil, &ReadbackError{DispatchID: id, Op: "submit", Err: ErrDeviceLost}
	}

	size := m.buffers.ByteSize()
	prefix := fmt.Sprintf("%s_%s", m.label, id[:8])
	fail := func(op string, err error) (*Readback[T], error) {
		if errors.Is(err, ErrDeviceLost) {
			m.lost = true
		}
		return nil, &ReadbackError{DispatchID: id, Op: op, Err: err}
	}

	// 1. Stage host data.
	upA, err := newUploadBuffer(m.dev, prefix+"_UpA", wgpu.ToBytes(a))
	if err != nil {
		return fail("stage", err)
	}
	defer upA.Destroy()
	upB, err := newUploadBuffer(m.dev, prefix+"_UpB", wgpu.ToBytes(b))
	if err != nil {
		return fail("stage", err)
	}
	defer upB.Destroy()

	down, err := newDownloadBuffer(m.dev, prefix+"_Down", size)
	if err != nil {
		return fail("stage", err)
	}

	// 2. Record copy-in, dispatch, copy-out.
	enc, err := m.dev.CreateCommandEncoder(prefix + "_Enc")
	if err != nil {
		down.Destroy()
		return fail("record", err)
	}
	defer enc.Release()
	enc.CopyBufferToBuffer(upA, m.buffers.InputA, size)
	enc.CopyBufferToBuffer(upB, m.buffers.InputB, size)
	pass := enc.BeginComputePass(prefix + "_Pass")
	m.pipeline.Record(pass, uint32(m.opts.Length))
	pass.End()
	enc.CopyBufferToBuffer(m.buffers.Output, down, size)

	cmd, err := enc.Finish()
	if err != nil {
		down.Destroy()
		return fail("record", err)
	}

	// 3. Submit.
	m.dev.Submit(cmd)
	cmd.Release()
	m.dispatches++

	// 4. Request the mapping; completion is observed in Wait.
	r := &Readback[T]{
		m:       m,
		id:      id,
		buf:     down,
		length:  m.opts.Length,
		size:    size,
		done:    make(chan MapStatus, 1),
		started: time.Now(),
	}
	if err := down.MapReadAsync(func(s MapStatus) { r.done <- s }); err != nil {
		down.Destroy()
		return fail("map", err)
	}
	m.pending = down

	logger.WithFields(logrus.Fields{
		"dispatch": id,
		"elements": m.opts.Length,
		"bytes":    humanize.Bytes(size),
	}).Debug("dispatch submitted")
	return r, nil
}

// Wait blocks until the device signals the download buffer is mapped, then
// copies the result out. ctx and the manager's readback timeout bound the
// host wait only; the submitted work is not cancelled. A manager closed
// while the dispatch is pending fails the wait with ErrClosed.
func (r *Readback[T]) Wait(ctx context.Context) ([]T, error) {
	if r.consumed {
		return nil, ErrReadbackConsumed
	}
	r.consumed = true

	status, err := r.poll(ctx)
	if err != nil {
		r.settle(false)
		return nil, &ReadbackError{DispatchID: r.id, Op: "poll", Err: err}
	}

	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, &ReadbackError{DispatchID: r.id, Op: "poll", Err: ErrClosed}
	}

	switch status {
	case MapSuccess:
	case MapDeviceLost:
		m.settleLocked(r.buf, true)
		return nil, &ReadbackError{DispatchID: r.id, Op: "map", Err: ErrDeviceLost}
	default:
		m.settleLocked(r.buf, false)
		return nil, &ReadbackError{DispatchID: r.id, Op: "map", Err: fmt.Errorf("map status: %s", status)}
	}

	// 5. Copy the mapped bytes out.
	data := r.buf.MappedRange()
	if data == nil || uint64(len(data)) < r.size {
		r.buf.Unmap()
		m.settleLocked(r.buf, false)
		return nil, &ReadbackError{DispatchID: r.id, Op: "range", Err: fmt.Errorf("mapped range has %d bytes, want %d", len(data), r.size)}
	}
	out := make([]T, r.length)
	copy(out, wgpu.FromBytes[T](data[:r.size]))

	// 6. Release the mapping and the download buffer.
	r.buf.Unmap()
	m.settleLocked(r.buf, false)

	logger.WithFields(logrus.Fields{
		"dispatch": r.id,
		"elapsed":  time.Since(r.started),
	}).Debug("readback complete")
	return out, nil
}

func (r *Readback[T]) poll(ctx context.Context) (MapStatus, error) {
	m := r.m
	timeout := time.NewTimer(m.opts.ReadbackTimeout)
	defer timeout.Stop()

	for {
		if m.isClosed() {
			return 0, ErrClosed
		}
		m.dev.Poll(false)
		select {
		case s := <-r.done:
			return s, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-timeout.C:
			return 0, fmt.Errorf("%w after %s", errReadbackTimeout, m.opts.ReadbackTimeout)
		default:
			time.Sleep(m.opts.PollInterval)
		}
	}
}

// settle hands the download buffer back to the manager.
func (r *Readback[T]) settle(lost bool) {
	m := r.m
	m.mu.Lock()
	m.settleLocked(r.buf, lost)
	m.mu.Unlock()
}

// settleLocked destroys buf if it is still the pending download buffer and
// frees the manager for the next dispatch. Close may already have reclaimed
// it.
func (m *PipelineManager[T]) settleLocked(buf Buffer, lost bool) {
	if lost {
		m.lost = true
	}
	if m.pending == nil || m.pending != buf {
		return
	}
	buf.Destroy()
	m.pending = nil
}
