package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/samcharles93/meshdecode/internal/logger"
	"github.com/samcharles93/meshdecode/internal/ops"
	"github.com/samcharles93/meshdecode/internal/program"
	"github.com/samcharles93/meshdecode/internal/tensor"
)

const defaultRetries = 3

// Option configures an emulated device.
type Option func(*EmulatedDevice)

// WithRetries sets how many times a transient fault is retried.
func WithRetries(n int) Option {
	return func(d *EmulatedDevice) { d.retries = n }
}

// WithMemory bounds the bytes that may be resident at once. Zero is
// unbounded.
func WithMemory(bytes int64) Option {
	return func(d *EmulatedDevice) { d.memLimit = bytes }
}

// WithLogger sets the device logger.
func WithLogger(l logger.Logger) Option {
	return func(d *EmulatedDevice) { d.log = l }
}

type request struct {
	ctx   context.Context
	p     *program.Program
	in    []*tensor.Tensor
	attrs ops.Attrs
	reply chan result
}

type result struct {
	out *tensor.Tensor
	err error
}

// EmulatedDevice executes programs on a dedicated goroutine.
type EmulatedDevice struct {
	id       int
	name     string
	retries  int
	memLimit int64
	log      logger.Logger

	queue     chan request
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	faults   atomic.Int32
	executed atomic.Int64

	mu        sync.Mutex
	allocated int64
}

// NewEmulated starts an emulated device with the given id.
func NewEmulated(id int, opts ...Option) *EmulatedDevice {
	d := &EmulatedDevice{
		id:      id,
		name:    fmt.Sprintf("%s:%d", Emulated, id),
		retries: defaultRetries,
		log:     logger.Discard(),
		queue:   make(chan request),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With("device", d.name)
	go d.loop()
	return d
}

func (d *EmulatedDevice) ID() int { return d.id }

func (d *EmulatedDevice) Name() string { return d.name }

// Allocated returns the bytes currently resident on the device.
func (d *EmulatedDevice) Allocated() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated
}

// Executed returns how many programs ran to completion.
func (d *EmulatedDevice) Executed() int64 { return d.executed.Load() }

// InjectFaults makes the next n execution attempts fail transiently.
func (d *EmulatedDevice) InjectFaults(n int) { d.faults.Add(int32(n)) }

func (d *EmulatedDevice) Upload(ctx context.Context, t *tensor.Tensor, layout tensor.Layout) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.closed.Load() {
		return nil, fmt.Errorf("%w: %s is closed", ErrDeviceUnavailable, d.name)
	}
	size := int64(t.Numel() * t.DType.Size())
	d.mu.Lock()
	if d.memLimit > 0 && d.allocated+size > d.memLimit {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s needs %d bytes, %d of %d in use", ErrOutOfMemory, d.name, size, d.allocated, d.memLimit)
	}
	d.allocated += size
	d.mu.Unlock()

	out := t.Clone()
	out.DType.Round(out.Data)
	out.Layout = layout
	out.Device = d.id
	return out, nil
}

func (d *EmulatedDevice) Free(t *tensor.Tensor) {
	if t == nil || t.Device != d.id {
		return
	}
	size := int64(t.Numel() * t.DType.Size())
	d.mu.Lock()
	d.allocated = max(d.allocated-size, 0)
	d.mu.Unlock()
	t.Device = tensor.Host
}

func (d *EmulatedDevice) Execute(ctx context.Context, p *program.Program, in []*tensor.Tensor, attrs ops.Attrs) (*tensor.Tensor, error) {
	for i, t := range in {
		if t.Device != d.id {
			return nil, fmt.Errorf("%w: %s input %d is on %d, want %d", ErrWrongDevice, p.Signature(), i, t.Device, d.id)
		}
	}
	if d.closed.Load() {
		return nil, fmt.Errorf("%w: %s is closed", ErrDeviceUnavailable, d.name)
	}

	req := request{ctx: ctx, p: p, in: in, attrs: attrs, reply: make(chan result, 1)}
	select {
	case d.queue <- req:
	case <-d.done:
		return nil, fmt.Errorf("%w: %s is closed", ErrDeviceUnavailable, d.name)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.out, res.err
	case <-ctx.Done():
		// the result, if any, is discarded
		return nil, ctx.Err()
	}
}

func (d *EmulatedDevice) loop() {
	for {
		select {
		case <-d.done:
			return
		case req := <-d.queue:
			out, err := d.run(req)
			req.reply <- result{out: out, err: err}
		}
	}
}

func (d *EmulatedDevice) run(req request) (*tensor.Tensor, error) {
	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if err := req.ctx.Err(); err != nil {
			return nil, err
		}
		if d.takeFault() {
			lastErr = errTransient
			d.log.Warn("transient fault", "program", req.p.Signature(), "attempt", attempt+1)
			continue
		}
		out, err := req.p.Run(req.ctx, req.in, req.attrs)
		if err != nil {
			return nil, fmt.Errorf("%s: execute %s: %w", d.name, req.p.Signature(), err)
		}
		out.DType = req.p.Key().DType
		out.DType.Round(out.Data)
		out.Device = d.id
		d.executed.Add(1)
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s: %d attempts of %s: %w", ErrDeviceUnavailable, d.name, d.retries+1, req.p.Signature(), lastErr)
}

func (d *EmulatedDevice) takeFault() bool {
	for {
		n := d.faults.Load()
		if n <= 0 {
			return false
		}
		if d.faults.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (d *EmulatedDevice) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
	})
	return nil
}
