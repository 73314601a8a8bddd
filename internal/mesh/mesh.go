// Package mesh groups a fixed set of devices and provides the collective
// operations a decode step needs: broadcast, gather and reduction.
// Mesh operations never mutate device state beyond the buffers they return.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/meshdecode/internal/device"
	"github.com/samcharles93/meshdecode/internal/tensor"
)

// ErrUnsupportedTopology is returned for device counts other than 4 or 8.
var ErrUnsupportedTopology = errors.New("unsupported mesh topology")

// Sizes lists the accepted mesh sizes.
var Sizes = []int{4, 8}

// Mesh is an ordered set of devices. Index i in every per-device slice
// refers to Device(i).
type Mesh struct {
	devices []device.Device
}

// New validates the device set.
func New(devices []device.Device) (*Mesh, error) {
	if !slices.Contains(Sizes, len(devices)) {
		return nil, fmt.Errorf("%w: %d devices (supported: %v)", ErrUnsupportedTopology, len(devices), Sizes)
	}
	seen := make(map[int]bool, len(devices))
	for _, d := range devices {
		if d == nil {
			return nil, fmt.Errorf("%w: nil device", ErrUnsupportedTopology)
		}
		if seen[d.ID()] {
			return nil, fmt.Errorf("%w: duplicate device id %d", ErrUnsupportedTopology, d.ID())
		}
		seen[d.ID()] = true
	}
	return &Mesh{devices: slices.Clone(devices)}, nil
}

// Size returns the number of devices.
func (m *Mesh) Size() int { return len(m.devices) }

// Device returns the device at mesh index i.
func (m *Mesh) Device(i int) device.Device { return m.devices[i] }

// Devices returns the devices in mesh order.
func (m *Mesh) Devices() []device.Device { return slices.Clone(m.devices) }

// Close closes every device.
func (m *Mesh) Close() error { return device.CloseAll(m.devices) }

// Run calls fn once per device concurrently and waits for all of them. The
// first error cancels the context passed to the others.
func (m *Mesh) Run(ctx context.Context, fn func(ctx context.Context, i int, d device.Device) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range m.devices {
		g.Go(func() error {
			return fn(gctx, i, d)
		})
	}
	return g.Wait()
}

// Broadcast places an identical copy of host on every device.
func (m *Mesh) Broadcast(ctx context.Context, host *tensor.Tensor, layout tensor.Layout) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, len(m.devices))
	err := m.Run(ctx, func(ctx context.Context, i int, d device.Device) error {
		t, err := d.Upload(ctx, host, layout)
		if err != nil {
			return fmt.Errorf("broadcast to %s: %w", d.Name(), err)
		}
		out[i] = t
		return nil
	})
	if err != nil {
		m.Free(out)
		return nil, err
	}
	return out, nil
}

// Scatter places parts[i] on Device(i).
func (m *Mesh) Scatter(ctx context.Context, parts []*tensor.Tensor, layout tensor.Layout) ([]*tensor.Tensor, error) {
	if len(parts) != len(m.devices) {
		return nil, fmt.Errorf("scatter: %d parts for %d devices", len(parts), len(m.devices))
	}
	out := make([]*tensor.Tensor, len(parts))
	err := m.Run(ctx, func(ctx context.Context, i int, d device.Device) error {
		t, err := d.Upload(ctx, parts[i], layout)
		if err != nil {
			return fmt.Errorf("scatter to %s: %w", d.Name(), err)
		}
		out[i] = t
		return nil
	})
	if err != nil {
		m.Free(out)
		return nil, err
	}
	return out, nil
}

// Free returns every non-nil part to the device at its mesh index.
func (m *Mesh) Free(parts []*tensor.Tensor) {
	for i, t := range parts {
		if t != nil && i < len(m.devices) {
			m.devices[i].Free(t)
		}
	}
}

// Gather concatenates per-device parts along axis into a host tensor.
func (m *Mesh) Gather(parts []*tensor.Tensor, axis int) (*tensor.Tensor, error) {
	if err := m.checkParts(parts); err != nil {
		return nil, fmt.Errorf("gather: %w", err)
	}
	out, err := tensor.Concat(axis, parts...)
	if err != nil {
		return nil, fmt.Errorf("gather: %w", err)
	}
	out.Device = tensor.Host
	out.Layout = tensor.RowMajor
	return out, nil
}

// ReduceSum adds per-device partials into a host tensor.
func (m *Mesh) ReduceSum(parts []*tensor.Tensor) (*tensor.Tensor, error) {
	if err := m.checkParts(parts); err != nil {
		return nil, fmt.Errorf("reduce: %w", err)
	}
	out := parts[0].Clone()
	for i, p := range parts[1:] {
		if !tensor.SameShape(out, p) {
			return nil, fmt.Errorf("reduce: part %d shape %v, want %v", i+1, p.Shape, out.Shape)
		}
		tensor.Add(out.Data, p.Data)
	}
	out.DType.Round(out.Data)
	out.Device = tensor.Host
	out.Layout = tensor.RowMajor
	return out, nil
}

// AllReduce sums the partials and places the sum on every device. The host
// sum is returned alongside the replicas.
func (m *Mesh) AllReduce(ctx context.Context, parts []*tensor.Tensor) ([]*tensor.Tensor, *tensor.Tensor, error) {
	sum, err := m.ReduceSum(parts)
	if err != nil {
		return nil, nil, err
	}
	replicas, err := m.Broadcast(ctx, sum, tensor.RowMajor)
	if err != nil {
		return nil, nil, err
	}
	return replicas, sum, nil
}

func (m *Mesh) checkParts(parts []*tensor.Tensor) error {
	if len(parts) != len(m.devices) {
		return fmt.Errorf("%d parts for %d devices", len(parts), len(m.devices))
	}
	for i, p := range parts {
		if p == nil {
			return fmt.Errorf("part %d is nil", i)
		}
		if p.DType != parts[0].DType {
			return fmt.Errorf("part %d is %v, part 0 is %v", i, p.DType, parts[0].DType)
		}
	}
	return nil
}
