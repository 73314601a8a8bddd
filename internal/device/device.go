// Package device provides the accelerator handles a mesh is built from.
//
// The only backend is an emulated accelerator: each device owns a goroutine
// that executes submitted programs in order, accounts for the memory placed
// on it and can be told to fail transiently. Programs are compiled by the
// host compiler in this package and executed with the host kernels.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/meshdecode/internal/ops"
	"github.com/samcharles93/meshdecode/internal/program"
	"github.com/samcharles93/meshdecode/internal/tensor"
)

var (
	// ErrDeviceUnavailable is returned when a device is closed or keeps
	// failing after its retry budget.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrOutOfMemory is returned when an upload exceeds the device budget.
	ErrOutOfMemory = errors.New("device out of memory")
	// ErrWrongDevice is returned when a program input lives elsewhere.
	ErrWrongDevice = errors.New("input resident on another device")

	errTransient = errors.New("transient device fault")
)

// Device is one accelerator in a mesh.
type Device interface {
	ID() int
	Name() string
	// Upload copies t into device memory, rounded to its dtype and tagged
	// with layout.
	Upload(ctx context.Context, t *tensor.Tensor, layout tensor.Layout) (*tensor.Tensor, error)
	// Free returns the memory held by a tensor previously uploaded here.
	Free(t *tensor.Tensor)
	// Execute runs p on inputs resident on this device. The result is
	// rounded to the program dtype and stays on the device.
	Execute(ctx context.Context, p *program.Program, in []*tensor.Tensor, attrs ops.Attrs) (*tensor.Tensor, error)
	Close() error
}

const (
	Emulated = "emulated"
	Auto     = "auto"
)

// Normalize resolves a backend name.
func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case Emulated, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto or emulated)", backend)
	}
}

// Open returns n devices of the named backend with IDs 0..n-1.
func Open(backend string, n int, opts ...Option) ([]Device, error) {
	b, err := Normalize(backend)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, fmt.Errorf("open %s: need at least one device, got %d", b, n)
	}
	devs := make([]Device, n)
	for i := range devs {
		devs[i] = NewEmulated(i, opts...)
	}
	return devs, nil
}

// CloseAll closes every device and joins their errors.
func CloseAll(devs []Device) error {
	var errs []error
	for _, d := range devs {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", d.Name(), err))
		}
	}
	return errors.Join(errs...)
}
