// Package rope precomputes rotary position matrices.
//
// For position p the matrix R(p) rotates each adjacent pair (2i, 2i+1) of a
// head vector by p*w_i, w_i = theta^(-2i/headDim), and is applied on the
// right: x @ R(p). The matrices satisfy R(p) @ R(q) = R(p+q).
package rope

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/meshdecode/internal/config"
	"github.com/samcharles93/meshdecode/internal/mesh"
	"github.com/samcharles93/meshdecode/internal/tensor"
)

// DefaultTheta is the rotary base used by the Mixtral family.
const DefaultTheta = 1_000_000.0

// ErrPositionOutOfRange is returned for positions outside the built range.
var ErrPositionOutOfRange = errors.New("rotary position out of range")

// Set holds one host matrix per position.
type Set struct {
	headDim  int
	theta    float64
	matrices []*tensor.Tensor
}

// Build computes R(p) for every p in [0, maxPositions).
func Build(headDim, maxPositions int, theta float64) (*Set, error) {
	if headDim <= 0 || headDim%2 != 0 {
		return nil, fmt.Errorf("rope: head dim must be positive and even, got %d", headDim)
	}
	if maxPositions <= 0 {
		return nil, fmt.Errorf("rope: max positions must be positive, got %d", maxPositions)
	}
	if theta <= 0 {
		theta = DefaultTheta
	}

	half := headDim / 2
	freqs := make([]float64, half)
	for i := range freqs {
		freqs[i] = math.Pow(theta, -2*float64(i)/float64(headDim))
	}

	s := &Set{headDim: headDim, theta: theta, matrices: make([]*tensor.Tensor, maxPositions)}
	for p := range s.matrices {
		r := tensor.New(tensor.F32, headDim, headDim)
		for i, w := range freqs {
			sin, cos := math.Sincos(float64(p) * w)
			a, b := 2*i, 2*i+1
			// r is the transpose of the pairwise rotation
			r.Data[a*headDim+a] = float32(cos)
			r.Data[b*headDim+b] = float32(cos)
			r.Data[a*headDim+b] = float32(sin)
			r.Data[b*headDim+a] = float32(-sin)
		}
		s.matrices[p] = r
	}
	return s, nil
}

// ForModel builds the set for cfg, covering twice the maximum sequence length.
func ForModel(cfg config.Config) (*Set, error) {
	return Build(cfg.HeadDim, 2*cfg.MaxSeqLen, cfg.RopeTheta)
}

func (s *Set) HeadDim() int { return s.headDim }

func (s *Set) Theta() float64 { return s.theta }

// MaxPositions returns the number of positions the set covers.
func (s *Set) MaxPositions() int { return len(s.matrices) }

// At returns R(pos). The tensor is shared and must not be modified.
func (s *Set) At(pos int) (*tensor.Tensor, error) {
	if pos < 0 || pos >= len(s.matrices) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrPositionOutOfRange, pos, len(s.matrices))
	}
	return s.matrices[pos], nil
}

// Replicated holds a device copy of every matrix on every mesh device.
type Replicated struct {
	mesh   *mesh.Mesh
	set    *Set
	perDev [][]*tensor.Tensor
}

// Replicate broadcasts every matrix of set to the devices of m. On error the
// copies already placed are freed.
func Replicate(ctx context.Context, m *mesh.Mesh, set *Set) (*Replicated, error) {
	r := &Replicated{mesh: m, set: set, perDev: make([][]*tensor.Tensor, m.Size())}
	for i := range r.perDev {
		r.perDev[i] = make([]*tensor.Tensor, 0, len(set.matrices))
	}
	for p, host := range set.matrices {
		copies, err := m.Broadcast(ctx, host, tensor.Tile)
		if err != nil {
			r.Release()
			return nil, fmt.Errorf("replicate rotary position %d: %w", p, err)
		}
		for i, t := range copies {
			r.perDev[i] = append(r.perDev[i], t)
		}
	}
	return r, nil
}

// Release frees every device copy.
func (r *Replicated) Release() {
	for i, mats := range r.perDev {
		for _, t := range mats {
			r.mesh.Device(i).Free(t)
		}
	}
	r.perDev = make([][]*tensor.Tensor, len(r.perDev))
}

// Set returns the host master.
func (r *Replicated) Set() *Set { return r.set }

// At returns the copy of R(pos) resident on mesh device dev.
func (r *Replicated) At(dev, pos int) (*tensor.Tensor, error) {
	if dev < 0 || dev >= len(r.perDev) {
		return nil, fmt.Errorf("rope: device %d not in mesh of %d", dev, len(r.perDev))
	}
	if pos < 0 || pos >= len(r.perDev[dev]) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrPositionOutOfRange, pos, len(r.perDev[dev]))
	}
	return r.perDev[dev][pos], nil
}
