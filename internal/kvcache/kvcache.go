// Package kvcache keeps the sliding-window key/value state of a session.
//
// Each (layer, device) pair owns fixed-shape device buffers [C, B, Hkv, D]
// for keys and values plus a validity mask [C]. Position p is written to slot
// p mod C, so the buffers never change shape and attention compiles once.
package kvcache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/samcharles93/meshdecode/internal/device"
	"github.com/samcharles93/meshdecode/internal/mesh"
	"github.com/samcharles93/meshdecode/internal/tensor"
)

// ErrPositionNotMonotonic is returned when a write is not exactly one past
// the last written position.
var ErrPositionNotMonotonic = errors.New("kv position not monotonic")

var negInf = float32(math.Inf(-1))

// Shape is the per-shard buffer geometry.
type Shape struct {
	Capacity int
	Batch    int
	KVHeads  int
	HeadDim  int
}

func (s Shape) slot() int { return s.Batch * s.KVHeads * s.HeadDim }

// Entry is one cached position.
type Entry struct {
	Position int
	Key      *tensor.Tensor
	Value    *tensor.Tensor
}

type shard struct {
	mu        sync.Mutex
	dev       device.Device
	k, v      *tensor.Tensor
	mask      *tensor.Tensor
	positions []int
	last      int
}

type shardKey struct{ layer, dev int }

// Cache holds one shard per (layer, mesh device).
type Cache struct {
	shape  Shape
	dtype  tensor.DType
	layers []int
	size   int
	shards map[shardKey]*shard
}

// New allocates empty buffers for every layer on every device of m.
func New(ctx context.Context, m *mesh.Mesh, layers []int, shape Shape, dtype tensor.DType) (*Cache, error) {
	if shape.Capacity <= 0 || shape.Batch <= 0 || shape.KVHeads <= 0 || shape.HeadDim <= 0 {
		return nil, fmt.Errorf("kvcache: invalid shape %+v", shape)
	}
	c := &Cache{
		shape:  shape,
		dtype:  dtype,
		layers: slices.Clone(layers),
		size:   m.Size(),
		shards: make(map[shardKey]*shard, len(layers)*m.Size()),
	}
	var mu sync.Mutex
	err := m.Run(ctx, func(ctx context.Context, i int, d device.Device) error {
		for _, l := range layers {
			s := &shard{dev: d, positions: make([]int, shape.Capacity), last: -1}
			buf := tensor.New(dtype, shape.Capacity, shape.Batch, shape.KVHeads, shape.HeadDim)
			var err error
			if s.k, err = d.Upload(ctx, buf, tensor.RowMajor); err != nil {
				return fmt.Errorf("kvcache: layer %d key buffer: %w", l, err)
			}
			if s.v, err = d.Upload(ctx, buf, tensor.RowMajor); err != nil {
				return fmt.Errorf("kvcache: layer %d value buffer: %w", l, err)
			}
			if s.mask, err = d.Upload(ctx, tensor.New(tensor.F32, shape.Capacity), tensor.RowMajor); err != nil {
				return fmt.Errorf("kvcache: layer %d mask: %w", l, err)
			}
			s.invalidate()
			mu.Lock()
			c.shards[shardKey{l, i}] = s
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		c.Release()
		return nil, err
	}
	return c, nil
}

func (s *shard) invalidate() {
	for i := range s.positions {
		s.positions[i] = -1
		s.mask.Data[i] = negInf
	}
	clear(s.k.Data)
	clear(s.v.Data)
	s.last = -1
}

// Shape returns the buffer geometry.
func (c *Cache) Shape() Shape { return c.shape }

// Capacity returns the window size.
func (c *Cache) Capacity() int { return c.shape.Capacity }

func (c *Cache) get(layer, dev int) (*shard, error) {
	s, ok := c.shards[shardKey{layer, dev}]
	if !ok {
		return nil, fmt.Errorf("kvcache: no shard for layer %d device %d", layer, dev)
	}
	return s, nil
}

// Undo restores the state an Advance overwrote.
type Undo struct {
	s         *shard
	slot      int
	k, v      []float32
	mask      float32
	pos, last int
}

// Rollback restores the slot and cursor. It is a no-op on the zero Undo.
func (u Undo) Rollback() {
	if u.s == nil {
		return
	}
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	n := len(u.k)
	copy(u.s.k.Data[u.slot*n:(u.slot+1)*n], u.k)
	copy(u.s.v.Data[u.slot*n:(u.slot+1)*n], u.v)
	u.s.mask.Data[u.slot] = u.mask
	u.s.positions[u.slot] = u.pos
	u.s.last = u.last
}

// UndoLog collects the undos of one step.
type UndoLog struct {
	mu    sync.Mutex
	undos []Undo
}

// Add records u.
func (l *UndoLog) Add(u Undo) {
	l.mu.Lock()
	l.undos = append(l.undos, u)
	l.mu.Unlock()
}

// Rollback undoes every recorded write, newest first, and empties the log.
func (l *UndoLog) Rollback() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.undos) - 1; i >= 0; i-- {
		l.undos[i].Rollback()
	}
	l.undos = nil
}

// Len returns the number of recorded writes.
func (l *UndoLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.undos)
}

// Advance writes key and value for pos into the shard of (layer, dev). pos
// must be exactly one past the last written position.
func (c *Cache) Advance(layer, dev int, key, value *tensor.Tensor, pos int) (Undo, error) {
	s, err := c.get(layer, dev)
	if err != nil {
		return Undo{}, err
	}
	n := c.shape.slot()
	if key.Numel() != n || value.Numel() != n {
		return Undo{}, fmt.Errorf("kvcache: entry has %d/%d values, want %d", key.Numel(), value.Numel(), n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if pos != s.last+1 {
		return Undo{}, fmt.Errorf("%w: layer %d device %d got %d after %d", ErrPositionNotMonotonic, layer, dev, pos, s.last)
	}
	slot := pos % c.shape.Capacity
	lo, hi := slot*n, (slot+1)*n
	u := Undo{
		s:    s,
		slot: slot,
		k:    slices.Clone(s.k.Data[lo:hi]),
		v:    slices.Clone(s.v.Data[lo:hi]),
		mask: s.mask.Data[slot],
		pos:  s.positions[slot],
		last: s.last,
	}
	copy(s.k.Data[lo:hi], key.Data)
	copy(s.v.Data[lo:hi], value.Data)
	c.dtype.Round(s.k.Data[lo:hi])
	c.dtype.Round(s.v.Data[lo:hi])
	s.mask.Data[slot] = 0
	s.positions[slot] = pos
	s.last = pos
	return u, nil
}

// Last returns the last written position of (layer, dev), or -1.
func (c *Cache) Last(layer, dev int) (int, error) {
	s, err := c.get(layer, dev)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, nil
}

// WindowView returns the valid entries of (layer, dev), oldest first. The
// entries are copies.
func (c *Cache) WindowView(layer, dev int) ([]Entry, error) {
	s, err := c.get(layer, dev)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last < 0 {
		return nil, nil
	}
	count := min(s.last+1, c.shape.Capacity)
	n := c.shape.slot()
	out := make([]Entry, 0, count)
	for p := s.last - count + 1; p <= s.last; p++ {
		slot := p % c.shape.Capacity
		k := tensor.New(c.dtype, c.shape.Batch, c.shape.KVHeads, c.shape.HeadDim)
		v := tensor.New(c.dtype, c.shape.Batch, c.shape.KVHeads, c.shape.HeadDim)
		copy(k.Data, s.k.Data[slot*n:(slot+1)*n])
		copy(v.Data, s.v.Data[slot*n:(slot+1)*n])
		out = append(out, Entry{Position: s.positions[slot], Key: k, Value: v})
	}
	return out, nil
}

// Buffers returns the device-resident key, value and mask buffers of
// (layer, dev). They are read by the attention program and must not be
// modified by the caller.
func (c *Cache) Buffers(layer, dev int) (k, v, mask *tensor.Tensor, err error) {
	s, err := c.get(layer, dev)
	if err != nil {
		return nil, nil, nil, err
	}
	return s.k, s.v, s.mask, nil
}

// Reset invalidates every slot and rewinds every cursor to -1.
func (c *Cache) Reset() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.invalidate()
		s.mu.Unlock()
	}
}

// Release returns the buffers to their devices. The cache must not be used
// afterwards.
func (c *Cache) Release() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.dev.Free(s.k)
		s.dev.Free(s.v)
		s.dev.Free(s.mask)
		s.k, s.v, s.mask = nil, nil, nil
		s.mu.Unlock()
	}
}
