package tensor

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
)

// Host marks a tensor that is not resident on any device.
const Host = -1

var (
	errNegativeDim   = errors.New("negative dimension")
	errShapeMismatch = errors.New("shape mismatch")
)

// Tensor is a dense row-major array of float32 values.
//
// Values are always held as float32; DType records the precision the values
// were rounded to when the tensor was placed, so an F16 tensor only ever holds
// values representable in half precision. Layout is a placement tag carried
// into program keys and does not change how Data is indexed.
type Tensor struct {
	Shape  []int
	DType  DType
	Layout Layout
	// Device is the mesh index owning the buffer, or Host.
	Device int
	Data   []float32
}

// New allocates a zeroed host tensor of the given shape.
func New(dtype DType, shape ...int) *Tensor {
	n, err := numel(shape)
	if err != nil {
		panic(err)
	}
	return &Tensor{
		Shape:  slices.Clone(shape),
		DType:  dtype,
		Layout: RowMajor,
		Device: Host,
		Data:   make([]float32, n),
	}
}

// FromSlice wraps data as an F32 host tensor. The slice is not copied.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	n, err := numel(shape)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: shape %v needs %d values, got %d", errShapeMismatch, shape, n, len(data))
	}
	return &Tensor{
		Shape:  slices.Clone(shape),
		DType:  F32,
		Layout: RowMajor,
		Device: Host,
		Data:   data,
	}, nil
}

// MustFromSlice is FromSlice for statically known shapes.
func MustFromSlice(data []float32, shape ...int) *Tensor {
	t, err := FromSlice(data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// Rand fills a new F32 host tensor with uniform values in [-scale, scale).
func Rand(rng *rand.Rand, scale float32, shape ...int) *Tensor {
	t := New(F32, shape...)
	for i := range t.Data {
		t.Data[i] = (rng.Float32()*2 - 1) * scale
	}
	return t
}

func numel(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w in %v", errNegativeDim, shape)
		}
		n *= d
	}
	return n, nil
}

// Numel returns the number of elements.
func (t *Tensor) Numel() int {
	return len(t.Data)
}

// Rank returns the number of axes.
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// Dim returns the size of axis i; negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

// Rows treats the tensor as a matrix whose column count is the last axis.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 1
	}
	last := t.Shape[len(t.Shape)-1]
	if last == 0 {
		return 0
	}
	return len(t.Data) / last
}

// Cols returns the size of the last axis.
func (t *Tensor) Cols() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[len(t.Shape)-1]
}

// Row returns row i of the matrix view. The slice aliases Data.
func (t *Tensor) Row(i int) []float32 {
	c := t.Cols()
	return t.Data[i*c : (i+1)*c]
}

// Clone returns a deep copy, keeping dtype, layout and placement.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape:  slices.Clone(t.Shape),
		DType:  t.DType,
		Layout: t.Layout,
		Device: t.Device,
		Data:   slices.Clone(t.Data),
	}
}

// Reshape returns a view sharing Data with a new shape.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	n, err := numel(shape)
	if err != nil {
		return nil, err
	}
	if n != len(t.Data) {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", errShapeMismatch, t.Shape, shape)
	}
	return &Tensor{
		Shape:  slices.Clone(shape),
		DType:  t.DType,
		Layout: t.Layout,
		Device: t.Device,
		Data:   t.Data,
	}, nil
}

// Transpose2D returns a new tensor holding the transpose of a rank-2 tensor.
func (t *Tensor) Transpose2D() (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("transpose: want rank 2, got shape %v", t.Shape)
	}
	r, c := t.Shape[0], t.Shape[1]
	out := New(t.DType, c, r)
	out.Layout = t.Layout
	out.Device = t.Device
	for i := 0; i < r; i++ {
		row := t.Data[i*c : (i+1)*c]
		for j, v := range row {
			out.Data[j*r+i] = v
		}
	}
	return out, nil
}

// SliceCols copies columns [lo, hi) of a rank-2 tensor.
func (t *Tensor) SliceCols(lo, hi int) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("slice cols: want rank 2, got shape %v", t.Shape)
	}
	r, c := t.Shape[0], t.Shape[1]
	if lo < 0 || hi > c || lo > hi {
		return nil, fmt.Errorf("slice cols: range [%d,%d) outside %d columns", lo, hi, c)
	}
	w := hi - lo
	out := New(t.DType, r, w)
	out.Layout = t.Layout
	out.Device = t.Device
	for i := 0; i < r; i++ {
		copy(out.Data[i*w:(i+1)*w], t.Data[i*c+lo:i*c+hi])
	}
	return out, nil
}

// SliceRows copies rows [lo, hi) of a rank-2 tensor.
func (t *Tensor) SliceRows(lo, hi int) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("slice rows: want rank 2, got shape %v", t.Shape)
	}
	r, c := t.Shape[0], t.Shape[1]
	if lo < 0 || hi > r || lo > hi {
		return nil, fmt.Errorf("slice rows: range [%d,%d) outside %d rows", lo, hi, r)
	}
	out := New(t.DType, hi-lo, c)
	out.Layout = t.Layout
	out.Device = t.Device
	copy(out.Data, t.Data[lo*c:hi*c])
	return out, nil
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	return slices.Equal(a.Shape, b.Shape)
}

// Concat joins tensors along axis. All other axes must match.
func Concat(axis int, parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("concat: no tensors")
	}
	first := parts[0]
	rank := len(first.Shape)
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return nil, fmt.Errorf("concat: axis %d out of range for rank %d", axis, rank)
	}
	total := 0
	for i, p := range parts {
		if len(p.Shape) != rank {
			return nil, fmt.Errorf("%w: part %d has rank %d, want %d", errShapeMismatch, i, len(p.Shape), rank)
		}
		for a := 0; a < rank; a++ {
			if a != axis && p.Shape[a] != first.Shape[a] {
				return nil, fmt.Errorf("%w: part %d shape %v vs %v off axis %d", errShapeMismatch, i, p.Shape, first.Shape, axis)
			}
		}
		total += p.Shape[axis]
	}

	outShape := slices.Clone(first.Shape)
	outShape[axis] = total
	out := New(first.DType, outShape...)
	out.Layout = first.Layout

	outer := 1
	for a := 0; a < axis; a++ {
		outer *= first.Shape[a]
	}
	inner := 1
	for a := axis + 1; a < rank; a++ {
		inner *= first.Shape[a]
	}
	offset := 0
	for o := 0; o < outer; o++ {
		for _, p := range parts {
			chunk := p.Shape[axis] * inner
			copy(out.Data[offset:offset+chunk], p.Data[o*chunk:(o+1)*chunk])
			offset += chunk
		}
	}
	return out, nil
}
