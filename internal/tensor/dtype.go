package tensor

import (
	"fmt"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the compute precision of a tensor.
type DType uint8

const (
	F32 DType = iota
	F16
	BF16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// Size returns the storage size of one element in bytes.
func (d DType) Size() int {
	if d == F32 {
		return 4
	}
	return 2
}

// ParseDType accepts f32, f16 and bf16 in any case.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "float32", "fp32":
		return F32, nil
	case "f16", "float16", "fp16":
		return F16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	default:
		return F32, fmt.Errorf("unknown dtype %q (expected f32, f16 or bf16)", s)
	}
}

// Round rounds values in place to the precision of d.
func (d DType) Round(v []float32) {
	switch d {
	case F16:
		for i, x := range v {
			v[i] = float16.Fromfloat32(x).Float32()
		}
	case BF16:
		copy(v, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(v)))
	}
}

// Convert returns a copy of t rounded to dtype d.
func Convert(t *Tensor, d DType) *Tensor {
	out := t.Clone()
	out.DType = d
	d.Round(out.Data)
	return out
}

// Layout is the memory layout tag of a tensor buffer.
type Layout uint8

const (
	RowMajor Layout = iota
	// Tile is the 32x32 tiled layout used for device-resident matrices.
	Tile
)

func (l Layout) String() string {
	switch l {
	case RowMajor:
		return "row_major"
	case Tile:
		return "tile"
	default:
		return fmt.Sprintf("layout(%d)", uint8(l))
	}
}
