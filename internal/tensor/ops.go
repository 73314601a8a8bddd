package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Mul multiplies dst by src element-wise.
func Mul(dst, src []float32) {
	for i := range dst {
		dst[i] *= src[i]
	}
}

// Scale multiplies every element of x by s.
func Scale(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// RMSNorm performs Root Mean Square Normalization.
func RMSNorm(dst, src, weight []float32, eps float32) {
	var sum float32
	for _, v := range src {
		sum += v * v
	}
	mean := sum / float32(len(src))
	scale := float32(1.0) / float32(math.Sqrt(float64(mean+eps)))
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
}

// Softmax applies the softmax function to x.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	if math.IsInf(float64(maxv), -1) {
		// fully masked row
		for i := range x {
			x[i] = 0
		}
		return
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Silu computes the Sigmoid Linear Unit (SiLU) activation.
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

// Gelu computes the tanh approximation of GELU.
func Gelu(x float32) float32 {
	const c = 0.7978845608028654 // sqrt(2/pi)
	xf := float64(x)
	return float32(0.5 * xf * (1 + math.Tanh(c*(xf+0.044715*xf*xf*xf))))
}

// MatMul computes a[m,k] @ b[k,n] into a new [m,n] tensor. Leading axes of a
// are flattened into m.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if b.Rank() != 2 {
		return nil, fmt.Errorf("matmul: rhs must be rank 2, got %v", b.Shape)
	}
	k := a.Cols()
	if k != b.Shape[0] {
		return nil, fmt.Errorf("%w: matmul %v @ %v", errShapeMismatch, a.Shape, b.Shape)
	}
	m, n := a.Rows(), b.Shape[1]
	outShape := append(append([]int(nil), a.Shape[:max(a.Rank()-1, 0)]...), n)
	if a.Rank() == 0 {
		outShape = []int{n}
	}
	out := New(a.DType, outShape...)
	if m == 0 || n == 0 || k == 0 {
		return out, nil
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a.Data},
		blas32.General{Rows: k, Cols: n, Stride: n, Data: b.Data},
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: out.Data},
	)
	return out, nil
}
