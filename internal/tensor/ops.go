package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Gemm computes c = alpha * op(a) * op(b) + beta * c on row-major float32
// matrices. a is m x k after op, b is k x n after op.
func Gemm(transA, transB bool, m, n, k int, alpha float32, a []float32, b []float32, beta float32, c []float32) {
	if m == 0 || n == 0 {
		return
	}
	ta, tb := blas.NoTrans, blas.NoTrans
	ga := blas32.General{Rows: m, Cols: k, Stride: k, Data: a}
	if transA {
		ta = blas.Trans
		ga = blas32.General{Rows: k, Cols: m, Stride: m, Data: a}
	}
	gb := blas32.General{Rows: k, Cols: n, Stride: n, Data: b}
	if transB {
		tb = blas.Trans
		gb = blas32.General{Rows: n, Cols: k, Stride: k, Data: b}
	}
	gc := blas32.General{Rows: m, Cols: n, Stride: n, Data: c}
	if k == 0 {
		for i := range c[:m*n] {
			c[i] *= beta
		}
		return
	}
	blas32.Gemm(ta, tb, alpha, ga, gb, beta, gc)
}

func outShape(x *Tensor, last int) []int {
	s := x.Shape()
	if len(s) == 0 {
		return []int{last}
	}
	s[len(s)-1] = last
	return s
}

// MatMul computes x[..., k] @ w[k, n]. The result has x's dtype.
func MatMul(x, w *Tensor) (*Tensor, error) {
	if w.Rank() != 2 {
		return nil, fmt.Errorf("MatMul: weight must be 2-D, got %v", w.Shape())
	}
	m, k := x.Rows()
	if w.Dim(0) != k {
		return nil, ShapeError{Op: "MatMul", Want: []int{k, w.Dim(1)}, Got: w.Shape()}
	}
	n := w.Dim(1)
	out := make([]float32, m*n)
	Gemm(false, false, m, n, k, 1, x.Floats(), w.Floats(), 0, out)
	return FromFloat32(out, outShape(x, n)...).To(x.DType()), nil
}

// MatMulT computes x[..., k] @ w[n, k]^T, the nn.Linear convention.
func MatMulT(x, w *Tensor) (*Tensor, error) {
	if w.Rank() != 2 {
		return nil, fmt.Errorf("MatMulT: weight must be 2-D, got %v", w.Shape())
	}
	m, k := x.Rows()
	if w.Dim(1) != k {
		return nil, ShapeError{Op: "MatMulT", Want: []int{w.Dim(0), k}, Got: w.Shape()}
	}
	n := w.Dim(0)
	out := make([]float32, m*n)
	Gemm(false, true, m, n, k, 1, x.Floats(), w.Floats(), 0, out)
	return FromFloat32(out, outShape(x, n)...).To(x.DType()), nil
}

// OuterT computes g[..., n]^T @ x[..., k] summed over every leading row:
// the weight gradient of MatMulT, shape [n, k].
func OuterT(g, x *Tensor) (*Tensor, error) {
	m, n := g.Rows()
	mx, k := x.Rows()
	if m != mx {
		return nil, ShapeError{Op: "OuterT", Want: []int{m, k}, Got: x.Shape()}
	}
	out := make([]float32, n*k)
	Gemm(true, false, n, k, m, 1, g.Floats(), x.Floats(), 0, out)
	return FromFloat32(out, n, k), nil
}

func elementwise(op string, a, b *Tensor, f func(x, y float32) float32) (*Tensor, error) {
	if a.NumElements() != b.NumElements() {
		return nil, ShapeError{Op: op, Want: a.Shape(), Got: b.Shape()}
	}
	av, bv := a.Floats(), b.Floats()
	out := make([]float32, len(av))
	for i := range av {
		out[i] = f(av[i], bv[i])
	}
	return FromFloat32(out, a.shape...).To(a.DType()), nil
}

func Add(a, b *Tensor) (*Tensor, error) {
	return elementwise("Add", a, b, func(x, y float32) float32 { return x + y })
}

func Sub(a, b *Tensor) (*Tensor, error) {
	return elementwise("Sub", a, b, func(x, y float32) float32 { return x - y })
}

func Mul(a, b *Tensor) (*Tensor, error) {
	return elementwise("Mul", a, b, func(x, y float32) float32 { return x * y })
}

// AddRow broadcasts v[n] over every row of x[..., n].
func AddRow(x, v *Tensor) (*Tensor, error) {
	m, n := x.Rows()
	if v.NumElements() != n {
		return nil, ShapeError{Op: "AddRow", Want: []int{n}, Got: v.Shape()}
	}
	xv, vv := x.Floats(), v.Floats()
	out := make([]float32, m*n)
	for i := 0; i < m; i++ {
		row := out[i*n : (i+1)*n]
		src := xv[i*n : (i+1)*n]
		for j := range row {
			row[j] = src[j] + vv[j]
		}
	}
	return FromFloat32(out, x.shape...).To(x.DType()), nil
}

// SumRows reduces x[..., n] to [n].
func SumRows(x *Tensor) *Tensor {
	m, n := x.Rows()
	xv := x.Floats()
	out := make([]float32, n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out[j] += xv[i*n+j]
		}
	}
	return FromFloat32(out, n)
}

// Map applies f elementwise, keeping x's dtype.
func Map(x *Tensor, f func(float32) float32) *Tensor {
	xv := x.Floats()
	out := make([]float32, len(xv))
	for i, v := range xv {
		out[i] = f(v)
	}
	return FromFloat32(out, x.shape...).To(x.DType())
}

func Scale(x *Tensor, s float32) *Tensor {
	return Map(x, func(v float32) float32 { return v * s })
}

func Sum(x *Tensor) float64 {
	var s float64
	for _, v := range x.Floats() {
		s += float64(v)
	}
	return s
}

func Full(dtype DType, v float32, shape ...int) *Tensor {
	out := make([]float32, numel(shape))
	for i := range out {
		out[i] = v
	}
	return FromFloat32(out, shape...).To(dtype)
}

// Transpose2D returns a copy of the [r, c] tensor laid out as [c, r].
func Transpose2D(x *Tensor) *Tensor {
	if x.Rank() != 2 {
		panic(fmt.Sprintf("tensor: Transpose2D on %v", x.Shape()))
	}
	r, c := x.Dim(0), x.Dim(1)
	xv := x.Floats()
	out := make([]float32, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out[j*r+i] = xv[i*c+j]
		}
	}
	return FromFloat32(out, c, r).To(x.DType())
}

// AllClose reports whether |a-b| <= atol + rtol*|b| elementwise.
func AllClose(a, b *Tensor, rtol, atol float64) bool {
	if a.NumElements() != b.NumElements() {
		return false
	}
	av, bv := a.Floats(), b.Floats()
	for i := range av {
		d := math.Abs(float64(av[i]) - float64(bv[i]))
		if d > atol+rtol*math.Abs(float64(bv[i])) {
			return false
		}
	}
	return true
}

// MaxAbsDiff is the largest elementwise difference.
func MaxAbsDiff(a, b *Tensor) float64 {
	av, bv := a.Floats(), b.Floats()
	var m float64
	for i := range av {
		if d := math.Abs(float64(av[i]) - float64(bv[i])); d > m {
			m = d
		}
	}
	return m
}
