// Package tensor is a small dense host tensor used by the quantized layers,
// the autograd engine and the checkpoint readers. Storage is row-major.
package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

type DType int

const (
	F32 DType = iota
	F16
	I32
)

func (d DType) String() string {
	switch d {
	case F32:
		return "F32"
	case F16:
		return "F16"
	case I32:
		return "I32"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

func (d DType) Size() int {
	if d == F16 {
		return 2
	}
	return 4
}

func (d DType) IsFloat() bool {
	return d == F32 || d == F16
}

// ParseDType accepts safetensors/GGUF style names.
func ParseDType(s string) (DType, error) {
	switch strings.ToUpper(s) {
	case "F32", "FLOAT32":
		return F32, nil
	case "F16", "FLOAT16":
		return F16, nil
	case "I32", "INT32":
		return I32, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", s)
	}
}

type Tensor struct {
	dtype DType
	shape []int

	f32 []float32
	f16 []float16.Float16
	i32 []int32
}

// ShapeError reports an element-count or dimension mismatch.
type ShapeError struct {
	Op   string
	Want []int
	Got  []int
}

func (e ShapeError) Error() string {
	return fmt.Sprintf("%s: shape mismatch: want %v, got %v", e.Op, e.Want, e.Got)
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// New returns a zero-filled tensor.
func New(dtype DType, shape ...int) *Tensor {
	t := &Tensor{dtype: dtype, shape: append([]int(nil), shape...)}
	n := numel(shape)
	switch dtype {
	case F32:
		t.f32 = make([]float32, n)
	case F16:
		t.f16 = make([]float16.Float16, n)
	case I32:
		t.i32 = make([]int32, n)
	default:
		panic(fmt.Sprintf("tensor: unknown dtype %v", dtype))
	}
	return t
}

// FromFloat32 wraps data without copying.
func FromFloat32(data []float32, shape ...int) *Tensor {
	if numel(shape) != len(data) {
		panic(ShapeError{Op: "FromFloat32", Want: shape, Got: []int{len(data)}})
	}
	return &Tensor{dtype: F32, shape: append([]int(nil), shape...), f32: data}
}

// FromFloat16 wraps data without copying.
func FromFloat16(data []float16.Float16, shape ...int) *Tensor {
	if numel(shape) != len(data) {
		panic(ShapeError{Op: "FromFloat16", Want: shape, Got: []int{len(data)}})
	}
	return &Tensor{dtype: F16, shape: append([]int(nil), shape...), f16: data}
}

// FromInt32 wraps data without copying.
func FromInt32(data []int32, shape ...int) *Tensor {
	if numel(shape) != len(data) {
		panic(ShapeError{Op: "FromInt32", Want: shape, Got: []int{len(data)}})
	}
	return &Tensor{dtype: I32, shape: append([]int(nil), shape...), i32: data}
}

// FromBytes decodes little-endian raw storage.
func FromBytes(dtype DType, shape []int, b []byte) (*Tensor, error) {
	n := numel(shape)
	if len(b) != n*dtype.Size() {
		return nil, fmt.Errorf("tensor: %v%v needs %d bytes, got %d", dtype, shape, n*dtype.Size(), len(b))
	}
	t := New(dtype, shape...)
	switch dtype {
	case F32:
		for i := range t.f32 {
			t.f32[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
		}
	case F16:
		for i := range t.f16 {
			t.f16[i] = float16.Frombits(binary.LittleEndian.Uint16(b[i*2:]))
		}
	case I32:
		for i := range t.i32 {
			t.i32[i] = int32(binary.LittleEndian.Uint32(b[i*4:]))
		}
	}
	return t, nil
}

func (t *Tensor) DType() DType { return t.dtype }

func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

func (t *Tensor) Rank() int { return len(t.shape) }

// Dim supports negative indices counted from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

func (t *Tensor) NumElements() int { return numel(t.shape) }

func (t *Tensor) SizeBytes() int { return t.NumElements() * t.dtype.Size() }

// Float32s returns the F32 storage directly, or nil for other dtypes.
func (t *Tensor) Float32s() []float32 { return t.f32 }

// Float16s returns the F16 storage directly, or nil for other dtypes.
func (t *Tensor) Float16s() []float16.Float16 { return t.f16 }

// Int32s returns the I32 storage directly, or nil for other dtypes.
func (t *Tensor) Int32s() []int32 { return t.i32 }

// Floats returns the values widened to float32. For F32 tensors this is the
// backing slice; otherwise a fresh copy.
func (t *Tensor) Floats() []float32 {
	switch t.dtype {
	case F32:
		return t.f32
	case F16:
		out := make([]float32, len(t.f16))
		for i, h := range t.f16 {
			out[i] = h.Float32()
		}
		return out
	default:
		out := make([]float32, len(t.i32))
		for i, v := range t.i32 {
			out[i] = float32(v)
		}
		return out
	}
}

func (t *Tensor) Bytes() []byte {
	b := make([]byte, t.SizeBytes())
	switch t.dtype {
	case F32:
		for i, v := range t.f32 {
			binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
		}
	case F16:
		for i, v := range t.f16 {
			binary.LittleEndian.PutUint16(b[i*2:], v.Bits())
		}
	case I32:
		for i, v := range t.i32 {
			binary.LittleEndian.PutUint32(b[i*4:], uint32(v))
		}
	}
	return b
}

func (t *Tensor) Clone() *Tensor {
	c := &Tensor{dtype: t.dtype, shape: t.Shape()}
	switch t.dtype {
	case F32:
		c.f32 = append([]float32(nil), t.f32...)
	case F16:
		c.f16 = append([]float16.Float16(nil), t.f16...)
	case I32:
		c.i32 = append([]int32(nil), t.i32...)
	}
	return c
}

// To converts between floating-point dtypes. A tensor already in dtype is
// returned as is. Integer tensors never change width; asking for that is a
// programming error.
func (t *Tensor) To(dtype DType) *Tensor {
	if t.dtype == dtype {
		return t
	}
	if !t.dtype.IsFloat() || !dtype.IsFloat() {
		panic(fmt.Sprintf("tensor: cannot convert %v to %v", t.dtype, dtype))
	}
	out := New(dtype, t.shape...)
	if dtype == F16 {
		for i, v := range t.f32 {
			out.f16[i] = float16.Fromfloat32(v)
		}
	} else {
		for i, h := range t.f16 {
			out.f32[i] = h.Float32()
		}
	}
	return out
}

func (t *Tensor) Half() *Tensor { return t.To(F16) }

func (t *Tensor) Float() *Tensor { return t.To(F32) }

// Reshape returns a view with a new shape over the same storage. One
// dimension may be -1.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	shape = append([]int(nil), shape...)
	infer := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				panic("tensor: more than one -1 in reshape")
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 && known > 0 {
		shape[infer] = t.NumElements() / known
	}
	if numel(shape) != t.NumElements() {
		panic(ShapeError{Op: "Reshape", Want: shape, Got: t.shape})
	}
	v := *t
	v.shape = shape
	return &v
}

// CopyFrom assigns src into t in place. Element counts must match;
// floating-point dtypes convert, integer buffers only accept integers.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if src.NumElements() != t.NumElements() {
		return ShapeError{Op: "CopyFrom", Want: t.Shape(), Got: src.Shape()}
	}
	if t.dtype == I32 || src.dtype == I32 {
		if t.dtype != src.dtype {
			return fmt.Errorf("tensor: cannot assign %v into %v buffer", src.dtype, t.dtype)
		}
		copy(t.i32, src.i32)
		return nil
	}
	conv := src.To(t.dtype)
	if t.dtype == F32 {
		copy(t.f32, conv.f32)
	} else {
		copy(t.f16, conv.f16)
	}
	return nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%v%v)", t.dtype, t.shape)
}

// Rows flattens every leading dimension: a [b, s, k] tensor is (b*s, k).
func (t *Tensor) Rows() (rows, cols int) {
	if len(t.shape) == 0 {
		return 1, 1
	}
	cols = t.shape[len(t.shape)-1]
	if cols == 0 {
		return 0, 0
	}
	return t.NumElements() / cols, cols
}
