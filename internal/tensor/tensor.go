// Package tensor holds the shape-annotated values that flow between pipeline
// stages: token sequences, hidden-state tensors and pooled vectors.
//
// Storage is always float32. A Float16 tensor only ever stores values that are
// exactly representable in IEEE 754 binary16, so widening it is lossless.
package tensor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/x448/float16"
)

// DType is the numeric format values are held at.
type DType uint8

const (
	Float32 DType = iota
	Float16
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	default:
		return "dtype(" + strconv.Itoa(int(d)) + ")"
	}
}

// Size returns the number of bytes one element occupies.
func (d DType) Size() int {
	if d == Float16 {
		return 2
	}
	return 4
}

// Round returns x as it is stored under d.
func (d DType) Round(x float32) float32 {
	if d == Float16 {
		return float16.Fromfloat32(x).Float32()
	}
	return x
}

// Shape lists axis lengths, outermost first.
type Shape []int

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, n := range s {
		parts[i] = strconv.Itoa(n)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Equal reports whether both shapes have the same axes.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Size returns the element count.
func (s Shape) Size() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// TokenSequence is an ordered list of vocabulary ids.
type TokenSequence []int

// Len returns the number of tokens.
func (t TokenSequence) Len() int { return len(t) }

// Validate rejects negative ids.
func (t TokenSequence) Validate() error {
	for i, id := range t {
		if id < 0 {
			return fmt.Errorf("token %d has negative id %d", i, id)
		}
	}
	return nil
}

// Hidden is a (batch, seq, dim) hidden-state tensor in row-major order.
type Hidden struct {
	shape Shape
	dtype DType
	data  []float32
}

// NewHidden allocates a zeroed hidden-state tensor.
func NewHidden(batch, seq, dim int, dtype DType) (*Hidden, error) {
	if batch <= 0 || seq <= 0 || dim <= 0 {
		return nil, fmt.Errorf("invalid hidden shape %s", Shape{batch, seq, dim})
	}
	return &Hidden{
		shape: Shape{batch, seq, dim},
		dtype: dtype,
		data:  make([]float32, batch*seq*dim),
	}, nil
}

// HiddenFromRows builds a batch-of-one tensor from per-token rows, rounding
// every value to dtype.
func HiddenFromRows(rows [][]float32, dtype DType) (*Hidden, error) {
	if len(rows) == 0 {
		return nil, errors.New("no hidden rows")
	}
	dim := len(rows[0])
	h, err := NewHidden(1, len(rows), dim, dtype)
	if err != nil {
		return nil, err
	}
	for t, row := range rows {
		if err := h.SetRow(0, t, row); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Shape returns a copy of the tensor's shape.
func (h *Hidden) Shape() Shape { return append(Shape(nil), h.shape...) }

// DType returns the element format.
func (h *Hidden) DType() DType { return h.dtype }

func (h *Hidden) Batch() int  { return h.shape[0] }
func (h *Hidden) SeqLen() int { return h.shape[1] }
func (h *Hidden) Dim() int    { return h.shape[2] }

// Row returns the hidden vector of token t in batch b. The slice aliases the
// tensor and must not be modified.
func (h *Hidden) Row(b, t int) []float32 {
	off := (b*h.shape[1] + t) * h.shape[2]
	return h.data[off : off+h.shape[2]]
}

// SetRow copies row into position (b, t), rounding to the tensor's dtype.
func (h *Hidden) SetRow(b, t int, row []float32) error {
	if b < 0 || b >= h.shape[0] || t < 0 || t >= h.shape[1] {
		return fmt.Errorf("row (%d, %d) outside shape %s", b, t, h.shape)
	}
	if len(row) != h.shape[2] {
		return fmt.Errorf("row %d has %d values, want %d", t, len(row), h.shape[2])
	}
	dst := h.Row(b, t)
	for i, v := range row {
		dst[i] = h.dtype.Round(v)
	}
	return nil
}

// Cast returns a copy of h held at dtype.
func (h *Hidden) Cast(dtype DType) *Hidden {
	out := &Hidden{shape: h.Shape(), dtype: dtype, data: make([]float32, len(h.data))}
	for i, v := range h.data {
		out.data[i] = dtype.Round(v)
	}
	return out
}

// Bytes returns the storage footprint at the tensor's dtype.
func (h *Hidden) Bytes() int64 { return HiddenBytes(h.shape[0]*h.shape[1], h.shape[2], h.dtype) }

// HiddenBytes returns the footprint of a seq x dim activation at dtype.
func HiddenBytes(seq, dim int, dtype DType) int64 {
	return int64(seq) * int64(dim) * int64(dtype.Size())
}

// Vector is a pooled embedding, possibly still carrying singleton axes.
type Vector struct {
	shape Shape
	dtype DType
	data  []float32
}

// NewVector wraps data with shape. The shape must account for every value.
func NewVector(shape Shape, dtype DType, data []float32) (Vector, error) {
	if len(shape) == 0 {
		return Vector{}, errors.New("vector needs at least one axis")
	}
	if shape.Size() != len(data) {
		return Vector{}, fmt.Errorf("shape %s holds %d values, got %d", shape, shape.Size(), len(data))
	}
	return Vector{shape: append(Shape(nil), shape...), dtype: dtype, data: data}, nil
}

// Shape returns a copy of the vector's shape.
func (v Vector) Shape() Shape { return append(Shape(nil), v.shape...) }

// DType returns the element format.
func (v Vector) DType() DType { return v.dtype }

// Len returns the element count.
func (v Vector) Len() int { return len(v.data) }

// At returns element i in storage order.
func (v Vector) At(i int) float32 { return v.data[i] }

// Squeeze drops singleton axes, keeping at least one axis.
func (v Vector) Squeeze() Vector {
	shape := make(Shape, 0, len(v.shape))
	for _, d := range v.shape {
		if d != 1 {
			shape = append(shape, d)
		}
	}
	if len(shape) == 0 {
		shape = Shape{len(v.data)}
	}
	return Vector{shape: shape, dtype: v.dtype, data: v.data}
}

// Float32s returns a copy of the stored values.
func (v Vector) Float32s() []float32 { return append([]float32(nil), v.data...) }
