// Package pooling reduces a hidden-state tensor to one vector per input.
package pooling

import (
	"github.com/viterin/vek/vek32"

	"github.com/xiy/lmembed/internal/errs"
	"github.com/xiy/lmembed/internal/tensor"
)

// Mean averages the per-token hidden vectors along the sequence axis and drops
// the batch axis, giving a vector of the hidden size. Sums are accumulated in
// float32 and the result is rounded to the input dtype.
func Mean(h *tensor.Hidden) (tensor.Vector, error) {
	const op = "pooling.mean"
	if h == nil {
		return tensor.Vector{}, errs.New(errs.KindComputation, op, "nil hidden state")
	}
	if h.Batch() != 1 {
		return tensor.Vector{}, errs.New(errs.KindComputation, op, "batch size %d, want 1", h.Batch())
	}
	seq := h.SeqLen()
	if seq == 0 {
		return tensor.Vector{}, errs.New(errs.KindComputation, op, "empty sequence")
	}

	acc := vek32.Zeros(h.Dim())
	for t := 0; t < seq; t++ {
		vek32.Add_Inplace(acc, h.Row(0, t))
	}
	dtype := h.DType()
	n := float32(seq)
	for i, v := range acc {
		acc[i] = dtype.Round(v / n)
	}
	v, err := tensor.NewVector(tensor.Shape{1, h.Dim()}, dtype, acc)
	if err != nil {
		return tensor.Vector{}, errs.Wrap(errs.KindComputation, op, err)
	}
	return v.Squeeze(), nil
}
