// Package output turns a pooled vector into host numbers and writes the
// single-line array the CLI prints.
package output

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/chewxy/math32"

	"github.com/xiy/lmembed/internal/errs"
	"github.com/xiy/lmembed/internal/tensor"
	"github.com/xiy/lmembed/pkg/types"
)

// Encode drops singleton axes and widens every element to float64 in a fresh
// slice. Any NaN or infinite element fails the call.
func Encode(v tensor.Vector) (types.Embedding, error) {
	const op = "output.encode"
	v = v.Squeeze()
	if v.Len() == 0 {
		return nil, errs.New(errs.KindComputation, op, "empty vector")
	}
	out := make(types.Embedding, v.Len())
	for i := range out {
		x := v.At(i)
		if math32.IsNaN(x) {
			return nil, errs.New(errs.KindComputation, op, "element %d is NaN", i)
		}
		if math32.IsInf(x, 0) {
			return nil, errs.New(errs.KindComputation, op, "element %d is infinite", i)
		}
		out[i] = float64(x)
	}
	return out, nil
}

// WriteLine writes values as one bracketed, comma-separated line. The line is
// rendered completely before anything reaches w.
func WriteLine(w io.Writer, values types.Embedding) error {
	const op = "output.write"
	payload, err := json.Marshal([]float64(values))
	if err != nil {
		return errs.Wrap(errs.KindSerialization, op, err)
	}
	var buf bytes.Buffer
	buf.Grow(len(payload) + 1)
	buf.Write(payload)
	buf.WriteByte('\n')
	if _, err := w.Write(buf.Bytes()); err != nil {
		return errs.Wrap(errs.KindSerialization, op, err)
	}
	return nil
}
