// Package engine runs the forward pass of a loaded causal language model and
// checks what comes back at the tensor boundary.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/xiy/lmembed/internal/errs"
	"github.com/xiy/lmembed/internal/tensor"
)

// Info describes a loaded model. It never changes after load.
type Info struct {
	ID         string
	HiddenSize int
	DType      tensor.DType
	Device     string
}

// Model is a provider-loaded causal language model used for its last hidden
// state only. Forward must not retain anything from the call beyond the
// returned tensor and must be deterministic for fixed weights and precision.
type Model interface {
	Info() Info
	Forward(ctx context.Context, ids tensor.TokenSequence) (*tensor.Hidden, error)
}

// Engine wraps a Model with shape and precision checks.
type Engine struct {
	model Model
	info  Info
}

// New captures the model's fixed description.
func New(model Model) (*Engine, error) {
	info := model.Info()
	if info.HiddenSize <= 0 {
		return nil, fmt.Errorf("model %q reports hidden size %d", info.ID, info.HiddenSize)
	}
	return &Engine{model: model, info: info}, nil
}

// Info returns the loaded model description.
func (e *Engine) Info() Info { return e.info }

// Forward runs one inference-only pass. The result is guaranteed to have shape
// (1, len(ids), H) and the model's dtype.
func (e *Engine) Forward(ctx context.Context, ids tensor.TokenSequence) (*tensor.Hidden, error) {
	const op = "engine.forward"
	if ids.Len() == 0 {
		return nil, errs.New(errs.KindValidation, op, "empty token sequence")
	}
	if err := ids.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindValidation, op, err)
	}

	hidden, err := e.model.Forward(ctx, ids)
	if err != nil {
		// Interrupts are not model failures.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, errs.Wrap(errs.KindComputation, op, err)
	}
	if hidden == nil {
		return nil, errs.New(errs.KindComputation, op, "model returned no hidden state")
	}

	want := tensor.Shape{1, ids.Len(), e.info.HiddenSize}
	if got := hidden.Shape(); !got.Equal(want) {
		return nil, errs.New(errs.KindComputation, op, "hidden state shape %s, want %s", got, want)
	}
	if got := hidden.DType(); got != e.info.DType {
		return nil, errs.New(errs.KindComputation, op, "hidden state dtype %s, want %s", got, e.info.DType)
	}
	return hidden, nil
}
