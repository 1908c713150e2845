// Package pipeline loads the model once and turns text into embeddings:
// tokenize, forward, mean-pool, encode.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/lmembed/internal/engine"
	"github.com/xiy/lmembed/internal/errs"
	"github.com/xiy/lmembed/internal/output"
	"github.com/xiy/lmembed/internal/pooling"
	"github.com/xiy/lmembed/internal/provider"
	"github.com/xiy/lmembed/internal/tokenizer"
	"github.com/xiy/lmembed/internal/tracer"
	"github.com/xiy/lmembed/pkg/types"
)

// ErrNotReady is returned when Embed is called before Open completed.
var ErrNotReady = errors.New("runtime not ready")

// State is the runtime lifecycle position.
type State int

const (
	Uninitialized State = iota
	ModelLoaded
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case ModelLoaded:
		return "model_loaded"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Recorder persists one run summary. Recording never affects the result of
// the call it describes.
type Recorder interface {
	InsertRun(ctx context.Context, run types.Run) (types.Run, error)
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithRecorder journals every call through rec.
func WithRecorder(rec Recorder) Option {
	return func(r *Runtime) { r.recorder = rec }
}

// WithMode tags journaled runs, types.ModeCLI by default.
func WithMode(mode string) Option {
	return func(r *Runtime) { r.mode = mode }
}

// Result is one successful embedding call.
type Result struct {
	Embedding types.Embedding
	Tokens    int
}

// Runtime holds the loaded tokenizer and model for the process lifetime. It
// is built once by Open and handed to whatever serves requests; calls are
// sequential.
type Runtime struct {
	state    State
	provider string
	tok      tokenizer.Tokenizer
	eng      *engine.Engine
	logger   *log.Logger
	recorder Recorder
	mode     string
}

// Open loads the tokenizer and model for modelID and returns a Ready runtime.
func Open(ctx context.Context, p provider.Provider, modelID string, opts provider.LoadOptions, logger *log.Logger, options ...Option) (*Runtime, error) {
	r := &Runtime{
		state:    Uninitialized,
		provider: p.Name(),
		logger:   logger,
		mode:     types.ModeCLI,
	}
	for _, opt := range options {
		opt(r)
	}

	started := time.Now()
	tok, err := p.LoadTokenizer(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	model, err := p.LoadModel(ctx, modelID, opts)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", modelID, err)
	}
	r.tok = tok
	r.state = ModelLoaded

	eng, err := engine.New(model)
	if err != nil {
		return nil, err
	}
	r.eng = eng
	r.state = Ready

	info := eng.Info()
	logger.Info("model ready",
		"provider", r.provider,
		"model", info.ID,
		"hidden_size", info.HiddenSize,
		"precision", provider.PrecisionName(info.DType),
		"device", info.Device,
		"took", time.Since(started).Round(time.Millisecond),
	)
	return r, nil
}

// State returns the lifecycle position.
func (r *Runtime) State() State { return r.state }

// Info describes the loaded model.
func (r *Runtime) Info() types.ModelInfo {
	info := r.eng.Info()
	return types.ModelInfo{
		Model:      info.ID,
		Provider:   r.provider,
		HiddenSize: info.HiddenSize,
		Precision:  provider.PrecisionName(info.DType),
		Device:     info.Device,
	}
}

// Embed converts text into one embedding of the model's hidden size.
// Surrounding whitespace is ignored; empty input is a validation error and
// never reaches the model.
func (r *Runtime) Embed(ctx context.Context, text string) (Result, error) {
	started := time.Now()
	ctx, span := tracer.StartSpan(ctx, "embed", tracer.StringAttr("provider", r.provider), tracer.StringAttr("mode", r.mode))
	if r.eng != nil {
		info := r.eng.Info()
		span.SetAttributes(tracer.StringAttr("model", info.ID), tracer.StringAttr("precision", provider.PrecisionName(info.DType)))
	}

	res, err := r.embed(ctx, strings.TrimSpace(text))
	r.record(ctx, text, res, err, time.Since(started))
	if err != nil {
		tracer.Finish(span, err)
		return Result{}, err
	}
	span.SetAttributes(tracer.IntAttr("tokens", res.Tokens), tracer.IntAttr("dimensions", len(res.Embedding)))
	tracer.Finish(span, nil)
	r.logger.Debug("embedded input", "tokens", res.Tokens, "dimensions", len(res.Embedding), "took", time.Since(started))
	return res, nil
}

func (r *Runtime) embed(ctx context.Context, text string) (Result, error) {
	const op = "pipeline.embed"
	if r.state != Ready {
		return Result{}, fmt.Errorf("%w: state is %s", ErrNotReady, r.state)
	}
	if text == "" {
		return Result{}, errs.New(errs.KindValidation, op, "input text is empty")
	}

	_, span := tracer.StartSpan(ctx, "tokenize")
	ids, err := r.tok.Encode(text)
	if err != nil {
		err = errs.Wrap(errs.KindTokenization, "tokenizer.encode", err)
		tracer.Finish(span, err)
		return Result{}, err
	}
	span.SetAttributes(tracer.IntAttr("tokens", ids.Len()))
	tracer.Finish(span, nil)
	if ids.Len() == 0 {
		return Result{}, errs.New(errs.KindValidation, op, "tokenizer produced no tokens")
	}
	res := Result{Tokens: ids.Len()}

	fctx, span := tracer.StartSpan(ctx, "forward")
	hidden, err := r.eng.Forward(fctx, ids)
	tracer.Finish(span, err)
	if err != nil {
		return res, err
	}

	_, span = tracer.StartSpan(ctx, "pool")
	vec, err := pooling.Mean(hidden)
	tracer.Finish(span, err)
	if err != nil {
		return res, err
	}

	_, span = tracer.StartSpan(ctx, "encode")
	values, err := output.Encode(vec)
	tracer.Finish(span, err)
	if err != nil {
		return res, err
	}

	if h := r.eng.Info().HiddenSize; len(values) != h {
		return res, errs.New(errs.KindComputation, op, "embedding has %d values, want %d", len(values), h)
	}
	res.Embedding = values
	return res, nil
}

func (r *Runtime) record(ctx context.Context, text string, res Result, callErr error, took time.Duration) {
	if r.recorder == nil || r.eng == nil {
		return
	}
	info := r.Info()
	run := types.Run{
		Mode:       r.mode,
		Model:      info.Model,
		Provider:   info.Provider,
		Precision:  info.Precision,
		Device:     info.Device,
		InputChars: len([]rune(text)),
		Tokens:     res.Tokens,
		Dimensions: len(res.Embedding),
		DurationMS: took.Milliseconds(),
		Success:    callErr == nil,
		CreatedAt:  time.Now().UTC(),
	}
	if callErr != nil {
		run.ErrorKind = string(errs.KindOf(callErr))
		run.ErrorText = callErr.Error()
	}
	// The caller's context may already be cancelled; the journal write is
	// still wanted.
	if _, err := r.recorder.InsertRun(context.WithoutCancel(ctx), run); err != nil {
		r.logger.Warn("run journal write failed", "error", err)
	}
}
