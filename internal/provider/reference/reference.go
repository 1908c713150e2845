// Package reference is an in-process causal model with deterministic
// pseudo-random weights. It has the shape behaviour of a real decoder (one
// hidden row per token, each depending only on itself and earlier tokens) and
// needs no weight files, so the pipeline runs anywhere.
package reference

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/chewxy/math32"
	"github.com/viterin/vek/vek32"

	"github.com/xiy/lmembed/internal/engine"
	"github.com/xiy/lmembed/internal/errs"
	"github.com/xiy/lmembed/internal/provider"
	"github.com/xiy/lmembed/internal/tensor"
	"github.com/xiy/lmembed/internal/tokenizer"
)

const (
	// Name identifies the provider in config and the run journal.
	Name = "reference"
	// Device is the only placement the reference model supports.
	Device = "cpu"

	prefixWeight     = 0.5
	positionalWeight = 0.1
)

// Config shapes the reference model.
type Config struct {
	HiddenSize    int
	Seed          int64
	Encoding      string // tiktoken encoding name
	BOS           int    // prepended when >= 0
	MemoryLimitMB int    // activation budget, 0 disables the check
}

// Provider loads reference models and BPE tokenizers.
type Provider struct {
	cfg Config
}

// New returns a reference provider.
func New(cfg Config) *Provider {
	return &Provider{cfg: cfg}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return Name }

// LoadTokenizer implements provider.Provider.
func (p *Provider) LoadTokenizer(_ context.Context, modelID string) (tokenizer.Tokenizer, error) {
	if strings.TrimSpace(modelID) == "" {
		return nil, errors.New("model id must not be empty")
	}
	tok, err := tokenizer.NewBPE(p.cfg.Encoding, p.cfg.BOS)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer for %s: %w", modelID, err)
	}
	return tok, nil
}

// LoadModel implements provider.Provider.
func (p *Provider) LoadModel(_ context.Context, modelID string, opts provider.LoadOptions) (engine.Model, error) {
	const op = "reference.load"
	if strings.TrimSpace(modelID) == "" {
		return nil, errors.New("model id must not be empty")
	}
	if p.cfg.HiddenSize <= 0 {
		return nil, fmt.Errorf("hidden size must be > 0, got %d", p.cfg.HiddenSize)
	}
	if !opts.Device.Auto() && opts.Device.Name != Device {
		return nil, errs.New(errs.KindDevice, op, "device %q is not available, only %q", opts.Device.Name, Device)
	}
	if p.cfg.MemoryLimitMB < 0 {
		return nil, fmt.Errorf("memory limit must be >= 0, got %d", p.cfg.MemoryLimitMB)
	}

	h := p.cfg.HiddenSize
	freqs := make([]float32, h)
	for j := range freqs {
		freqs[j] = 1 / math32.Pow(10000, float32(2*(j/2))/float32(h))
	}
	return &Model{
		id:     modelID,
		hidden: h,
		dtype:  opts.Precision,
		seed:   uint64(p.cfg.Seed),
		limit:  int64(p.cfg.MemoryLimitMB) << 20,
		freqs:  freqs,
	}, nil
}

// Model is a loaded reference model. It is read-only after load.
type Model struct {
	id     string
	hidden int
	dtype  tensor.DType
	seed   uint64
	limit  int64
	freqs  []float32
}

// Info implements engine.Model.
func (m *Model) Info() engine.Info {
	return engine.Info{ID: m.id, HiddenSize: m.hidden, DType: m.dtype, Device: Device}
}

// Forward implements engine.Model. Row t is tanh of the token's own row plus
// the mean of rows before it plus a sinusoidal position term, so every value
// lies in [-1, 1].
func (m *Model) Forward(ctx context.Context, ids tensor.TokenSequence) (*tensor.Hidden, error) {
	const op = "reference.forward"
	if need := tensor.HiddenBytes(ids.Len(), m.hidden, m.dtype); m.limit > 0 && need > m.limit {
		return nil, errs.New(errs.KindOutOfMemory, op,
			"activations need %d bytes for %d tokens at %s, budget is %d", need, ids.Len(), m.dtype, m.limit)
	}
	hidden, err := tensor.NewHidden(1, ids.Len(), m.hidden, m.dtype)
	if err != nil {
		return nil, errs.Wrap(errs.KindComputation, op, err)
	}

	prefix := vek32.Zeros(m.hidden)
	row := make([]float32, m.hidden)
	out := make([]float32, m.hidden)
	for t, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.tokenRow(id, row)
		var scale float32
		if t > 0 {
			scale = prefixWeight / float32(t)
		}
		pos := float32(t + 1)
		for j := range out {
			out[j] = math32.Tanh(row[j] + scale*prefix[j] + positionalWeight*math32.Sin(pos*m.freqs[j]))
		}
		if err := hidden.SetRow(0, t, out); err != nil {
			return nil, errs.Wrap(errs.KindComputation, op, err)
		}
		vek32.Add_Inplace(prefix, row)
	}
	return hidden, nil
}

// tokenRow fills row with the embedding of id, uniform in [-1, 1).
func (m *Model) tokenRow(id int, row []float32) {
	var key [16]byte
	binary.LittleEndian.PutUint64(key[:8], m.seed)
	binary.LittleEndian.PutUint64(key[8:], uint64(id))
	base := xxhash.Sum64(key[:])
	for j := range row {
		x := splitmix64(base + uint64(j)*0x9e3779b97f4a7c15)
		row[j] = float32(x>>40)/(1<<23) - 1
	}
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

var (
	_ provider.Provider = (*Provider)(nil)
	_ engine.Model      = (*Model)(nil)
)
