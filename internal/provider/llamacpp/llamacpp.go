package llamacpp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/xiy/lmembed/internal/engine"
	"github.com/xiy/lmembed/internal/errs"
	"github.com/xiy/lmembed/internal/provider"
	"github.com/xiy/lmembed/internal/tensor"
	"github.com/xiy/lmembed/internal/tokenizer"
)

// Provider loads a tokenizer and model backed by one llama.cpp server.
type Provider struct {
	c *client
}

// New returns a provider for the server at baseURL.
func New(baseURL string, opts ...Option) *Provider {
	return &Provider{c: newClient(baseURL, opts...)}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return Name }

// LoadTokenizer implements provider.Provider. The server's own vocabulary is
// used; modelID only has to be non-empty.
func (p *Provider) LoadTokenizer(_ context.Context, modelID string) (tokenizer.Tokenizer, error) {
	if strings.TrimSpace(modelID) == "" {
		return nil, errors.New("model id must not be empty")
	}
	return &Tokenizer{c: p.c}, nil
}

type modelsResponse struct {
	Data []modelEntry `json:"data"`
}

type modelEntry struct {
	ID   string `json:"id"`
	Meta struct {
		NEmbd  int `json:"n_embd"`
		NVocab int `json:"n_vocab"`
	} `json:"meta"`
}

// pickModel returns the listed model named modelID. A server listing a single
// model serves it under whatever name it was started with, so that model is
// taken and reported under the server's id.
func pickModel(models modelsResponse, modelID string) (modelEntry, error) {
	for _, m := range models.Data {
		if m.ID == modelID {
			return m, nil
		}
	}
	switch len(models.Data) {
	case 0:
		return modelEntry{}, errors.New("llama.cpp server lists no models")
	case 1:
		return models.Data[0], nil
	}
	ids := make([]string, len(models.Data))
	for i, m := range models.Data {
		ids[i] = m.ID
	}
	return modelEntry{}, fmt.Errorf("model %q not served by llama.cpp server (has %s)", modelID, strings.Join(ids, ", "))
}

// LoadModel implements provider.Provider. The hidden size is read from the
// server's model listing.
func (p *Provider) LoadModel(ctx context.Context, modelID string, opts provider.LoadOptions) (engine.Model, error) {
	const op = "llamacpp.load"
	if strings.TrimSpace(modelID) == "" {
		return nil, errors.New("model id must not be empty")
	}
	if !opts.Device.Auto() {
		return nil, errs.New(errs.KindDevice, op, "device %q requested but placement is owned by the llama.cpp server", opts.Device.Name)
	}

	var models modelsResponse
	if err := p.c.call(ctx, op, http.MethodGet, "/v1/models", nil, &models); err != nil {
		return nil, err
	}
	entry, err := pickModel(models, modelID)
	if err != nil {
		return nil, err
	}
	if entry.Meta.NEmbd <= 0 {
		return nil, fmt.Errorf("llama.cpp server reports no embedding size for %q", entry.ID)
	}

	return &Model{
		c: p.c,
		info: engine.Info{
			ID:         entry.ID,
			HiddenSize: entry.Meta.NEmbd,
			DType:      opts.Precision,
			Device:     "server:" + p.c.baseURL,
		},
	}, nil
}

// Tokenizer calls the server's /tokenize endpoint.
type Tokenizer struct {
	c *client
}

type tokenizeRequest struct {
	Content    string `json:"content"`
	AddSpecial bool   `json:"add_special"`
}

type tokenizeResponse struct {
	Tokens []int `json:"tokens"`
}

// Encode implements tokenizer.Tokenizer.
func (t *Tokenizer) Encode(text string) (tensor.TokenSequence, error) {
	const op = "llamacpp.tokenize"
	if !utf8.ValidString(text) {
		return nil, errs.New(errs.KindTokenization, op, "text is not valid UTF-8")
	}
	var resp tokenizeResponse
	err := t.c.call(context.Background(), op, http.MethodPost, "/tokenize",
		tokenizeRequest{Content: text, AddSpecial: t.c.addSpecial}, &resp)
	if err != nil {
		// Anything the server rejects is a tokenization failure; transport
		// problems keep their device classification.
		var e *errs.Error
		if errors.As(err, &e) && e.Kind == errs.KindComputation {
			return nil, &errs.Error{Kind: errs.KindTokenization, Op: e.Op, Err: e.Err}
		}
		return nil, err
	}
	seq := tensor.TokenSequence(resp.Tokens)
	if err := seq.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindTokenization, op, err)
	}
	return seq, nil
}

// Model calls the server's /embedding endpoint with pre-tokenized input.
type Model struct {
	c    *client
	info engine.Info
}

type embeddingRequest struct {
	Content []int `json:"content"`
}

type embeddingItem struct {
	Index     int         `json:"index"`
	Embedding [][]float32 `json:"embedding"`
}

// Info implements engine.Model.
func (m *Model) Info() engine.Info { return m.info }

// Forward implements engine.Model.
func (m *Model) Forward(ctx context.Context, ids tensor.TokenSequence) (*tensor.Hidden, error) {
	const op = "llamacpp.forward"
	var items []embeddingItem
	if err := m.c.call(ctx, op, http.MethodPost, "/embedding", embeddingRequest{Content: ids}, &items); err != nil {
		return nil, err
	}
	if len(items) != 1 {
		return nil, errs.New(errs.KindComputation, op, "server returned %d embeddings for one input", len(items))
	}
	rows := items[0].Embedding
	if len(rows) != ids.Len() {
		return nil, errs.New(errs.KindComputation, op,
			"server returned %d token vectors for %d tokens; is it running with --pooling none?", len(rows), ids.Len())
	}
	hidden, err := tensor.HiddenFromRows(rows, m.info.DType)
	if err != nil {
		return nil, errs.Wrap(errs.KindComputation, op, err)
	}
	return hidden, nil
}

var (
	_ provider.Provider   = (*Provider)(nil)
	_ tokenizer.Tokenizer = (*Tokenizer)(nil)
	_ engine.Model        = (*Model)(nil)
)
