// Package tokenizer maps input text to vocabulary ids.
package tokenizer

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/xiy/lmembed/internal/errs"
	"github.com/xiy/lmembed/internal/tensor"
)

// Tokenizer encodes text with a fixed vocabulary. Implementations are
// deterministic and safe to share once loaded.
type Tokenizer interface {
	Encode(text string) (tensor.TokenSequence, error)
}

var setLoader sync.Once

// BPE is a byte-pair-encoding tokenizer over a tiktoken vocabulary.
type BPE struct {
	bos int
	enc *tiktoken.Tiktoken
}

// NewBPE loads the named tiktoken encoding from the embedded rank files.
// A non-negative bos id is prepended to every sequence.
func NewBPE(encoding string, bos int) (*BPE, error) {
	setLoader.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %q: %w", encoding, err)
	}
	return &BPE{bos: bos, enc: enc}, nil
}

// Encode implements Tokenizer. Special-token text is encoded as ordinary text.
func (b *BPE) Encode(text string) (tensor.TokenSequence, error) {
	if !utf8.ValidString(text) {
		return nil, errs.New(errs.KindTokenization, "tokenizer.encode", "text is not valid UTF-8")
	}
	ids := b.enc.Encode(text, nil, nil)
	seq := make(tensor.TokenSequence, 0, len(ids)+1)
	if b.bos >= 0 {
		seq = append(seq, b.bos)
	}
	seq = append(seq, ids...)
	if err := seq.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindTokenization, "tokenizer.encode", err)
	}
	return seq, nil
}

var _ Tokenizer = (*BPE)(nil)
