package reference

import (
	"context"
	"testing"

	"github.com/xiy/lmembed/internal/engine"
	"github.com/xiy/lmembed/internal/errs"
	"github.com/xiy/lmembed/internal/provider"
	"github.com/xiy/lmembed/internal/tensor"
)

func loadModel(t *testing.T, cfg Config, opts provider.LoadOptions) engine.Model {
	t.Helper()
	m, err := New(cfg).LoadModel(context.Background(), "tiiuae/falcon-7b", opts)
	if err != nil {
		t.Fatalf("LoadModel() error = %v", err)
	}
	return m
}

func TestForward_ShapeAndBounds(t *testing.T) {
	t.Parallel()
	m := loadModel(t, Config{HiddenSize: 64, Seed: 1}, provider.LoadOptions{Precision: tensor.Float16})

	info := m.Info()
	if info.HiddenSize != 64 || info.Device != Device || info.DType != tensor.Float16 {
		t.Fatalf("Info() = %+v", info)
	}

	h, err := m.Forward(context.Background(), tensor.TokenSequence{15339, 1917, 0, 100257})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if !h.Shape().Equal(tensor.Shape{1, 4, 64}) {
		t.Fatalf("Forward() shape = %s, want (1, 4, 64)", h.Shape())
	}
	for tok := 0; tok < 4; tok++ {
		for j, v := range h.Row(0, tok) {
			if v < -1 || v > 1 {
				t.Fatalf("value (%d, %d) = %v outside [-1, 1]", tok, j, v)
			}
			if v != tensor.Float16.Round(v) {
				t.Fatalf("value (%d, %d) = %v not representable in float16", tok, j, v)
			}
		}
	}
}

func TestForward_Deterministic(t *testing.T) {
	t.Parallel()
	ids := tensor.TokenSequence{9906, 11, 1917, 0}
	a := loadModel(t, Config{HiddenSize: 32, Seed: 7}, provider.LoadOptions{Precision: tensor.Float32})
	b := loadModel(t, Config{HiddenSize: 32, Seed: 7}, provider.LoadOptions{Precision: tensor.Float32})

	ha, err := a.Forward(context.Background(), ids)
	if err != nil {
		t.Fatalf("Forward(a) error = %v", err)
	}
	hb, err := b.Forward(context.Background(), ids)
	if err != nil {
		t.Fatalf("Forward(b) error = %v", err)
	}
	for tok := range ids {
		ra, rb := ha.Row(0, tok), hb.Row(0, tok)
		for j := range ra {
			if ra[j] != rb[j] {
				t.Fatalf("row %d differs at %d: %v vs %v", tok, j, ra[j], rb[j])
			}
		}
	}

	other := loadModel(t, Config{HiddenSize: 32, Seed: 8}, provider.LoadOptions{Precision: tensor.Float32})
	ho, err := other.Forward(context.Background(), ids)
	if err != nil {
		t.Fatalf("Forward(other) error = %v", err)
	}
	same := true
	for j, v := range ho.Row(0, 0) {
		if v != ha.Row(0, 0)[j] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("different seeds produced identical rows")
	}
}

func TestForward_Causal(t *testing.T) {
	t.Parallel()
	m := loadModel(t, Config{HiddenSize: 16, Seed: 1}, provider.LoadOptions{Precision: tensor.Float32})

	short, err := m.Forward(context.Background(), tensor.TokenSequence{1, 2})
	if err != nil {
		t.Fatalf("Forward(short) error = %v", err)
	}
	long, err := m.Forward(context.Background(), tensor.TokenSequence{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("Forward(long) error = %v", err)
	}
	for tok := 0; tok < 2; tok++ {
		for j, v := range short.Row(0, tok) {
			if long.Row(0, tok)[j] != v {
				t.Fatalf("row %d changed when later tokens were appended", tok)
			}
		}
	}
}

func TestForward_HalfCloseToFull(t *testing.T) {
	t.Parallel()
	ids := tensor.TokenSequence{40, 1093, 1541, 17773, 13}
	full := loadModel(t, Config{HiddenSize: 48, Seed: 3}, provider.LoadOptions{Precision: tensor.Float32})
	half := loadModel(t, Config{HiddenSize: 48, Seed: 3}, provider.LoadOptions{Precision: tensor.Float16})

	hf, err := full.Forward(context.Background(), ids)
	if err != nil {
		t.Fatalf("Forward(full) error = %v", err)
	}
	hh, err := half.Forward(context.Background(), ids)
	if err != nil {
		t.Fatalf("Forward(half) error = %v", err)
	}
	for tok := range ids {
		for j, v := range hf.Row(0, tok) {
			d := v - hh.Row(0, tok)[j]
			if d < -1e-3 || d > 1e-3 {
				t.Fatalf("half differs from full by %v at (%d, %d)", d, tok, j)
			}
		}
	}
}

func TestForward_MemoryBudget(t *testing.T) {
	t.Parallel()
	// 1 MiB holds 512 tokens of 1024 float16 values, 256 at float32.
	cfg := Config{HiddenSize: 1024, Seed: 1, MemoryLimitMB: 1}
	ids := make(tensor.TokenSequence, 400)

	half := loadModel(t, cfg, provider.LoadOptions{Precision: tensor.Float16})
	if _, err := half.Forward(context.Background(), ids); err != nil {
		t.Fatalf("Forward(half) error = %v", err)
	}

	full := loadModel(t, cfg, provider.LoadOptions{Precision: tensor.Float32})
	_, err := full.Forward(context.Background(), ids)
	if errs.KindOf(err) != errs.KindOutOfMemory {
		t.Fatalf("Forward(full) error = %v, want out of memory", err)
	}
}

func TestLoadModel_DevicePolicy(t *testing.T) {
	t.Parallel()
	p := New(Config{HiddenSize: 8})
	ctx := context.Background()

	if _, err := p.LoadModel(ctx, "m", provider.LoadOptions{Device: provider.ParseDevice("cpu")}); err != nil {
		t.Fatalf("LoadModel(cpu) error = %v", err)
	}
	_, err := p.LoadModel(ctx, "m", provider.LoadOptions{Device: provider.ParseDevice("cuda:0")})
	if errs.KindOf(err) != errs.KindDevice {
		t.Fatalf("LoadModel(cuda:0) error = %v, want device error", err)
	}
}

func TestForward_Canceled(t *testing.T) {
	t.Parallel()
	m := loadModel(t, Config{HiddenSize: 8}, provider.LoadOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Forward(ctx, tensor.TokenSequence{1}); err == nil {
		t.Fatal("expected error for canceled context, got nil")
	}
}

func TestLoadTokenizer(t *testing.T) {
	t.Parallel()
	p := New(Config{Encoding: "cl100k_base", BOS: -1})
	tok, err := p.LoadTokenizer(context.Background(), "tiiuae/falcon-7b")
	if err != nil {
		t.Fatalf("LoadTokenizer() error = %v", err)
	}
	ids, err := tok.Encode("hello")
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if ids.Len() == 0 {
		t.Fatal("expected at least one token for hello")
	}
	if _, err := p.LoadTokenizer(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty model id, got nil")
	}
}
