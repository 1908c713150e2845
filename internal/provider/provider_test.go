package provider

import (
	"testing"

	"github.com/xiy/lmembed/internal/tensor"
)

func TestParsePrecision(t *testing.T) {
	t.Parallel()
	cases := map[string]tensor.DType{
		"half":    tensor.Float16,
		" FP16 ":  tensor.Float16,
		"full":    tensor.Float32,
		"float32": tensor.Float32,
	}
	for in, want := range cases {
		got, err := ParsePrecision(in)
		if err != nil {
			t.Fatalf("ParsePrecision(%q) error = %v", in, err)
		}
		if got != want {
			t.Fatalf("ParsePrecision(%q) = %s, want %s", in, got, want)
		}
		if back, _ := ParsePrecision(PrecisionName(got)); back != got {
			t.Fatalf("PrecisionName(%s) does not parse back", got)
		}
	}
	if _, err := ParsePrecision("bfloat16"); err == nil {
		t.Fatal("expected error for unsupported precision, got nil")
	}
}

func TestParseDevice(t *testing.T) {
	t.Parallel()
	if d := ParseDevice("auto"); !d.Auto() || d.String() != "auto" {
		t.Fatalf("ParseDevice(auto) = %+v, want auto policy", d)
	}
	if d := ParseDevice(""); !d.Auto() {
		t.Fatalf("ParseDevice(\"\") = %+v, want auto policy", d)
	}
	d := ParseDevice("CUDA:0")
	if d.Auto() || d.Name != "cuda:0" {
		t.Fatalf("ParseDevice(CUDA:0) = %+v, want explicit cuda:0", d)
	}
}
