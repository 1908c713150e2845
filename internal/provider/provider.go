// Package provider defines how the pipeline obtains its tokenizer and model.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/xiy/lmembed/internal/engine"
	"github.com/xiy/lmembed/internal/tensor"
	"github.com/xiy/lmembed/internal/tokenizer"
)

// Provider supplies the tokenizer and model for a model identifier. Both loads
// happen once at startup.
type Provider interface {
	Name() string
	LoadTokenizer(ctx context.Context, modelID string) (tokenizer.Tokenizer, error)
	LoadModel(ctx context.Context, modelID string, opts LoadOptions) (engine.Model, error)
}

// LoadOptions fixes precision and placement for the process lifetime.
type LoadOptions struct {
	Precision tensor.DType
	Device    DevicePolicy
}

// DevicePolicy either leaves placement to the provider or names a device.
type DevicePolicy struct {
	Name string // empty means auto
}

// Auto reports whether the provider chooses the device.
func (d DevicePolicy) Auto() bool { return d.Name == "" }

func (d DevicePolicy) String() string {
	if d.Auto() {
		return "auto"
	}
	return d.Name
}

// ParsePrecision maps a configured precision name to a dtype.
func ParsePrecision(s string) (tensor.DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "half", "float16", "fp16", "f16":
		return tensor.Float16, nil
	case "full", "float32", "fp32", "f32":
		return tensor.Float32, nil
	default:
		return 0, fmt.Errorf("unknown precision %q (want half or full)", s)
	}
}

// PrecisionName is the inverse of ParsePrecision.
func PrecisionName(d tensor.DType) string {
	if d == tensor.Float16 {
		return "half"
	}
	return "full"
}

// ParseDevice maps a configured device string to a policy. "auto" and the
// empty string both leave the choice to the provider.
func ParseDevice(s string) DevicePolicy {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "auto" {
		return DevicePolicy{}
	}
	return DevicePolicy{Name: s}
}
