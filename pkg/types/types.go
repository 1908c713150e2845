package types

import "time"

// Embedding is a host-resident embedding vector widened for serialization.
type Embedding []float64

// EmbedInput is the argument of one embedding request.
type EmbedInput struct {
	Text string `json:"text"`
}

// EmbedResult is returned to MCP callers for one embedding request.
type EmbedResult struct {
	Model      string    `json:"model"`
	Dimensions int       `json:"dimensions"`
	Tokens     int       `json:"tokens"`
	Embedding  Embedding `json:"embedding"`
}

// ModelInfo describes the model loaded for the process lifetime.
type ModelInfo struct {
	Model      string `json:"model"`
	Provider   string `json:"provider"`
	HiddenSize int    `json:"hidden_size"`
	Precision  string `json:"precision"`
	Device     string `json:"device"`
}

// Run is one journaled embedding invocation. It never carries the input text
// or the vector.
type Run struct {
	ID         int64     `json:"id"`
	Mode       string    `json:"mode"`
	Model      string    `json:"model"`
	Provider   string    `json:"provider"`
	Precision  string    `json:"precision"`
	Device     string    `json:"device"`
	InputChars int       `json:"input_chars"`
	Tokens     int       `json:"tokens"`
	Dimensions int       `json:"dimensions"`
	DurationMS int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	ErrorText  string    `json:"error_text,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Run modes.
const (
	ModeCLI = "cli"
	ModeMCP = "mcp"
)
