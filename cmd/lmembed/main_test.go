package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/lmembed/internal/config"
	"github.com/xiy/lmembed/internal/provider/llamacpp"
	"github.com/xiy/lmembed/internal/provider/reference"
	"github.com/xiy/lmembed/internal/store"
)

// writeConfig writes a small reference-model config and clears LMEMBED_*
// overrides so the host environment cannot leak into the test.
func writeConfig(t *testing.T) (cfgPath, dbPath string) {
	t.Helper()
	for _, key := range []string{
		"LMEMBED_PROVIDER", "LMEMBED_MODEL", "LMEMBED_PRECISION", "LMEMBED_DEVICE",
		"LMEMBED_SERVER_URL", "LMEMBED_API_KEY", "LMEMBED_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}

	dir := t.TempDir()
	dbPath = filepath.Join(dir, "runs.db")
	cfgPath = filepath.Join(dir, "config.yaml")
	body := `server_name: lmembed-test
log_level: debug
model:
  provider: reference
  id: test/tiny
  precision: half
  device: auto
reference:
  hidden_size: 16
  seed: 7
  encoding: cl100k_base
  bos_token: -1
  memory_limit_mb: 64
journal:
  enabled: true
  path: ` + dbPath + `
  retention_days: 30
  sweep_interval_seconds: 60
`
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return cfgPath, dbPath
}

func journalStats(t *testing.T, dbPath string) store.Stats {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), dbPath, log.NewWithOptions(io.Discard, log.Options{}))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer st.Close()
	stats, err := st.Stats(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	return stats
}

func TestRun_EmbedWritesOneLine(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"--config", cfgPath}, strings.NewReader("hello\n"), &stdout, &stderr)
	if code != 0 {
		t.Fatalf("run() = %d, stderr:\n%s", code, stderr.String())
	}

	out := stdout.String()
	if strings.Count(out, "\n") != 1 || !strings.HasSuffix(out, "\n") {
		t.Fatalf("expected exactly one line on stdout, got %q", out)
	}
	var values []float64
	if err := json.Unmarshal([]byte(out), &values); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if len(values) != 16 {
		t.Fatalf("expected 16 values, got %d", len(values))
	}
	if !strings.Contains(stderr.String(), "run_id") {
		t.Fatalf("expected run_id in logs, got:\n%s", stderr.String())
	}

	if stats := journalStats(t, dbPath); stats.Total != 1 || stats.OK != 1 {
		t.Fatalf("unexpected journal stats %+v", stats)
	}
}

func TestRun_EmbedIsDeterministic(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	var first, second bytes.Buffer
	if code := run(context.Background(), []string{"embed", "--config", cfgPath}, strings.NewReader("same text"), &first, io.Discard); code != 0 {
		t.Fatalf("first run() = %d", code)
	}
	if code := run(context.Background(), []string{"embed", "--config", cfgPath}, strings.NewReader("  same text  "), &second, io.Discard); code != 0 {
		t.Fatalf("second run() = %d", code)
	}
	if first.String() != second.String() {
		t.Fatal("expected identical output for identical trimmed input")
	}
}

func TestRun_EmptyInputExitsValidation(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"embed", "--config", cfgPath}, strings.NewReader(" \n\t "), &stdout, &stderr)
	if code != 2 {
		t.Fatalf("run() = %d, want 2", code)
	}
	if stdout.Len() != 0 {
		t.Fatalf("expected nothing on stdout, got %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "validation") {
		t.Fatalf("expected error kind in logs, got:\n%s", stderr.String())
	}
	if stats := journalStats(t, dbPath); stats.Failed != 1 {
		t.Fatalf("expected failed run in journal, got %+v", stats)
	}
}

func TestRun_ExitCodes(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	tests := []struct {
		name  string
		args  []string
		input string
		want  int
	}{
		{"explicit device", []string{"--config", cfgPath, "--device", "cuda:0"}, "hello", 4},
		{"invalid utf8", []string{"--config", cfgPath}, "ab\xffcd", 3},
		{"bad precision", []string{"--config", cfgPath, "--precision", "int8"}, "hello", 1},
		{"unknown subcommand", []string{"frobnicate"}, "", 1},
		{"help flag", []string{"embed", "-h"}, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout bytes.Buffer
			if got := run(context.Background(), tt.args, strings.NewReader(tt.input), &stdout, io.Discard); got != tt.want {
				t.Fatalf("run() = %d, want %d", got, tt.want)
			}
			if stdout.Len() != 0 {
				t.Fatalf("expected nothing on stdout, got %q", stdout.String())
			}
		})
	}
}

// rewriteConfig replaces old with new in the config file at path.
func rewriteConfig(t *testing.T, path, old, new string) {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Contains(b, []byte(old)) {
		t.Fatalf("config has no %q", old)
	}
	if err := os.WriteFile(path, bytes.Replace(b, []byte(old), []byte(new), 1), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestRun_FlagOverridesInvalidFileValue(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	rewriteConfig(t, cfgPath, "precision: half", "precision: int8")

	if code := run(context.Background(), []string{"--config", cfgPath}, strings.NewReader("hello"), io.Discard, io.Discard); code != 1 {
		t.Fatalf("run() without override = %d, want 1", code)
	}

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--config", cfgPath, "--precision", "half"}, strings.NewReader("hello"), &stdout, &stderr)
	if code != 0 {
		t.Fatalf("run() with --precision half = %d, stderr:\n%s", code, stderr.String())
	}
	if !strings.HasSuffix(stdout.String(), "]\n") {
		t.Fatalf("expected one embedding line, got %q", stdout.String())
	}
}

func TestRun_TracesGoToGivenStderr(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	rewriteConfig(t, cfgPath, "journal:", "tracer:\n  enabled: true\n  exporter: stdout\njournal:")
	var stdout, stderr bytes.Buffer

	if code := run(context.Background(), []string{"--config", cfgPath}, strings.NewReader("hello"), &stdout, &stderr); code != 0 {
		t.Fatalf("run() = %d, stderr:\n%s", code, stderr.String())
	}
	for _, want := range []string{`"Name": "embed"`, `"Name": "tokenize"`, `"Name": "forward"`, `"test/tiny"`} {
		if !strings.Contains(stderr.String(), want) {
			t.Fatalf("expected %q in stderr:\n%s", want, stderr.String())
		}
	}
	if strings.Contains(stdout.String(), "Name") {
		t.Fatalf("trace output leaked to stdout: %q", stdout.String())
	}
}

func TestRun_Version(t *testing.T) {
	t.Parallel()
	for _, arg := range []string{"version", "--version", "-v"} {
		var stdout bytes.Buffer
		if code := run(context.Background(), []string{arg}, nil, &stdout, io.Discard); code != 0 {
			t.Fatalf("run(%q) = %d", arg, code)
		}
		if got := stdout.String(); got != "lmembed "+version+"\n" {
			t.Fatalf("run(%q) output = %q", arg, got)
		}
	}
}

func TestRun_ServeAnswersToolCalls(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	in := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"embed_text","arguments":{"text":"hello"}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"model_info"}}`,
	}, "\n") + "\n"
	var stdout, stderr bytes.Buffer

	if code := run(context.Background(), []string{"serve", "--config", cfgPath}, strings.NewReader(in), &stdout, &stderr); code != 0 {
		t.Fatalf("run() = %d, stderr:\n%s", code, stderr.String())
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 replies, got %d:\n%s", len(lines), stdout.String())
	}
	var reply struct {
		Result struct {
			IsError           bool `json:"isError"`
			StructuredContent struct {
				Model      string    `json:"model"`
				Dimensions int       `json:"dimensions"`
				Embedding  []float64 `json:"embedding"`
			} `json:"structuredContent"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &reply); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	sc := reply.Result.StructuredContent
	if reply.Result.IsError || sc.Model != "test/tiny" || sc.Dimensions != 16 || len(sc.Embedding) != 16 {
		t.Fatalf("unexpected embed_text reply %s", lines[1])
	}
	if !strings.Contains(lines[2], `"precision":"half"`) {
		t.Fatalf("unexpected model_info reply %s", lines[2])
	}

	if stats := journalStats(t, dbPath); stats.Total != 1 {
		t.Fatalf("expected the MCP call journaled, got %+v", stats)
	}
}

func TestRun_HistoryWithoutJournal(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	// Nothing has been embedded yet, so there is no database file.
	if code := run(context.Background(), []string{"history", "--config", cfgPath}, nil, io.Discard, io.Discard); code != 1 {
		t.Fatalf("run() = %d, want 1", code)
	}
}

func TestNewProvider(t *testing.T) {
	t.Parallel()
	cfg := config.Default()

	p, err := newProvider(cfg)
	if err != nil {
		t.Fatalf("newProvider() error = %v", err)
	}
	if p.Name() != reference.Name {
		t.Fatalf("expected reference provider, got %q", p.Name())
	}

	cfg.Model.Provider = config.ProviderLlamaCpp
	cfg.LlamaCpp.APIKey = "secret"
	p, err = newProvider(cfg)
	if err != nil {
		t.Fatalf("newProvider() error = %v", err)
	}
	if p.Name() != llamacpp.Name {
		t.Fatalf("expected llamacpp provider, got %q", p.Name())
	}

	cfg.Model.Provider = "onnx"
	if _, err := newProvider(cfg); err == nil {
		t.Fatal("expected unknown provider error")
	}
}

func TestSetLogLevel(t *testing.T) {
	t.Parallel()
	logger := log.NewWithOptions(io.Discard, log.Options{})
	for level, want := range map[string]log.Level{
		"debug":   log.DebugLevel,
		"warn":    log.WarnLevel,
		"error":   log.ErrorLevel,
		"verbose": log.InfoLevel,
	} {
		setLogLevel(logger, level)
		if got := logger.GetLevel(); got != want {
			t.Fatalf("setLogLevel(%q) level = %v, want %v", level, got, want)
		}
	}
}
