// Package mcp serves the embedding pipeline as MCP tools over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/lmembed/internal/errs"
	"github.com/xiy/lmembed/internal/pipeline"
	"github.com/xiy/lmembed/pkg/types"
)

const (
	jsonRPCVersion         = "2.0"
	defaultProtocolVersion = "2024-11-05"

	codeParseError     = -32700
	codeMethodNotFound = -32601
)

// Embedder is the loaded pipeline the tools run against.
type Embedder interface {
	Embed(ctx context.Context, text string) (pipeline.Result, error)
	Info() types.ModelInfo
}

// Server handles MCP JSON-RPC messages over stdio, one request at a time.
type Server struct {
	emb     Embedder
	logger  *log.Logger
	name    string
	version string

	requests atomic.Uint64
	failures atomic.Uint64
}

// NewServer creates an MCP server announcing itself as name/version.
func NewServer(emb Embedder, logger *log.Logger, name, version string) *Server {
	return &Server{emb: emb, logger: logger, name: name, version: version}
}

// Serve reads requests from in and writes replies to out until in is
// exhausted or ctx is done.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	c := newConn(in, out)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		payload, f, err := c.read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		var req request
		if err := json.Unmarshal(payload, &req); err != nil {
			s.logger.Warn("invalid JSON-RPC request", "error", err)
			s.failures.Add(1)
			if werr := c.write(errorResponse(nil, codeParseError, "parse error", err.Error()), f); werr != nil {
				return werr
			}
			continue
		}

		started := time.Now()
		resp, reply := s.handle(ctx, req)
		s.logger.Debug("handled request", "method", req.Method, "took", time.Since(started))
		if !reply {
			continue
		}
		if err := c.write(resp, f); err != nil {
			return err
		}
	}
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// toolResult is the MCP tools/call result body.
type toolResult struct {
	Content           []toolContent `json:"content"`
	StructuredContent any           `json:"structuredContent,omitempty"`
	IsError           bool          `json:"isError"`
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// handle dispatches one request. The bool is false for notifications, which
// get no reply.
func (s *Server) handle(ctx context.Context, req request) (response, bool) {
	s.requests.Add(1)
	hasID := len(req.ID) > 0
	id := decodeID(req.ID)
	ok := func(result any) (response, bool) {
		return response{JSONRPC: jsonRPCVersion, ID: id, Result: result}, hasID
	}

	switch req.Method {
	case "notifications/initialized":
		return response{}, false
	case "initialize":
		var p struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		_ = json.Unmarshal(req.Params, &p)
		pv := strings.TrimSpace(p.ProtocolVersion)
		if pv == "" {
			pv = defaultProtocolVersion
		}
		return ok(map[string]any{
			"protocolVersion": pv,
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": false}},
			"serverInfo":      map[string]any{"name": s.name, "version": s.version},
		})
	case "ping":
		return ok(map[string]any{})
	case "tools/list":
		return ok(map[string]any{"tools": toolDefinitions()})
	case "tools/call":
		res, err := s.callTool(ctx, req.Params)
		if err != nil {
			s.failures.Add(1)
			s.logger.Warn("tool call failed", "kind", errs.KindOf(err), "error", err)
			return ok(toolError(err))
		}
		return ok(res)
	default:
		if !hasID {
			return response{}, false
		}
		s.failures.Add(1)
		return errorResponse(id, codeMethodNotFound, "method not found", req.Method), true
	}
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (toolResult, error) {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return toolResult{}, errs.Wrap(errs.KindValidation, "mcp.call", fmt.Errorf("invalid tools/call params: %w", err))
	}

	switch p.Name {
	case toolEmbedText:
		var in types.EmbedInput
		if len(p.Arguments) > 0 {
			if err := json.Unmarshal(p.Arguments, &in); err != nil {
				return toolResult{}, errs.Wrap(errs.KindValidation, "mcp.embed_text", fmt.Errorf("invalid arguments: %w", err))
			}
		}
		res, err := s.emb.Embed(ctx, in.Text)
		if err != nil {
			return toolResult{}, err
		}
		return toolSuccess(types.EmbedResult{
			Model:      s.emb.Info().Model,
			Dimensions: len(res.Embedding),
			Tokens:     res.Tokens,
			Embedding:  res.Embedding,
		})
	case toolModelInfo:
		return toolSuccess(s.emb.Info())
	default:
		return toolResult{}, errs.New(errs.KindValidation, "mcp.call", "unknown tool %q", p.Name)
	}
}

func toolSuccess(v any) (toolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return toolResult{}, errs.Wrap(errs.KindSerialization, "mcp.result", err)
	}
	return toolResult{
		Content:           []toolContent{{Type: "text", Text: string(b)}},
		StructuredContent: v,
	}, nil
}

func toolError(err error) toolResult {
	kind := errs.KindOf(err)
	return toolResult{
		Content:           []toolContent{{Type: "text", Text: err.Error()}},
		StructuredContent: map[string]any{"kind": string(kind), "message": err.Error()},
		IsError:           true,
	}
}

func errorResponse(id any, code int, msg string, data any) response {
	return response{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &rpcError{Code: code, Message: msg, Data: data},
	}
}

func decodeID(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// Counters reports handled requests and failures since start.
func (s *Server) Counters() (requests, failures uint64) {
	return s.requests.Load(), s.failures.Load()
}
