// Package mcptool surfaces the RPC capability table to chat clients
// over the Model Context Protocol: initialize, tools/list, and
// tools/call on one POST endpoint. Method names become tool names
// (task/start -> task_start) and tool arguments are validated against
// each method's declared schema before dispatch.
package mcptool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/droverhq/drover/internal/rpc"
)

// ProtocolVersion is the MCP protocol revision this server speaks.
const ProtocolVersion = "2024-11-05"

// MCP error codes beyond the ones the rpc package defines.
const (
	codeParseError    = -32700
	codeInvalidParams = -32602
	codeToolNotFound  = -32001
)

// Dispatcher runs one table method with RPC semantics, async
// whitelist included. Satisfied by *rpc.Server.
type Dispatcher interface {
	Dispatch(ctx context.Context, req rpc.Request) rpc.Response
}

// BearerAuth is the shared-token check. Satisfied by *rpc.Server.
type BearerAuth interface {
	Authorized(r *http.Request) bool
}

// TokenValidator checks OAuth-issued tokens. Satisfied by
// *oauth.Server.
type TokenValidator interface {
	Validate(token string) bool
}

// Config tunes the surface.
type Config struct {
	// Name and Version identify the server in initialize replies.
	Name    string
	Version string

	// Issuer is the base URL used in the WWW-Authenticate challenge
	// so connectors can discover the OAuth metadata. Empty omits the
	// challenge detail.
	Issuer string
}

// Tool is one entry in the tools/list reply.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ContentItem is one piece of tool-result content.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolCallResult is the tools/call reply: a text rendering plus the
// raw structured result.
type ToolCallResult struct {
	Content           []ContentItem `json:"content"`
	IsError           bool          `json:"isError,omitempty"`
	StructuredContent any           `json:"structuredContent,omitempty"`
}

type implementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type toolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

type serverCapabilities struct {
	Tools toolsCapability `json:"tools"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      implementationInfo `json:"serverInfo"`
}

type toolsListResult struct {
	Tools []Tool `json:"tools"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Server bridges the capability table to MCP clients.
type Server struct {
	cfg      Config
	registry *rpc.Registry
	dispatch Dispatcher
	bearer   BearerAuth
	tokens   TokenValidator

	// methods maps tool names back to table method names; schemas
	// holds the compiled validator per tool.
	methods map[string]string
	schemas map[string]*jsonschema.Schema

	mu          sync.Mutex
	initialized bool
}

// NewServer builds the surface from the capability table, compiling
// every method's schema. A schema that does not compile is a
// programming error and fails construction.
func NewServer(cfg Config, registry *rpc.Registry, dispatcher Dispatcher, bearer BearerAuth, tokens TokenValidator) (*Server, error) {
	if cfg.Name == "" {
		cfg.Name = "drover"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &Server{
		cfg:      cfg,
		registry: registry,
		dispatch: dispatcher,
		bearer:   bearer,
		tokens:   tokens,
		methods:  make(map[string]string),
		schemas:  make(map[string]*jsonschema.Schema),
	}
	for _, method := range registry.Names() {
		m, _ := registry.Get(method)
		name := ToolName(method)
		schema, err := compileSchema(m.Schema)
		if err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", name, err)
		}
		s.methods[name] = method
		s.schemas[name] = schema
	}
	return s, nil
}

// ToolName converts a table method name to its MCP tool name.
func ToolName(method string) string {
	return strings.ReplaceAll(method, "/", "_")
}

func compileSchema(schema string) (*jsonschema.Schema, error) {
	if schema == "" {
		schema = `{"type":"object","properties":{}}`
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(schema)); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// Tools returns the advertised tool list, sorted by name.
func (s *Server) Tools() []Tool {
	names := s.registry.Names()
	tools := make([]Tool, 0, len(names))
	for _, method := range names {
		m, _ := s.registry.Get(method)
		schema := m.Schema
		if schema == "" {
			schema = `{"type":"object","properties":{}}`
		}
		tools = append(tools, Tool{
			Name:        ToolName(method),
			Description: m.Description,
			InputSchema: json.RawMessage(schema),
		})
	}
	return tools
}

func (s *Server) authorized(r *http.Request) bool {
	if s.bearer != nil && s.bearer.Authorized(r) {
		return true
	}
	if s.tokens != nil {
		header := r.Header.Get("Authorization")
		if value, ok := strings.CutPrefix(header, "Bearer "); ok && s.tokens.Validate(value) {
			return true
		}
	}
	return s.bearer == nil && s.tokens == nil
}

// Handler returns the POST /mcp handler.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !s.authorized(r) {
			if s.cfg.Issuer != "" {
				w.Header().Set("WWW-Authenticate",
					fmt.Sprintf(`Bearer resource_metadata=%q`, s.cfg.Issuer+"/.well-known/oauth-protected-resource"))
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		var req rpc.Request
		if err := json.Unmarshal(body, &req); err != nil {
			writeResponse(w, errorResponse(nil, codeParseError, "parse error", err.Error()))
			return
		}

		// Notifications carry no id and get no response body.
		if len(req.ID) == 0 || string(req.ID) == "null" {
			s.handleNotification(req)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte("{}"))
			return
		}

		writeResponse(w, s.handle(r.Context(), req))
	}
}

func (s *Server) handle(ctx context.Context, req rpc.Request) rpc.Response {
	switch req.Method {
	case "initialize":
		return okResponse(req.ID, initializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    serverCapabilities{Tools: toolsCapability{ListChanged: false}},
			ServerInfo:      implementationInfo{Name: s.cfg.Name, Version: s.cfg.Version},
		})
	case "tools/list":
		return okResponse(req.ID, toolsListResult{Tools: s.Tools()})
	case "tools/call":
		return s.toolsCall(ctx, req)
	case "ping":
		return okResponse(req.ID, struct{}{})
	default:
		return errorResponse(req.ID, rpc.CodeMethodNotFound, "method not found", req.Method)
	}
}

func (s *Server) handleNotification(req rpc.Request) {
	if req.Method == "notifications/initialized" {
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
	}
}

func (s *Server) toolsCall(ctx context.Context, req rpc.Request) rpc.Response {
	var p toolCallParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errorResponse(req.ID, codeInvalidParams, "invalid params", err.Error())
	}

	method, ok := s.methods[p.Name]
	if !ok {
		return errorResponse(req.ID, codeToolNotFound, fmt.Sprintf("unknown tool: %s", p.Name), p.Name)
	}

	var args any = map[string]any{}
	if len(p.Arguments) > 0 {
		if err := json.Unmarshal(p.Arguments, &args); err != nil {
			return errorResponse(req.ID, codeInvalidParams, "invalid params", err.Error())
		}
	}
	if err := s.schemas[p.Name].Validate(args); err != nil {
		// Bad arguments come back as a tool result so the caller can
		// correct and retry.
		return okResponse(req.ID, errorResult(fmt.Sprintf("tool args schema validation failed: %v", err)))
	}

	resp := s.dispatch.Dispatch(ctx, rpc.Request{
		JSONRPC: rpc.JSONRPCVersion,
		ID:      req.ID,
		Method:  method,
		Params:  p.Arguments,
	})
	if resp.Error != nil {
		return okResponse(req.ID, errorResult(resp.Error.Message))
	}
	return okResponse(req.ID, structuredResult(resp.Result))
}

func structuredResult(v any) ToolCallResult {
	text, err := json.Marshal(v)
	if err != nil {
		text = []byte(fmt.Sprint(v))
	}
	return ToolCallResult{
		Content:           []ContentItem{{Type: "text", Text: string(text)}},
		StructuredContent: v,
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentItem{{Type: "text", Text: text}},
		IsError: true,
	}
}

func okResponse(id json.RawMessage, result any) rpc.Response {
	return rpc.Response{JSONRPC: rpc.JSONRPCVersion, ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string, data any) rpc.Response {
	return rpc.Response{
		JSONRPC: rpc.JSONRPCVersion,
		ID:      id,
		Error:   &rpc.RPCError{Code: code, Message: message, Data: data},
	}
}

func writeResponse(w http.ResponseWriter, resp rpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
