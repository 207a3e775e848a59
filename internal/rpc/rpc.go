// Package rpc exposes the controller over JSON-RPC 2.0. One POST
// endpoint, a flat noun/verb method table, and an async whitelist:
// long-running methods are accepted onto the job layer and answer
// with a job id instead of blocking the request.
package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/droverhq/drover/internal/jobs"
)

// JSONRPCVersion is the protocol version accepted and emitted.
const JSONRPCVersion = "2.0"

// Error codes. Application failures fold to CodeAppError with the
// error text as the message.
const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeAppError       = -32000
)

// Request is one JSON-RPC 2.0 call.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is one JSON-RPC 2.0 reply.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Handler executes one method.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Method is one table entry. Async methods are submitted to the job
// layer and acknowledged with {accepted, jobId}. Schema is the JSON
// schema of the params object; the chat-tool surface validates tool
// arguments against it before dispatch.
type Method struct {
	Description string
	Schema      string
	Async       bool
	Handler     Handler
}

// Registry is the capability table. The RPC endpoint dispatches on it
// directly; the chat-tool surface lists the same entries as tools.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]Method
}

// NewRegistry creates an empty table.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]Method)}
}

// Register adds or replaces a method.
func (r *Registry) Register(name string, m Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = m
}

// Get looks a method up.
func (r *Registry) Get(name string) (Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	return m, ok
}

// Names returns the registered method names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// JobSubmitter runs async methods. Satisfied by *jobs.Manager.
type JobSubmitter interface {
	Submit(method string, fn jobs.Fn) string
}

// Server is the HTTP surface over a Registry.
type Server struct {
	token    string
	registry *Registry
	jobs     JobSubmitter
}

// NewServer creates the endpoint. An empty token disables auth.
func NewServer(token string, registry *Registry, jobs JobSubmitter) *Server {
	return &Server{token: token, registry: registry, jobs: jobs}
}

// Authorized checks the Authorization header against the shared
// bearer token. Exported so the chat-tool endpoint applies the same
// rule.
func (s *Server) Authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	bearer, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(bearer), []byte(s.token)) == 1
}

// Handler returns the POST /rpc handler.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !s.Authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeResponse(w, Response{
				JSONRPC: JSONRPCVersion,
				Error:   &RPCError{Code: CodeInvalidRequest, Message: "invalid JSON"},
			})
			return
		}

		writeResponse(w, s.Dispatch(r.Context(), req))
	}
}

// Dispatch runs one request against the table and builds the reply.
func (s *Server) Dispatch(ctx context.Context, req Request) Response {
	resp := Response{JSONRPC: JSONRPCVersion, ID: req.ID}

	if req.JSONRPC != JSONRPCVersion || req.Method == "" {
		resp.Error = &RPCError{Code: CodeInvalidRequest, Message: "invalid request"}
		return resp
	}

	m, ok := s.registry.Get(req.Method)
	if !ok {
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: "method not found", Data: req.Method}
		return resp
	}

	if m.Async {
		params := req.Params
		jobID := s.jobs.Submit(req.Method, func(jctx context.Context) (any, error) {
			return m.Handler(jctx, params)
		})
		resp.Result = map[string]any{"accepted": true, "jobId": jobID}
		return resp
	}

	result, err := m.Handler(ctx, req.Params)
	if err != nil {
		resp.Error = &RPCError{Code: CodeAppError, Message: err.Error()}
		return resp
	}
	resp.Result = result
	return resp
}

func writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
