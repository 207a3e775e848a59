// Package codex drives the external coding-model process: a child
// subprocess speaking JSON-RPC 2.0 over stdio, with server-initiated
// notifications for turn progress.
package codex

import "encoding/json"

// Notification method names the model process emits.
const (
	NoteTurnDiffUpdated    = "turn/diff/updated"
	NoteTurnCompleted      = "turn/completed"
	NoteAgentMessageDelta  = "item/agentMessage/delta"
	NoteCommandOutputDelta = "item/commandExecution/outputDelta"
	NoteLoginCompleted     = "account/login/completed"
)

// Turn completion statuses reported by the model.
const (
	TurnStatusCompleted   = "completed"
	TurnStatusFailed      = "failed"
	TurnStatusInterrupted = "interrupted"
)

// request is the outbound JSON-RPC envelope.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcError is the JSON-RPC error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// inbound is one line from the model: a response when ID is set, a
// notification when Method is set.
type inbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Notification is a server-initiated message routed to the dispatcher.
type Notification struct {
	Method string
	Params json.RawMessage
}

// ExitStatus describes how the model process ended.
type ExitStatus struct {
	Code   int
	Signal string
}

// InitializeParams configures the model process on startup.
type InitializeParams struct {
	WorkspacesRoot string   `json:"workspacesRoot"`
	AllowedDomains []string `json:"allowedDomains,omitempty"`
	SecretEnvNames []string `json:"secretEnvNames,omitempty"`
}

// InitializeResult is the model's handshake response.
type InitializeResult struct {
	Model   string `json:"model,omitempty"`
	Version string `json:"version,omitempty"`
}

// LoginInfo is returned by startChatGptLogin; completion arrives later
// as an account/login/completed notification.
type LoginInfo struct {
	AuthURL string `json:"authUrl"`
}

// startThreadResult carries the new conversation identifier.
type startThreadResult struct {
	ThreadID string `json:"threadId"`
}

// startTurnParams requests one prompt exchange on a thread.
type startTurnParams struct {
	ThreadID string `json:"threadId"`
	Prompt   string `json:"prompt"`
	Cwd      string `json:"cwd,omitempty"`
}

// startTurnResult carries the turn identifier used to match the
// completion notification.
type startTurnResult struct {
	TurnID string `json:"turnId"`
}

// TurnCompletedParams is the payload of turn/completed.
type TurnCompletedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
}

// AgentMessageDelta is the payload of item/agentMessage/delta.
type AgentMessageDelta struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Delta    string `json:"delta"`
}

// CommandOutputDelta is the payload of item/commandExecution/outputDelta.
type CommandOutputDelta struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Command  string `json:"command,omitempty"`
	Delta    string `json:"delta"`
}
