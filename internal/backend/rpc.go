package backend

import "time"

// JSON-RPC 2.0 protocol types for the session persistence API

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"` // Always "2.0"
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"` // Always "2.0"
	ID      int         `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Session API methods
const (
	MethodCreateSession = "sessions/create"
	MethodUpdateSession = "sessions/update"
	MethodDeleteSession = "sessions/delete"
	MethodListSessions  = "sessions/list"
)

// SessionMessage is a message as stored by the session API
type SessionMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionDocument is the whole-document representation of a session
type SessionDocument struct {
	ID        string           `json:"id,omitempty"`
	Title     string           `json:"title"`
	TagIDs    []string         `json:"tagIds"`
	Messages  []SessionMessage `json:"messages"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// CreateSessionParams represents parameters for sessions/create
type CreateSessionParams struct {
	Session SessionDocument `json:"session"`
}

// CreateSessionResult represents result from sessions/create
type CreateSessionResult struct {
	ID string `json:"id"`
}

// UpdateSessionParams represents parameters for sessions/update.
// Nil fields are left untouched; Messages replaces the whole list.
type UpdateSessionParams struct {
	ID       string            `json:"id"`
	Title    *string           `json:"title,omitempty"`
	TagIDs   *[]string         `json:"tagIds,omitempty"`
	Messages *[]SessionMessage `json:"messages,omitempty"`
}

// DeleteSessionParams represents parameters for sessions/delete
type DeleteSessionParams struct {
	ID string `json:"id"`
}

// ListSessionsResult represents result from sessions/list
type ListSessionsResult struct {
	Sessions []SessionDocument `json:"sessions"`
}
