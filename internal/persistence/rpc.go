package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"NutriChat/internal/backend"
	"NutriChat/internal/session"
)

// rpcNotFound is the error code the session API uses for unknown ids
const rpcNotFound = -32004

// RPCRemote talks to a remote session API over HTTP JSON-RPC
type RPCRemote struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	reqID      int32
	logger     *slog.Logger
}

// NewRPCRemote creates a JSON-RPC session API client
func NewRPCRemote(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) (*RPCRemote, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}

	client := &RPCRemote{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}

	logger.Info("created session API client", "url", client.baseURL)
	return client, nil
}

func (c *RPCRemote) Create(ctx context.Context, rec Record) (string, error) {
	params := backend.CreateSessionParams{Session: toDocument(rec)}

	var result backend.CreateSessionResult
	if err := c.sendRequest(ctx, backend.MethodCreateSession, params, &result); err != nil {
		return "", fmt.Errorf("create session failed: %w", err)
	}
	if result.ID == "" {
		return "", fmt.Errorf("create session failed: empty id in response")
	}
	return result.ID, nil
}

func (c *RPCRemote) Update(ctx context.Context, id string, patch Patch) error {
	params := backend.UpdateSessionParams{ID: id, Title: patch.Title, TagIDs: patch.TagIDs}
	if patch.Messages != nil {
		msgs := toWireMessages(*patch.Messages)
		params.Messages = &msgs
	}

	if err := c.sendRequest(ctx, backend.MethodUpdateSession, params, nil); err != nil {
		return fmt.Errorf("update session failed: %w", err)
	}
	return nil
}

func (c *RPCRemote) Delete(ctx context.Context, id string) error {
	if err := c.sendRequest(ctx, backend.MethodDeleteSession, backend.DeleteSessionParams{ID: id}, nil); err != nil {
		return fmt.Errorf("delete session failed: %w", err)
	}
	return nil
}

func (c *RPCRemote) List(ctx context.Context) ([]Record, error) {
	var result backend.ListSessionsResult
	if err := c.sendRequest(ctx, backend.MethodListSessions, nil, &result); err != nil {
		return nil, fmt.Errorf("list sessions failed: %w", err)
	}

	recs := make([]Record, len(result.Sessions))
	for i, doc := range result.Sessions {
		recs[i] = fromDocument(doc)
	}
	return recs, nil
}

// sendRequest sends an HTTP JSON-RPC request
func (c *RPCRemote) sendRequest(ctx context.Context, method string, params interface{}, result interface{}) error {
	reqID := int(atomic.AddInt32(&c.reqID, 1))

	request := backend.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  method,
		Params:  params,
	}

	requestJSON, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/rpc", bytes.NewBuffer(requestJSON))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		return fmt.Errorf("HTTP error %d: %s", httpResp.StatusCode, string(body))
	}

	responseJSON, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var response backend.JSONRPCResponse
	if err := json.Unmarshal(responseJSON, &response); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if response.Error != nil {
		if response.Error.Code == rpcNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, response.Error.Message)
		}
		return fmt.Errorf("RPC error %d: %s", response.Error.Code, response.Error.Message)
	}

	c.logger.Debug("session API call", "method", method, "id", reqID)

	if result != nil {
		resultJSON, err := json.Marshal(response.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		if err := json.Unmarshal(resultJSON, result); err != nil {
			return fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}

	return nil
}

func toDocument(rec Record) backend.SessionDocument {
	tags := rec.TagIDs
	if tags == nil {
		tags = []string{}
	}
	return backend.SessionDocument{
		ID:        rec.ID,
		Title:     rec.Title,
		TagIDs:    tags,
		Messages:  toWireMessages(rec.Messages),
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

func fromDocument(doc backend.SessionDocument) Record {
	rec := Record{
		ID:        doc.ID,
		Title:     doc.Title,
		TagIDs:    doc.TagIDs,
		Messages:  make([]session.Message, len(doc.Messages)),
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	for i, m := range doc.Messages {
		rec.Messages[i] = session.Message{
			ID:        m.ID,
			SessionID: doc.ID,
			Role:      session.Role(m.Role),
			Type:      session.MessageType(m.Type),
			Content:   m.Content,
			Status:    session.Status(m.Status),
			CreatedAt: m.CreatedAt,
		}
	}
	return rec
}

func toWireMessages(msgs []session.Message) []backend.SessionMessage {
	out := make([]backend.SessionMessage, len(msgs))
	for i, m := range msgs {
		out[i] = backend.SessionMessage{
			ID:        m.ID,
			Role:      string(m.Role),
			Type:      string(m.Type),
			Content:   m.Content,
			Status:    string(m.Status),
			CreatedAt: m.CreatedAt,
		}
	}
	return out
}
