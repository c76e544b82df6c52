package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"NutriChat/internal/backend"
	"NutriChat/internal/session"
)

// WebSocketGenerator streams responses over a WebSocket. Each Generate call
// dials a fresh connection, writes one backend.GenerateRequest and then reads
// backend.StreamChunk frames until done.
type WebSocketGenerator struct {
	url    string
	apiKey string
	kind   session.MessageType
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewWebSocketGenerator creates a generator for one message type
func NewWebSocketGenerator(url, apiKey string, kind session.MessageType, logger *slog.Logger) (*WebSocketGenerator, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if url == "" {
		return nil, fmt.Errorf("stream URL cannot be empty")
	}

	return &WebSocketGenerator{
		url:    url,
		apiKey: apiKey,
		kind:   kind,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}, nil
}

// RegisterWebSocket installs a WebSocket generator for every message type
func RegisterWebSocket(r *Registry, url, apiKey string, logger *slog.Logger) error {
	for _, t := range []session.MessageType{session.TypeChat, session.TypeRecipe, session.TypeHealthAdvice} {
		g, err := NewWebSocketGenerator(url, apiKey, t, logger)
		if err != nil {
			return err
		}
		r.Register(t, g)
	}
	return nil
}

// Generate dials the stream endpoint and sends the request
func (g *WebSocketGenerator) Generate(token *CancelToken, history []session.Message) (ChunkSource, error) {
	header := http.Header{}
	if g.apiKey != "" {
		header.Set("Authorization", "Bearer "+g.apiKey)
	}

	conn, _, err := g.dialer.DialContext(token.Context(), g.url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	request := backend.GenerateRequest{
		Type:     string(g.kind),
		Messages: toHistory(history),
		Stream:   true,
	}
	if err := conn.WriteJSON(request); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	src := &wsSource{conn: conn}
	// A blocked ReadJSON only returns once the connection is closed
	src.stop = context.AfterFunc(token.Context(), func() { src.Close() })

	g.logger.Debug("opened WebSocket stream", "type", g.kind, "url", g.url)
	return src, nil
}

type wsSource struct {
	conn   *websocket.Conn
	stop   func() bool
	q      queue
	mu     sync.Mutex
	closed bool
}

func (s *wsSource) Next(ctx context.Context) (Chunk, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Chunk{}, err
		}
		if c, ok := s.q.pop(); ok {
			return c, nil
		}
		if s.q.done {
			return Chunk{}, io.EOF
		}

		var wire backend.StreamChunk
		if err := s.conn.ReadJSON(&wire); err != nil {
			if err := ctx.Err(); err != nil {
				return Chunk{}, err
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return Chunk{}, ErrStreamIncomplete
			}
			return Chunk{}, fmt.Errorf("failed to read chunk: %w", err)
		}
		chunks, err := decodeChunk(wire)
		if err != nil {
			return Chunk{}, err
		}
		s.q.push(chunks)
	}
}

func (s *wsSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.stop != nil {
		s.stop()
	}

	// Send close message
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}
