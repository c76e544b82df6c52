package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NutriChat/internal/backend"
	"NutriChat/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func history(content string) []session.Message {
	return []session.Message{{ID: "m1", Role: session.RoleUser, Type: session.TypeChat, Content: content, Status: session.StatusDone}}
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "k", Timeout: 2 * time.Second}, testLogger())
	require.NoError(t, err)
	return c
}

func drain(t *testing.T, src ChunkSource) ([]string, error) {
	t.Helper()
	var deltas []string
	for {
		c, err := src.Next(context.Background())
		if err != nil {
			return deltas, err
		}
		if c.Kind == ChunkDone {
			_, err := src.Next(context.Background())
			require.ErrorIs(t, err, io.EOF)
			return deltas, nil
		}
		deltas = append(deltas, c.Text)
	}
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(ClientConfig{BaseURL: "http://x"}, nil)
	assert.Error(t, err)
	_, err = NewClient(ClientConfig{}, testLogger())
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathIntent, r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))

		var req backend.IntentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "推荐一个番茄炒蛋的菜谱", req.Messages[0].Content)

		json.NewEncoder(w).Encode(backend.IntentResponse{Intent: "recipe"})
	}))

	token := NewCancelToken(context.Background())
	defer token.Release()

	intent, err := c.Classify(token, history("推荐一个番茄炒蛋的菜谱"))
	require.NoError(t, err)
	assert.Equal(t, session.TypeRecipe, intent)
}

func TestClassifyFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(backend.ErrorResponse{Error: "boom"})
		}},
		{"unknown intent", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(backend.IntentResponse{Intent: "weather"})
		}},
		{"garbage body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler)
			token := NewCancelToken(context.Background())
			defer token.Release()

			_, err := c.Classify(token, history("hi"))
			assert.ErrorIs(t, err, ErrClassification)
		})
	}
}

func sseHandler(t *testing.T, path string, lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, path, r.URL.Path)
		var req backend.GenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
			flusher.Flush()
		}
	}
}

func TestStreamRecipe(t *testing.T) {
	c := newTestClient(t, sseHandler(t, PathRecipe,
		`data: {"responseDelta":"**1. 番茄炒蛋**\n","done":false}`,
		`: keep-alive`,
		`data: {"responseDelta":"关键厨具：炒锅\n","done":false}`,
		`data: {"responseDelta":"难度：简单\n","done":true}`,
	))

	token := NewCancelToken(context.Background())
	defer token.Release()

	src, err := c.StreamRecipe(token, history("推荐一个番茄炒蛋的菜谱"))
	require.NoError(t, err)
	defer src.Close()

	deltas, err := drain(t, src)
	require.NoError(t, err)
	assert.Equal(t, []string{"**1. 番茄炒蛋**\n", "关键厨具：炒锅\n", "难度：简单\n"}, deltas)
}

func TestStreamDoneMarker(t *testing.T) {
	c := newTestClient(t, sseHandler(t, PathChat,
		`data: {"responseDelta":"hello","done":false}`,
		`data: [DONE]`,
	))

	token := NewCancelToken(context.Background())
	defer token.Release()

	src, err := c.StreamChat(token, history("hi"))
	require.NoError(t, err)
	defer src.Close()

	deltas, err := drain(t, src)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, deltas)
}

func TestStreamIncomplete(t *testing.T) {
	c := newTestClient(t, sseHandler(t, PathHealthAdvice,
		`data: {"responseDelta":"多喝水","done":false}`,
	))

	token := NewCancelToken(context.Background())
	defer token.Release()

	src, err := c.StreamHealthAdvice(token, history("健康建议"))
	require.NoError(t, err)
	defer src.Close()

	deltas, err := drain(t, src)
	assert.ErrorIs(t, err, ErrStreamIncomplete)
	assert.Equal(t, []string{"多喝水"}, deltas)
}

func TestStreamBackendError(t *testing.T) {
	c := newTestClient(t, sseHandler(t, PathChat,
		`data: {"responseDelta":"par","done":false}`,
		`data: {"done":false,"error":"model overloaded"}`,
	))

	token := NewCancelToken(context.Background())
	defer token.Release()

	src, err := c.StreamChat(token, history("hi"))
	require.NoError(t, err)
	defer src.Close()

	_, err = drain(t, src)
	assert.ErrorIs(t, err, ErrBackend)
	assert.ErrorContains(t, err, "model overloaded")
}

func TestStreamHTTPError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))

	token := NewCancelToken(context.Background())
	defer token.Release()

	_, err := c.StreamChat(token, history("hi"))
	assert.ErrorContains(t, err, "502")
}

func TestStreamCancelUnblocksRead(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"responseDelta\":\"first\",\"done\":false}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer close(release)

	token := NewCancelToken(context.Background())
	defer token.Release()

	src, err := c.StreamChat(token, history("hi"))
	require.NoError(t, err)
	defer src.Close()

	first, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Delta("first"), first)

	errCh := make(chan error, 1)
	go func() {
		_, err := src.Next(context.Background())
		errCh <- err
	}()

	token.Cancel()
	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after cancellation")
	}
	assert.True(t, token.Cancelled())
}

func TestClientRegister(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	r := NewRegistry()
	c.Register(r)

	assert.Equal(t, 3, r.Count())
	assert.Equal(t, []session.MessageType{session.TypeChat, session.TypeHealthAdvice, session.TypeRecipe}, r.Types())
	_, ok := r.Get(session.TypeRecipe)
	assert.True(t, ok)
}

func TestDecodeChunk(t *testing.T) {
	text := "x"
	chunks, err := decodeChunk(backend.StreamChunk{ResponseDelta: &text, Done: true})
	require.NoError(t, err)
	assert.Equal(t, []Chunk{Delta("x"), Done()}, chunks)

	empty := ""
	chunks, err = decodeChunk(backend.StreamChunk{ResponseDelta: &empty})
	require.NoError(t, err)
	assert.Empty(t, chunks)

	_, err = decodeChunk(backend.StreamChunk{Error: "bad"})
	assert.True(t, errors.Is(err, ErrBackend))
}
