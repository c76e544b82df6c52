package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"NutriChat/internal/backend"
	"NutriChat/internal/session"
)

// Endpoint paths relative to the backend base URL
const (
	PathIntent       = "/api/intent"
	PathChat         = "/api/chat/stream"
	PathRecipe       = "/api/recipe/stream"
	PathHealthAdvice = "/api/health-advice/stream"
)

// ClientConfig configures the HTTP backend client
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration // Applies to intent calls only, streams are bounded by their token
	Tracer  trace.Tracer
	Meter   metric.Meter
}

// Client calls the assistant backend over HTTP. Intent classification is a
// plain JSON round trip; generation streams server-sent events whose data
// lines carry backend.StreamChunk payloads.
type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	streamClient *http.Client
	logger       *slog.Logger
	tracer       trace.Tracer
	duration     metric.Float64Histogram
}

// NewClient creates a new HTTP backend client
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("transport")
	}
	meter := cfg.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter("transport")
	}
	histogram, err := meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	client := &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{Timeout: 0}, // No timeout for SSE streams
		logger:       logger,
		tracer:       tracer,
		duration:     histogram,
	}

	logger.Info("created backend HTTP client", "url", client.baseURL)
	return client, nil
}

// Register installs the client's three streaming calls into r
func (c *Client) Register(r *Registry) {
	r.Register(session.TypeChat, GeneratorFunc(c.StreamChat))
	r.Register(session.TypeRecipe, GeneratorFunc(c.StreamRecipe))
	r.Register(session.TypeHealthAdvice, GeneratorFunc(c.StreamHealthAdvice))
}

// Classify calls the intent endpoint
func (c *Client) Classify(token *CancelToken, history []session.Message) (session.MessageType, error) {
	ctx, span := c.tracer.Start(token.Context(), "backend.intent")
	defer span.End()

	start := time.Now()

	body, err := json.Marshal(backend.IntentRequest{Messages: toHistory(history)})
	if err != nil {
		return "", fmt.Errorf("%w: failed to marshal request: %v", ErrClassification, err)
	}

	resp, err := c.post(ctx, c.httpClient, PathIntent, body)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%w: %w", ErrClassification, err)
	}
	defer resp.Body.Close()

	var out backend.IntentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%w: failed to unmarshal response: %v", ErrClassification, err)
	}

	c.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("endpoint", PathIntent)))

	intent, ok := session.ParseMessageType(out.Intent)
	if !ok {
		return "", fmt.Errorf("%w: unknown intent %q", ErrClassification, out.Intent)
	}
	span.SetAttributes(attribute.String("intent", string(intent)))
	return intent, nil
}

// StreamChat streams a plain chat reply
func (c *Client) StreamChat(token *CancelToken, history []session.Message) (ChunkSource, error) {
	return c.stream(token, PathChat, session.TypeChat, history)
}

// StreamRecipe streams a recipe recommendation
func (c *Client) StreamRecipe(token *CancelToken, history []session.Message) (ChunkSource, error) {
	return c.stream(token, PathRecipe, session.TypeRecipe, history)
}

// StreamHealthAdvice streams health advice
func (c *Client) StreamHealthAdvice(token *CancelToken, history []session.Message) (ChunkSource, error) {
	return c.stream(token, PathHealthAdvice, session.TypeHealthAdvice, history)
}

func (c *Client) stream(token *CancelToken, path string, t session.MessageType, history []session.Message) (ChunkSource, error) {
	ctx, span := c.tracer.Start(token.Context(), "backend.stream",
		trace.WithAttributes(attribute.String("type", string(t))))
	defer span.End()

	start := time.Now()

	body, err := json.Marshal(backend.GenerateRequest{
		Type:     string(t),
		Messages: toHistory(history),
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.post(token.Context(), c.streamClient, path, body)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	c.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("endpoint", path)))

	c.logger.Debug("opened backend stream", "type", t, "path", path)
	return newSSESource(resp.Body), nil
}

// post sends a JSON request and returns the response once the status is checked
func (c *Client) post(ctx context.Context, client *http.Client, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("content-type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr backend.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("API error: %s - %s", resp.Status, apiErr.Error)
		}
		return nil, fmt.Errorf("API error: %s - %s", resp.Status, string(data))
	}
	return resp, nil
}

// sseSource reads "data:" lines from an event stream
type sseSource struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	q       queue
	once    sync.Once
}

func newSSESource(body io.ReadCloser) *sseSource {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)
	return &sseSource{body: body, scanner: scanner}
}

func (s *sseSource) Next(ctx context.Context) (Chunk, error) {
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

		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return Chunk{}, fmt.Errorf("failed to read stream: %w", err)
			}
			return Chunk{}, ErrStreamIncomplete
		}

		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			s.q.push([]Chunk{Done()})
			continue
		}

		var wire backend.StreamChunk
		if err := json.Unmarshal([]byte(data), &wire); err != nil {
			return Chunk{}, fmt.Errorf("failed to unmarshal chunk: %w", err)
		}
		chunks, err := decodeChunk(wire)
		if err != nil {
			return Chunk{}, err
		}
		s.q.push(chunks)
	}
}

func (s *sseSource) Close() error {
	var err error
	s.once.Do(func() { err = s.body.Close() })
	return err
}
