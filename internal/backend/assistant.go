package backend

// HistoryMessage is a single turn as sent to the assistant backend
type HistoryMessage struct {
	Role    string `json:"role"`
	Type    string `json:"type,omitempty"`
	Content string `json:"content"`
}

// IntentRequest represents the request body for the intent classification endpoint
type IntentRequest struct {
	Messages []HistoryMessage `json:"messages"`
}

// IntentResponse represents the response from the intent classification endpoint
type IntentResponse struct {
	Intent string `json:"intent"` // "chat", "recipe" or "health_advice"
}

// GenerateRequest represents the request body for the streaming generation endpoints
type GenerateRequest struct {
	Type     string           `json:"type"`
	Messages []HistoryMessage `json:"messages"`
	Stream   bool             `json:"stream"`
}

// StreamChunk is one event of a streamed response, delivered as an SSE data line
// or a WebSocket text frame
type StreamChunk struct {
	ResponseDelta *string `json:"responseDelta,omitempty"`
	Done          bool    `json:"done"`
	Error         string  `json:"error,omitempty"`
}

// ErrorResponse represents an error body returned by the backend
type ErrorResponse struct {
	Error string `json:"error"`
}
