package schemas

import (
	"fmt"
	"time"
)

// ChatRole represents the role of a chat message author.
type ChatRole string

const (
	ChatRoleSystem    ChatRole = "system"
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatMessage is a single message in a chat completion request.
type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}

// ResponseFormat constrains the completion output shape.
type ResponseFormat struct {
	Type string `json:"type"`
}

// JSONResponseFormat requests a JSON object completion.
func JSONResponseFormat() *ResponseFormat {
	return &ResponseFormat{Type: "json_object"}
}

// RequestBody is the provider-facing body of one batch request. It is
// written once at request creation and never mutated afterwards.
type RequestBody struct {
	Model          string          `json:"model"`
	Messages       []ChatMessage   `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"max_completion_tokens,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

	// InputTokens is the local token estimate the packer budgets with. It is
	// not part of the provider contract and is stripped from the body before
	// a batch input line is serialized.
	InputTokens int `json:"input_tokens,omitempty"`
}

// ToBatchItem converts the body into a batch input file line, dropping the
// local token accounting fields.
func (b *RequestBody) ToBatchItem(customID string) BatchRequestItem {
	body := map[string]any{
		"model":    b.Model,
		"messages": b.Messages,
	}
	if b.Temperature != nil {
		body["temperature"] = *b.Temperature
	}
	if b.MaxTokens != nil {
		body["max_completion_tokens"] = *b.MaxTokens
	}
	if b.ResponseFormat != nil {
		body["response_format"] = b.ResponseFormat
	}
	return BatchRequestItem{
		CustomID: customID,
		Method:   "POST",
		URL:      string(BatchEndpointChatCompletions),
		Body:     body,
	}
}

// RequestResponse is the stored outcome of one batch request: either the
// provider's completion body or the per-line error it reported instead.
type RequestResponse struct {
	StatusCode int               `json:"status_code,omitempty"`
	Body       map[string]any    `json:"body,omitempty"`
	Error      *BatchOutputError `json:"error,omitempty"`
}

// ContentText digs the completion text out of a chat completion body.
func (r *RequestResponse) ContentText() (string, error) {
	if r.Error != nil {
		return "", fmt.Errorf("request failed provider-side: %s (%s)", r.Error.Message, r.Error.Code)
	}
	if r.Body == nil {
		return "", fmt.Errorf("response has no body")
	}
	choices, ok := r.Body["choices"].([]any)
	if !ok || len(choices) == 0 {
		return "", fmt.Errorf("response body has no choices")
	}
	first, ok := choices[0].(map[string]any)
	if !ok {
		return "", fmt.Errorf("response choice has unexpected shape")
	}
	message, ok := first["message"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("response choice has no message")
	}
	content, ok := message["content"].(string)
	if !ok {
		return "", fmt.Errorf("response message has no text content")
	}
	return content, nil
}

// BatchRequest is one request row. Lifecycle is tracked entirely through
// the nullability of BatchID and Response:
//
//	both nil        -> pending (packable)
//	BatchID only    -> in flight
//	Response set    -> resolved
//
// A row with a response but no batch is illegal and never produced; unpair
// clears both columns together.
type BatchRequest struct {
	CustomID  string
	Body      *RequestBody
	BatchID   *string
	Response  *RequestResponse
	CreatedAt time.Time
}

// IsPending reports whether the row is eligible for packing.
func (r *BatchRequest) IsPending() bool {
	return r.BatchID == nil && r.Response == nil
}

// IsInFlight reports whether the row is paired to a provider batch whose
// outcome has not been ingested yet.
func (r *BatchRequest) IsInFlight() bool {
	return r.BatchID != nil && r.Response == nil
}

// IsResolved reports whether the row carries a provider outcome.
func (r *BatchRequest) IsResolved() bool {
	return r.Response != nil
}

// InputTokens returns the packer budget estimate carried in the body.
func (r *BatchRequest) InputTokens() int {
	if r.Body == nil {
		return 0
	}
	return r.Body.InputTokens
}
