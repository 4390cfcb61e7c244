package schemas

import "strconv"

// BatchStatus represents the status of a provider batch job.
type BatchStatus string

const (
	BatchStatusValidating BatchStatus = "validating"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusInProgress BatchStatus = "in_progress"
	BatchStatusFinalizing BatchStatus = "finalizing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusExpired    BatchStatus = "expired"
	BatchStatusCancelling BatchStatus = "cancelling"
	BatchStatusCancelled  BatchStatus = "cancelled"
)

// IsFinal reports whether the provider will never move the batch again.
func (s BatchStatus) IsFinal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusExpired, BatchStatusCancelled:
		return true
	}
	return false
}

// HasOutput reports whether the status implies result files may exist.
// Expired batches carry partial output for the requests that did finish.
func (s BatchStatus) HasOutput() bool {
	return s == BatchStatusCompleted || s == BatchStatusExpired
}

// BatchEndpoint represents supported batch API endpoints.
type BatchEndpoint string

const (
	BatchEndpointChatCompletions BatchEndpoint = "/v1/chat/completions"
)

// MetadataTotalTokens is the batch metadata key holding the summed local
// token estimate of the batch's input file. The station writes it at batch
// creation and reads it back during sync to rebuild per-key quota usage.
const MetadataTotalTokens = "total_tokens"

// MetadataSource marks batches created by this system.
const MetadataSource = "source"

// BatchRequestItem represents a single line of a batch input file.
type BatchRequestItem struct {
	CustomID string         `json:"custom_id"`
	Method   string         `json:"method,omitempty"`
	URL      string         `json:"url,omitempty"`
	Body     map[string]any `json:"body,omitempty"`
}

// BatchRequestCounts tracks the counts of requests in different states.
type BatchRequestCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// BatchErrors represents batch-level errors reported by the provider.
type BatchErrors struct {
	Object string       `json:"object,omitempty"`
	Data   []BatchError `json:"data,omitempty"`
}

// BatchError represents a single batch-level error.
type BatchError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Param   string `json:"param,omitempty"`
	Line    *int   `json:"line,omitempty"`
}

// Batch is the provider-side batch object.
type Batch struct {
	ID               string             `json:"id"`
	Object           string             `json:"object,omitempty"`
	Endpoint         string             `json:"endpoint,omitempty"`
	InputFileID      string             `json:"input_file_id,omitempty"`
	CompletionWindow string             `json:"completion_window,omitempty"`
	Status           BatchStatus        `json:"status"`
	RequestCounts    BatchRequestCounts `json:"request_counts,omitempty"`
	Metadata         map[string]string  `json:"metadata,omitempty"`
	CreatedAt        int64              `json:"created_at,omitempty"`
	ExpiresAt        *int64             `json:"expires_at,omitempty"`
	InProgressAt     *int64             `json:"in_progress_at,omitempty"`
	FinalizingAt     *int64             `json:"finalizing_at,omitempty"`
	CompletedAt      *int64             `json:"completed_at,omitempty"`
	FailedAt         *int64             `json:"failed_at,omitempty"`
	ExpiredAt        *int64             `json:"expired_at,omitempty"`
	CancellingAt     *int64             `json:"cancelling_at,omitempty"`
	CancelledAt      *int64             `json:"cancelled_at,omitempty"`

	OutputFileID *string      `json:"output_file_id,omitempty"`
	ErrorFileID  *string      `json:"error_file_id,omitempty"`
	Errors       *BatchErrors `json:"errors,omitempty"`
}

// TotalTokens reads the local token estimate back out of the batch
// metadata. Batches created outside this system report zero.
func (b *Batch) TotalTokens() int64 {
	if b.Metadata == nil {
		return 0
	}
	raw, ok := b.Metadata[MetadataTotalTokens]
	if !ok {
		return 0
	}
	tokens, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || tokens < 0 {
		return 0
	}
	return tokens
}

// BatchPage is one page of a batch listing.
type BatchPage struct {
	Object  string  `json:"object,omitempty"`
	Data    []Batch `json:"data"`
	FirstID *string `json:"first_id,omitempty"`
	LastID  *string `json:"last_id,omitempty"`
	HasMore bool    `json:"has_more,omitempty"`
}

// BatchOutputLine is one line of a batch output or error file.
type BatchOutputLine struct {
	ID       string               `json:"id,omitempty"`
	CustomID string               `json:"custom_id"`
	Response *BatchOutputResponse `json:"response,omitempty"`
	Error    *BatchOutputError    `json:"error,omitempty"`
}

// BatchOutputResponse is the per-line response envelope of an output file.
type BatchOutputResponse struct {
	StatusCode int            `json:"status_code"`
	RequestID  string         `json:"request_id,omitempty"`
	Body       map[string]any `json:"body,omitempty"`
}

// BatchOutputError is the per-line error envelope of an error file.
type BatchOutputError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ToRequestResponse converts an output line into the stored request outcome.
// Error-file lines become responses with Error set; they resolve the row
// without producing parseable content.
func (l *BatchOutputLine) ToRequestResponse() *RequestResponse {
	resp := &RequestResponse{Error: l.Error}
	if l.Response != nil {
		resp.StatusCode = l.Response.StatusCode
		resp.Body = l.Response.Body
	}
	return resp
}
