package models

// These structs define the JSON payloads exchanged with the HTTP and
// CloudEvent entry points.

// Status values reported by NextBatchResponse.
const (
	BatchStatusOK             = "ok"
	BatchStatusNoDocument     = "no_document"
	BatchStatusBudgetTooSmall = "budget_too_small"
)

// NextBatchRequest is the input for the batch-selector function.
// A zero Limit means "use the configured default".
type NextBatchRequest struct {
	Limit int `json:"limit"`
}

// NextBatchResponse is the output of the batch-selector function.
type NextBatchResponse struct {
	Status     string `json:"status"`
	Batch      *Batch `json:"batch,omitempty"`
	DocumentID string `json:"documentId,omitempty"`
	PageNumber int    `json:"pageNumber,omitempty"`
	PageTokens int    `json:"pageTokens,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Message    string `json:"message,omitempty"`
}

// GCSEvent is the data payload of a Cloud Storage object finalize event.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// IngestResponse summarises what happened to one source document.
type IngestResponse struct {
	Status     string `json:"status"`
	DocumentID string `json:"documentId,omitempty"`
	PageCount  int    `json:"pageCount"`
	Tokens     int    `json:"totalTokens"`
}
