package request

import "encoding/json"

// EnqueueJobRequest represents a job enqueue request
type EnqueueJobRequest struct {
	ID           string          `json:"id,omitempty"` // business key for replay protection
	Kind         string          `json:"kind" binding:"required"`
	Payload      json.RawMessage `json:"payload" binding:"required"`
	Priority     int             `json:"priority,omitempty"`
	DelaySeconds int             `json:"delay_seconds,omitempty"`
}

// CancelJobRequest represents a job cancellation request
type CancelJobRequest struct {
	Reason string `json:"reason,omitempty"`
}
