package domain

import (
	"encoding/json"
	"fmt"
)

// TaskDescriptor asks the analysis worker to process a stored log file.
type TaskDescriptor struct {
	JobID         string `json:"jobId"`
	FileKey       string `json:"fileKey"`
	Bucket        string `json:"bucket"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// ResultDescriptor reports the worker's outcome for a job.
// IncidentCount and CorrelationID are optional on the wire.
type ResultDescriptor struct {
	JobID         string    `json:"jobId"`
	Status        JobStatus `json:"status"`
	IncidentCount *int      `json:"incidentCount,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// Envelope is the {"pattern", "data"} frame shared with the analysis worker.
type Envelope struct {
	Pattern string          `json:"pattern"`
	Data    json.RawMessage `json:"data"`
}

// EncodeTask wraps a task descriptor in an envelope addressed to pattern.
func EncodeTask(pattern string, task TaskDescriptor) ([]byte, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	return json.Marshal(Envelope{Pattern: pattern, Data: data})
}

// DecodeResult parses a result delivery. Both the enveloped form and a bare
// descriptor are accepted.
func DecodeResult(body []byte) (*ResultDescriptor, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	payload := body
	if len(env.Data) > 0 && string(env.Data) != "null" {
		payload = env.Data
	}

	var result ResultDescriptor
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if result.JobID == "" {
		return nil, fmt.Errorf("%w: missing jobId", ErrMalformedMessage)
	}

	return &result, nil
}
