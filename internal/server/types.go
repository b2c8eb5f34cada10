package server

import (
	"github.com/archrelight/archrelight/internal/pipeline"
)

type Status int

const (
	StatusReady Status = iota
	StatusStopping
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "READY"
	case StatusStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

type RequestStatus string

const (
	RequestStarting  RequestStatus = "starting"
	RequestSucceeded RequestStatus = "succeeded"
	RequestFailed    RequestStatus = "failed"
)

type HealthCheck struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// EnhanceRequest is the JSON body of POST /enhance. Multipart forms carry the
// same fields plus an image or file part.
type EnhanceRequest struct {
	ImageURL            string   `json:"imageUrl"`
	Preset              string   `json:"preset,omitempty"`
	Strength            *float64 `json:"strength,omitempty"`
	PreserveComposition *bool    `json:"preserveComposition,omitempty"`
	PreserveCompSnake   *bool    `json:"preserve_composition,omitempty"`
	Upscale             string   `json:"upscale,omitempty"`
	Webhook             string   `json:"webhook,omitempty"`
	WebhookEventsFilter []string `json:"webhook_events_filter,omitempty"`
}

// EnhanceResponse is written for synchronous requests and sent as the
// webhook payload for asynchronous ones.
type EnhanceResponse struct {
	*pipeline.Result
	RequestID   string        `json:"requestId"`
	Status      RequestStatus `json:"status"`
	Error       string        `json:"error,omitempty"`
	Stage       string        `json:"stage,omitempty"`
	JobID       string        `json:"jobId,omitempty"`
	CreatedAt   string        `json:"createdAt,omitempty"`
	CompletedAt string        `json:"completedAt,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Stage string `json:"stage,omitempty"`
	Model string `json:"model,omitempty"`
	JobID string `json:"jobId,omitempty"`
}
