package replicate

import (
	"encoding/json"
	"fmt"
	"strings"
)

type PredictionStatus string

const (
	PredictionStarting   PredictionStatus = "starting"
	PredictionProcessing PredictionStatus = "processing"
	PredictionSucceeded  PredictionStatus = "succeeded"
	PredictionCanceled   PredictionStatus = "canceled"
	PredictionFailed     PredictionStatus = "failed"
)

func (s PredictionStatus) IsCompleted() bool {
	return s == PredictionSucceeded || s == PredictionCanceled || s == PredictionFailed
}

type WebhookEvent string

const (
	WebhookCompleted WebhookEvent = "completed"
)

// CreateOptions are optional fields of a prediction creation request.
type CreateOptions struct {
	Webhook             string
	WebhookEventsFilter []WebhookEvent
}

type PredictionRequest struct {
	Version             string         `json:"version,omitempty"`
	Input               map[string]any `json:"input"`
	Webhook             string         `json:"webhook,omitempty"`
	WebhookEventsFilter []WebhookEvent `json:"webhook_events_filter,omitempty"`
}

type Prediction struct {
	ID          string            `json:"id"`
	Model       string            `json:"model,omitempty"`
	Version     string            `json:"version,omitempty"`
	Status      PredictionStatus  `json:"status"`
	Input       map[string]any    `json:"input,omitempty"`
	Output      any               `json:"output,omitempty"`
	Error       any               `json:"error,omitempty"`
	Logs        string            `json:"logs,omitempty"`
	URLs        map[string]string `json:"urls,omitempty"`
	CreatedAt   string            `json:"created_at,omitempty"`
	StartedAt   string            `json:"started_at,omitempty"`
	CompletedAt string            `json:"completed_at,omitempty"`
	Metrics     map[string]any    `json:"metrics,omitempty"`
}

// ErrorMessage flattens the provider error, which is usually a string but
// is an object with message/detail/code on some deployments.
func (p *Prediction) ErrorMessage() string {
	switch e := p.Error.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(e)
	case map[string]any:
		for _, k := range []string{"message", "detail", "code"} {
			if s, ok := e[k].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
		bs, _ := json.Marshal(e)
		return string(bs)
	default:
		return fmt.Sprint(e)
	}
}
