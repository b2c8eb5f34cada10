package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"

	"go.uber.org/zap"

	"github.com/archrelight/archrelight/internal/util"
)

// Event is a point in an async enhance request's life a caller can subscribe to
type Event string

const (
	EventStart     Event = "start"
	EventCompleted Event = "completed"
)

func ParseEvents(ss []string) ([]Event, error) {
	events := make([]Event, 0, len(ss))
	for _, s := range ss {
		switch e := Event(s); e {
		case EventStart, EventCompleted:
			events = append(events, e)
		default:
			return nil, fmt.Errorf("unknown webhook event %q", s)
		}
	}
	return events, nil
}

// Sender handles webhook delivery
type Sender interface {
	Send(ctx context.Context, url string, payload any) error
	SendConditional(ctx context.Context, url string, payload any, event Event, allowedEvents []Event) error
}

// Build time assertion that DefaultSender implements the Sender interface
var _ Sender = (*DefaultSender)(nil)

// DefaultSender handles webhook delivery
type DefaultSender struct {
	logger *zap.Logger
	client *http.Client
}

// NewSender creates a webhook sender on the retrying HTTP client
func NewSender(logger *zap.Logger) *DefaultSender {
	return NewSenderWithClient(util.HTTPClientWithRetry(), logger)
}

func NewSenderWithClient(client *http.Client, logger *zap.Logger) *DefaultSender {
	return &DefaultSender{
		logger: logger.Named("webhook"),
		client: client,
	}
}

// Send delivers a webhook with the given payload
func (s *DefaultSender) Send(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Add("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// SendConditional sends the webhook unless url is empty or the caller
// filtered event out. An empty filter allows every event.
func (s *DefaultSender) SendConditional(ctx context.Context, url string, payload any, event Event, allowedEvents []Event) error {
	log := s.logger.Sugar()
	if url == "" {
		return nil
	}

	if len(allowedEvents) > 0 && !slices.Contains(allowedEvents, event) {
		log.Debugw("skipping webhook due to event filter", "url", url, "event", string(event), "allowed_events", allowedEvents)
		return nil
	}

	log.Debugw("sending webhook", "url", url, "event", string(event))
	if err := s.Send(ctx, url, payload); err != nil {
		log.Errorw("failed to send webhook",
			"url", url,
			"event", string(event),
			"error", err,
		)
		return err
	}

	return nil
}
