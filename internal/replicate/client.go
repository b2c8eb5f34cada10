package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const DefaultBaseURL = "https://api.replicate.com/v1"

// maxErrorBody bounds how much of an error response is kept for diagnostics.
const maxErrorBody = 4096

// Client talks to a Replicate-compatible prediction API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a client. An empty baseURL selects DefaultBaseURL and a
// nil httpClient selects http.DefaultClient.
func NewClient(baseURL, token string, httpClient *http.Client, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    httpClient,
		logger:  logger.Named("replicate"),
	}
}

// CreatePrediction submits a job against a pinned model version.
func (c *Client) CreatePrediction(ctx context.Context, version string, input map[string]any, opts *CreateOptions) (*Prediction, error) {
	req := PredictionRequest{Version: version, Input: input}
	applyOptions(&req, opts)
	var p Prediction
	if err := c.do(ctx, http.MethodPost, "/predictions", req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateModelPrediction submits a job against the latest version of a model,
// for references whose version could not be resolved.
func (c *Client) CreateModelPrediction(ctx context.Context, owner, name string, input map[string]any, opts *CreateOptions) (*Prediction, error) {
	req := PredictionRequest{Input: input}
	applyOptions(&req, opts)
	var p Prediction
	path := fmt.Sprintf("/models/%s/%s/predictions", url.PathEscape(owner), url.PathEscape(name))
	if err := c.do(ctx, http.MethodPost, path, req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) GetPrediction(ctx context.Context, id string) (*Prediction, error) {
	var p Prediction
	if err := c.do(ctx, http.MethodGet, "/predictions/"+url.PathEscape(id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) CancelPrediction(ctx context.Context, id string) (*Prediction, error) {
	var p Prediction
	if err := c.do(ctx, http.MethodPost, "/predictions/"+url.PathEscape(id)+"/cancel", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetModel returns the raw model metadata document for owner/name.
func (c *Client) GetModel(ctx context.Context, owner, name string) ([]byte, error) {
	var raw json.RawMessage
	path := fmt.Sprintf("/models/%s/%s", url.PathEscape(owner), url.PathEscape(name))
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func applyOptions(req *PredictionRequest, opts *CreateOptions) {
	if opts == nil {
		return
	}
	req.Webhook = opts.Webhook
	req.WebhookEventsFilter = opts.WebhookEventsFilter
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	log := c.logger.Sugar()

	var reader io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(bs)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bs, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Detail: errorDetail(bs)}
		log.Debugw("provider returned error", "method", method, "path", path, "status", resp.StatusCode, "detail", apiErr.Detail)
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s %s: empty response body", method, path)
		}
		// A body cut off mid-read is a transport problem, not a malformed reply.
		if errors.Is(err, io.ErrUnexpectedEOF) || ctx.Err() != nil {
			return &TransportError{Method: method, Path: path, Err: err}
		}
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

// errorDetail pulls the human readable message out of an error body,
// which is {"detail": ...} on most endpoints and {"error": ...} on a few.
func errorDetail(bs []byte) string {
	if len(bs) == 0 {
		return ""
	}
	for _, k := range []string{"detail", "error", "title"} {
		if v := gjson.GetBytes(bs, k); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return strings.TrimSpace(string(bs))
}
