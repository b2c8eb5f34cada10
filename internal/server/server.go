package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/archrelight/archrelight/internal/inputs"
	"github.com/archrelight/archrelight/internal/jobs"
	"github.com/archrelight/archrelight/internal/output"
	"github.com/archrelight/archrelight/internal/pipeline"
	"github.com/archrelight/archrelight/internal/replicate"
	"github.com/archrelight/archrelight/internal/util"
	"github.com/archrelight/archrelight/internal/webhook"
)

var ErrStopping = errors.New("server is stopping")

// Enhancer runs the relighting pipeline.
type Enhancer interface {
	Check(req pipeline.Request) error
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

type Handler struct {
	cfg      Config
	enhancer Enhancer
	sender   webhook.Sender

	// ctx outlives individual requests and bounds async runs.
	ctx     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup
	mu      sync.Mutex
	status  Status
}

func NewHandler(cfg Config, enhancer Enhancer, sender webhook.Sender) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		cfg:      cfg.withDefaults(),
		enhancer: enhancer,
		sender:   sender,
		ctx:      ctx,
		cancel:   cancel,
		status:   StatusReady,
	}
}

func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	status := h.status
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, HealthCheck{Status: status.String(), Version: util.Version()})
}

func (h *Handler) Enhance(w http.ResponseWriter, r *http.Request) {
	log := logger.Sugar()

	call, err := parseEnhance(w, r, h.cfg)
	if err != nil {
		h.writeError(w, err)
		return
	}
	call.req.RequestID = util.RequestID()
	w.Header().Set("X-Request-Id", call.req.RequestID)

	if call.webhook == "" {
		ctx, cancel := context.WithTimeout(r.Context(), h.cfg.PipelineTimeout)
		defer cancel()
		res, err := h.enhancer.Run(ctx, call.req)
		if err != nil {
			log.Warnw("enhance failed", "request_id", call.req.RequestID, "error", err)
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, EnhanceResponse{Result: res, RequestID: res.RequestID, Status: RequestSucceeded})
		return
	}

	if err := h.enhancer.Check(call.req); err != nil {
		h.writeError(w, err)
		return
	}
	// The request body is gone once the handler returns.
	if call.req.Image.IsStream() {
		file, err := inputs.Normalize(r.Context(), call.req.Image)
		if err != nil {
			h.writeError(w, err)
			return
		}
		call.req.Image = file.Source()
	}

	created := util.NowIso()
	h.mu.Lock()
	if h.status == StatusStopping {
		h.mu.Unlock()
		http.Error(w, ErrStopping.Error(), http.StatusServiceUnavailable)
		return
	}
	h.pending.Add(1)
	h.mu.Unlock()
	go func() {
		defer h.pending.Done()
		h.runAsync(call, created)
	}()
	writeJSON(w, http.StatusAccepted, EnhanceResponse{RequestID: call.req.RequestID, Status: RequestStarting, CreatedAt: created})
}

func (h *Handler) runAsync(call enhanceCall, created string) {
	log := logger.Sugar().With("request_id", call.req.RequestID)
	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.PipelineTimeout)
	defer cancel()

	start := EnhanceResponse{RequestID: call.req.RequestID, Status: RequestStarting, CreatedAt: created}
	if err := h.sender.SendConditional(ctx, call.webhook, start, webhook.EventStart, call.events); err != nil {
		log.Warnw("failed to send start webhook", "error", err)
	}

	resp := EnhanceResponse{RequestID: call.req.RequestID, CreatedAt: created}
	res, err := h.enhancer.Run(ctx, call.req)
	resp.CompletedAt = util.NowIso()
	if err != nil {
		log.Warnw("enhance failed", "error", err)
		resp.Status = RequestFailed
		resp.Error = err.Error()
		var se *pipeline.StageError
		if errors.As(err, &se) {
			resp.Stage = se.Stage
			resp.JobID = se.JobID
		}
	} else {
		resp.Status = RequestSucceeded
		resp.Result = res
	}

	// The completed webhook is sent even when ctx expired.
	sendCtx, sendCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer sendCancel()
	if err := h.sender.SendConditional(sendCtx, call.webhook, resp, webhook.EventCompleted, call.events); err != nil {
		log.Errorw("failed to send completed webhook", "error", err)
	}
}

// Stop marks the handler as stopping and waits for async runs to send their
// completed webhooks. Runs still in flight when ctx ends are aborted.
func (h *Handler) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.status = StatusStopping
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.pending.Wait()
		close(done)
	}()
	defer h.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("async requests still running: %w", ctx.Err())
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}
	var se *pipeline.StageError
	if errors.As(err, &se) {
		resp.Stage = se.Stage
		resp.Model = se.Model
		resp.JobID = se.JobID
	}
	writeJSON(w, statusFor(err), resp)
}

// statusFor maps a parse or pipeline error to an HTTP status.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	var apiErr *replicate.APIError
	switch {
	case errors.Is(err, ErrUnsupportedMediaType), errors.Is(err, inputs.ErrNotImage):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, inputs.ErrTooLarge), errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, pipeline.ErrInvalidInput), errors.Is(err, inputs.ErrEmpty):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrJobTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, jobs.ErrJobFailed),
		errors.Is(err, replicate.ErrTransport),
		errors.As(err, &apiErr),
		errors.Is(err, output.ErrUnrecognizedOutputShape),
		errors.Is(err, output.ErrEmptyOutput):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeBytes(w http.ResponseWriter, bs []byte) {
	log := logger.Sugar()
	if _, err := w.Write(bs); err != nil {
		log.Errorw("failed to write response", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	log := logger.Sugar()
	bs, err := json.Marshal(v)
	if err != nil {
		log.Errorw("failed to marshal response", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeBytes(w, bs)
}
