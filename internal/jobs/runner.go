package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/archrelight/archrelight/internal/models"
	"github.com/archrelight/archrelight/internal/output"
	"github.com/archrelight/archrelight/internal/replicate"
)

// PredictionAPI is the subset of the provider client the runner drives.
type PredictionAPI interface {
	CreatePrediction(ctx context.Context, version string, input map[string]any, opts *replicate.CreateOptions) (*replicate.Prediction, error)
	CreateModelPrediction(ctx context.Context, owner, name string, input map[string]any, opts *replicate.CreateOptions) (*replicate.Prediction, error)
	GetPrediction(ctx context.Context, id string) (*replicate.Prediction, error)
	CancelPrediction(ctx context.Context, id string) (*replicate.Prediction, error)
}

var _ PredictionAPI = (*replicate.Client)(nil)

const (
	DefaultInterval       = time.Second
	DefaultStatusAttempts = 4
	defaultRetryInterval  = 250 * time.Millisecond
	cancelTimeout         = 10 * time.Second
)

type Options struct {
	// CancelOnTimeout asks the provider to cancel jobs that outlive MaxWait.
	CancelOnTimeout bool
	// StatusAttempts bounds tries per status fetch. Zero means DefaultStatusAttempts.
	StatusAttempts int
	// RetryInterval is the first backoff delay between status fetch attempts.
	RetryInterval time.Duration
	// Webhook, when set, is registered with every job so the provider also
	// reports completion there. Polling is unaffected.
	Webhook string
}

type PollOptions struct {
	Stage    string
	Interval time.Duration
	MaxWait  time.Duration
	// Single keeps only the primary output of a job.
	Single bool
}

// Runner submits a job and polls it to a terminal state.
type Runner struct {
	api    PredictionAPI
	opts   Options
	logger *zap.Logger
}

func NewRunner(api PredictionAPI, opts Options, logger *zap.Logger) *Runner {
	if opts.StatusAttempts <= 0 {
		opts.StatusAttempts = DefaultStatusAttempts
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	return &Runner{api: api, opts: opts, logger: logger.Named("jobs")}
}

// Run submits input against ref once and waits for the result. It returns
// the normalized output URLs, never an empty slice.
func (r *Runner) Run(ctx context.Context, ref models.Reference, input map[string]any, po PollOptions) ([]string, error) {
	if po.MaxWait <= 0 {
		return nil, fmt.Errorf("%s job (%s): %w", po.Stage, ref, ErrNoDeadline)
	}
	if po.Interval <= 0 {
		po.Interval = DefaultInterval
	}
	log := r.logger.Sugar().With("stage", po.Stage, "model", ref.String())

	input, dropped := ref.FilterInput(input)
	if len(dropped) > 0 {
		log.Infow("dropping inputs the model does not declare", "keys", dropped)
	}

	ctx, cancel := context.WithTimeoutCause(ctx, po.MaxWait, ErrJobTimeout)
	defer cancel()

	jobErr := func(p *replicate.Prediction, err error) *JobError {
		e := &JobError{Stage: po.Stage, Model: ref.String(), Err: err}
		if p != nil {
			e.JobID, e.Status = p.ID, p.Status
		}
		return e
	}

	start := time.Now()
	p, err := r.submit(ctx, ref, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, jobErr(nil, abandonCause(ctx))
		}
		return nil, jobErr(nil, err)
	}
	log = log.With("job_id", p.ID)
	log.Infow("submitted job", "status", p.Status)

	ticker := time.NewTicker(po.Interval)
	defer ticker.Stop()

	last := p.Status
	for !p.Status.IsCompleted() {
		select {
		case <-ctx.Done():
			return nil, r.abandon(ctx, log, jobErr(p, abandonCause(ctx)))
		case <-ticker.C:
		}

		next, err := r.fetch(ctx, p.ID, log)
		if err != nil {
			if ctx.Err() != nil {
				return nil, r.abandon(ctx, log, jobErr(p, abandonCause(ctx)))
			}
			return nil, jobErr(p, err)
		}
		p = next
		if p.Status != last {
			log.Debugw("job status changed", "from", last, "to", p.Status)
			last = p.Status
		}
	}

	elapsed := time.Since(start)
	switch p.Status {
	case replicate.PredictionSucceeded:
		urls, err := normalize(p.Output, po.Single)
		if err != nil {
			log.Warnw("job succeeded with unusable output", "elapsed", elapsed, "error", err)
			return nil, jobErr(p, err)
		}
		log.Infow("job succeeded", "elapsed", elapsed, "outputs", len(urls))
		return urls, nil
	default:
		e := jobErr(p, ErrJobFailed)
		e.Message = p.ErrorMessage()
		if e.Message == "" {
			e.Message = fmt.Sprintf("%s prediction %s", po.Stage, p.Status)
		}
		log.Warnw("job did not succeed", "status", p.Status, "elapsed", elapsed, "message", e.Message)
		return nil, e
	}
}

func normalize(raw any, single bool) ([]string, error) {
	if !single {
		return output.NormalizeMany(raw)
	}
	url, err := output.NormalizeSingle(raw)
	if err != nil {
		return nil, err
	}
	return []string{url}, nil
}

func (r *Runner) submit(ctx context.Context, ref models.Reference, input map[string]any) (*replicate.Prediction, error) {
	var opts *replicate.CreateOptions
	if r.opts.Webhook != "" {
		opts = &replicate.CreateOptions{
			Webhook:             r.opts.Webhook,
			WebhookEventsFilter: []replicate.WebhookEvent{replicate.WebhookCompleted},
		}
	}
	if ref.Versioned() {
		return r.api.CreatePrediction(ctx, ref.Version, input, opts)
	}
	return r.api.CreateModelPrediction(ctx, ref.Owner, ref.Name, input, opts)
}

// fetch reads the job status, retrying transport failures and temporary
// provider errors with exponential backoff.
func (r *Runner) fetch(ctx context.Context, id string, log *zap.SugaredLogger) (*replicate.Prediction, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.RetryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.opts.StatusAttempts-1)), ctx)

	op := func() (*replicate.Prediction, error) {
		p, err := r.api.GetPrediction(ctx, id)
		if err != nil && !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return p, err
	}
	notify := func(err error, wait time.Duration) {
		log.Warnw("status fetch failed, retrying", "error", err, "wait", wait)
	}
	return backoff.RetryNotifyWithData(op, policy, notify)
}

func retryable(err error) bool {
	if errors.Is(err, replicate.ErrTransport) {
		return true
	}
	var apiErr *replicate.APIError
	return errors.As(err, &apiErr) && apiErr.Temporary()
}

// abandonCause maps a finished context to ErrJobTimeout when any deadline,
// ours or the caller's, ran out, and to the caller's cause otherwise.
func abandonCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrJobTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrJobTimeout
	}
	return cause
}

func (r *Runner) abandon(ctx context.Context, log *zap.SugaredLogger, e *JobError) error {
	log.Warnw("abandoning job", "status", e.Status, "reason", e.Err)
	if !r.opts.CancelOnTimeout || e.JobID == "" || !errors.Is(e.Err, ErrJobTimeout) {
		return e
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if _, err := r.api.CancelPrediction(cctx, e.JobID); err != nil {
		log.Warnw("failed to cancel job", "error", err)
	} else {
		log.Infow("canceled job")
	}
	return e
}
