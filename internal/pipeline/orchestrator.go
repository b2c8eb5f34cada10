package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/archrelight/archrelight/internal/inputs"
	"github.com/archrelight/archrelight/internal/jobs"
	"github.com/archrelight/archrelight/internal/models"
	"github.com/archrelight/archrelight/internal/output"
	"github.com/archrelight/archrelight/internal/util"
)

const (
	DefaultDepthInterval = 800 * time.Millisecond
	DefaultPollInterval  = time.Second
	DefaultJobTimeout    = 10 * time.Minute
	DefaultProbeTimeout  = 10 * time.Second
)

type ModelResolver interface {
	Resolve(ctx context.Context, ref models.Reference) (models.Reference, error)
}

type JobRunner interface {
	Run(ctx context.Context, ref models.Reference, input map[string]any, po jobs.PollOptions) ([]string, error)
}

var (
	_ ModelResolver = (*models.Resolver)(nil)
	_ JobRunner     = (*jobs.Runner)(nil)
)

type Config struct {
	DepthModel     models.Reference
	SynthesisModel models.Reference
	// UpscaleModel is optional; an empty Owner means none is configured.
	UpscaleModel models.Reference

	DepthInterval time.Duration
	PollInterval  time.Duration
	JobTimeout    time.Duration
	// ProbeTimeout bounds the image dimension lookup.
	ProbeTimeout time.Duration

	UpscalePolicy UpscalePolicy
	// ScaleDimensions multiplies the requested synthesis size by the
	// upscale factor.
	ScaleDimensions bool
	// MaxImageSide downscales uploaded bytes before submission; 0 disables.
	MaxImageSide int
	Policy       Policy
}

type Result struct {
	RequestID string         `json:"requestId"`
	DepthURL  string         `json:"depthUrl"`
	Images    []string       `json:"images"`
	Params    map[string]any `json:"meta"`
	Warnings  []string       `json:"warnings,omitempty"`
}

// Orchestrator chains the depth, synthesis and upscale stages. Runs share
// nothing but the resolver's cache and may execute concurrently.
type Orchestrator struct {
	cfg      Config
	resolver ModelResolver
	runner   JobRunner
	http     *http.Client
	tracer   trace.Tracer
	logger   *zap.Logger
}

func New(cfg Config, resolver ModelResolver, runner JobRunner, httpClient *http.Client, logger *zap.Logger) *Orchestrator {
	if cfg.DepthInterval <= 0 {
		cfg.DepthInterval = DefaultDepthInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.UpscalePolicy == "" {
		cfg.UpscalePolicy = UpscaleWarn
	}
	if cfg.Policy.Presets == nil && cfg.Policy.PreserveFactor == 0 {
		cfg.Policy = DefaultPolicy()
	}
	return &Orchestrator{
		cfg:      cfg,
		resolver: resolver,
		runner:   runner,
		http:     httpClient,
		tracer:   otel.Tracer("github.com/archrelight/archrelight/internal/pipeline"),
		logger:   logger.Named("pipeline"),
	}
}

func (o *Orchestrator) hasUpscaler() bool {
	return o.cfg.UpscaleModel.Owner != ""
}

// Check rejects requests the pipeline would refuse, without running it.
func (o *Orchestrator) Check(req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if req.Upscale.Requested() && !o.hasUpscaler() && o.cfg.UpscalePolicy == UpscaleFail {
		return fmt.Errorf("%w: upscale %s requested but no upscale model is configured", ErrInvalidInput, req.Upscale)
	}
	return nil
}

// Run executes every stage in order. Any stage failure aborts the run and
// no partial result is returned.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if err := o.Check(req); err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = util.RequestID()
	}
	log := o.logger.Sugar().With("request_id", req.RequestID)

	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("preset", string(req.Preset)),
		attribute.String("upscale", string(req.Upscale)),
	))
	defer span.End()

	start := time.Now()
	res, err := o.run(ctx, log, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Errorw("pipeline failed", "elapsed", time.Since(start), "error", err)
		return nil, err
	}
	log.Infow("pipeline finished", "elapsed", time.Since(start), "images", len(res.Images))
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, log *zap.SugaredLogger, req Request) (*Result, error) {
	file, err := o.normalize(ctx, log, req.Image)
	if err != nil {
		return nil, err
	}
	res := &Result{
		RequestID: req.RequestID,
		Params: map[string]any{
			"preset":               string(req.Preset),
			"strength":             req.Strength,
			"preserve_composition": req.PreserveComposition,
			"upscale":              string(req.Upscale),
		},
	}

	image := file.Value()
	depth, depthRef, err := o.stage(ctx, log, StageDepth, o.cfg.DepthModel, map[string]any{
		"image": image,
		"model": o.cfg.Policy.DepthModelSize,
	}, o.cfg.DepthInterval)
	if err != nil {
		return nil, err
	}
	res.DepthURL = depth[0]
	res.Params["depth_model"] = depthRef.String()

	prompt := o.cfg.Policy.Prompt(req.Preset)
	if prompt == "" {
		log.Warnw("unknown preset, using an empty prompt", "preset", req.Preset)
	}
	tuning := o.cfg.Policy.Tune(req.Strength, req.PreserveComposition)
	res.Params["prompt"] = prompt
	res.Params["effective_strength"] = tuning.Strength
	res.Params["controlnet_conditioning_scale"] = tuning.ConditioningWeight

	synthInput := map[string]any{
		"image":                         image,
		"control_image":                 res.DepthURL,
		"prompt":                        prompt,
		"strength":                      tuning.Strength,
		"controlnet_conditioning_scale": tuning.ConditioningWeight,
		"num_inference_steps":           o.cfg.Policy.InferenceSteps,
		"guidance_scale":                o.cfg.Policy.GuidanceScale,
	}
	if w, h, ok := o.dimensions(ctx, log, file, req.Upscale); ok {
		synthInput["width"], synthInput["height"] = w, h
		res.Params["width"], res.Params["height"] = w, h
	}

	images, synthRef, err := o.stage(ctx, log, StageSynthesis, o.cfg.SynthesisModel, synthInput, o.cfg.PollInterval)
	if err != nil {
		return nil, err
	}
	res.Params["synthesis_model"] = synthRef.String()

	res.Params["upscaled"] = false
	if req.Upscale.Requested() {
		if o.hasUpscaler() {
			upscaled, upRef, err := o.stage(ctx, log, StageUpscale, o.cfg.UpscaleModel, map[string]any{
				"image": images[0],
				"scale": req.Upscale.Factor(),
			}, o.cfg.PollInterval)
			if err != nil {
				return nil, err
			}
			images = upscaled
			res.Params["upscaled"] = true
			res.Params["upscale_model"] = upRef.String()
		} else if o.cfg.UpscalePolicy == UpscaleWarn {
			msg := fmt.Sprintf("upscale %s requested but no upscale model is configured; returning the synthesis result", req.Upscale)
			log.Warnw(msg)
			res.Warnings = append(res.Warnings, msg)
		}
	}

	res.Images = images
	return res, nil
}

func (o *Orchestrator) normalize(ctx context.Context, log *zap.SugaredLogger, src inputs.Source) (inputs.File, error) {
	file, err := inputs.Normalize(ctx, src)
	if errors.Is(err, inputs.ErrEmpty) {
		return file, fmt.Errorf("%w: image is empty", ErrInvalidInput)
	} else if err != nil {
		return file, stageError(StageInput, "", err)
	}
	if !file.IsImage() {
		return file, fmt.Errorf("%w: %w (%s)", ErrInvalidInput, inputs.ErrNotImage, file.MIME())
	}
	if !file.IsURL() {
		if small, ok := inputs.Downscale(file.Data, o.cfg.MaxImageSide); ok {
			log.Infow("downscaled upload", "max_side", o.cfg.MaxImageSide, "from_bytes", len(file.Data), "to_bytes", len(small))
			file.Data = small
		}
	}
	return file, nil
}

// dimensions returns the synthesis size, or false when it cannot be
// determined; the model then picks its default size.
func (o *Orchestrator) dimensions(ctx context.Context, log *zap.SugaredLogger, file inputs.File, up Upscale) (int, int, bool) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ProbeTimeout)
	defer cancel()
	w, h, err := inputs.Dimensions(ctx, o.http, file)
	if err != nil {
		log.Warnw("could not read image dimensions, omitting width and height", "error", err)
		return 0, 0, false
	}
	if o.cfg.ScaleDimensions {
		f := up.Factor()
		w, h = int(float64(w)*f), int(float64(h)*f)
	}
	w, h = RoundDown8(w), RoundDown8(h)
	if w <= 0 || h <= 0 {
		log.Warnw("image too small for explicit dimensions", "width", w, "height", h)
		return 0, 0, false
	}
	return w, h, true
}

func (o *Orchestrator) stage(ctx context.Context, log *zap.SugaredLogger, name string, ref models.Reference, input map[string]any, interval time.Duration) ([]string, models.Reference, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline."+name, trace.WithAttributes(attribute.String("model", ref.String())))
	defer span.End()
	start := time.Now()

	resolved, err := o.resolver.Resolve(ctx, ref)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, ref, stageError(name, ref.String(), err)
	}
	span.SetAttributes(attribute.String("model.version", resolved.Version))

	urls, err := o.runner.Run(ctx, resolved, input, jobs.PollOptions{
		Stage:    name,
		Interval: interval,
		MaxWait:  o.cfg.JobTimeout,
		Single:   name == StageDepth,
	})
	if err == nil && len(urls) == 0 {
		err = output.ErrEmptyOutput
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warnw("stage failed", "stage", name, "model", resolved.String(), "elapsed", time.Since(start), "error", err)
		return nil, resolved, stageError(name, resolved.String(), err)
	}
	span.SetAttributes(attribute.Int("outputs", len(urls)))
	log.Infow("stage finished", "stage", name, "model", resolved.String(), "elapsed", time.Since(start), "outputs", len(urls))
	return urls, resolved, nil
}
