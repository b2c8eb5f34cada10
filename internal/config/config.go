package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/archrelight/archrelight/internal/models"
	"github.com/archrelight/archrelight/internal/pipeline"
	"github.com/archrelight/archrelight/internal/replicate"
)

var ErrConfiguration = errors.New("invalid configuration")

const (
	DefaultDepthModel     = "chenxwh/depth-anything-v2:b239ea33cff32bb7abb5db39ffe9a09c14cbc2894331d1ef66fe096eed88ebd4"
	DefaultSynthesisModel = "stability-ai/sdxl-controlnet-depth"
)

// Config holds all configuration for the enhance service. Flags also read
// their upper-cased environment variable, e.g. REPLICATE_API_TOKEN.
type Config struct {
	// Server configuration
	Host          string `ff:"long: host, default: 0.0.0.0, usage: HTTP server host"`
	Port          int    `ff:"long: port, default: 8787, usage: HTTP server port"`
	AllowedOrigin string `ff:"long: allowed-origin, default: *, usage: CORS allowed origin"`

	// Provider configuration
	ReplicateAPIToken string `ff:"long: replicate-api-token, nodefault, usage: prediction API token"`
	ReplicateBaseURL  string `ff:"long: replicate-base-url, nodefault, usage: prediction API base URL"`
	DepthModel        string `ff:"long: depth-model, nodefault, usage: depth estimation model reference"`
	SynthesisModel    string `ff:"long: synthesis-model, nodefault, usage: depth-conditioned synthesis model reference"`
	UpscaleModel      string `ff:"long: upscale-model, nodefault, usage: optional upscale model reference"`
	UpscalePolicy     string `ff:"long: upscale-policy, default: warn, usage: pass or warn or fail when upscale is requested without a model"`
	RedisURL          string `ff:"long: redis-url, nodefault, usage: shared model version cache; empty keeps it in memory"`
	ProviderWebhook   string `ff:"long: provider-webhook, nodefault, usage: URL the provider notifies when each job completes"`

	// Polling configuration
	DepthPollInterval time.Duration `ff:"long: depth-poll-interval, default: 800ms, usage: depth job poll interval"`
	PollInterval      time.Duration `ff:"long: poll-interval, default: 1s, usage: synthesis and upscale poll interval"`
	JobTimeout        time.Duration `ff:"long: job-timeout, default: 10m, usage: maximum wait per job"`
	PipelineTimeout   time.Duration `ff:"long: pipeline-timeout, default: 15m, usage: maximum wait per request"`
	CancelOnTimeout   bool          `ff:"long: cancel-on-timeout, default: true, usage: cancel jobs that time out"`
	ProbeTimeout      time.Duration `ff:"long: probe-timeout, default: 10s, usage: maximum wait for reading image dimensions"`
	RedisTTL          time.Duration `ff:"long: redis-ttl, default: 1h, usage: lifetime of cached model versions in redis"`

	// Input configuration
	MaxUploadBytes  int64  `ff:"long: max-upload-bytes, default: 20971520, usage: maximum upload size"`
	MaxImageSide    int    `ff:"long: max-image-side, default: 1536, usage: downscale uploads above this side length"`
	ScaleDimensions bool   `ff:"long: scale-dimensions, default: false, usage: multiply synthesis size by the upscale factor"`
	PolicyFile      string `ff:"long: policy-file, nodefault, usage: YAML file overriding prompts and tuning constants"`
}

// ApplyDefaults fills the values whose defaults cannot be expressed in a
// flag tag.
func (c *Config) ApplyDefaults() {
	if c.ReplicateBaseURL == "" {
		c.ReplicateBaseURL = replicate.DefaultBaseURL
	}
	if c.DepthModel == "" {
		c.DepthModel = DefaultDepthModel
	}
	if c.SynthesisModel == "" {
		c.SynthesisModel = DefaultSynthesisModel
	}
}

func (c *Config) Validate() error {
	if c.ReplicateAPIToken == "" {
		return fmt.Errorf("%w: --replicate-api-token (REPLICATE_API_TOKEN) is required", ErrConfiguration)
	}
	if c.DepthModel == "" {
		return fmt.Errorf("%w: --depth-model is required", ErrConfiguration)
	}
	if c.SynthesisModel == "" {
		return fmt.Errorf("%w: --synthesis-model is required", ErrConfiguration)
	}
	if _, err := pipeline.ParseUpscalePolicy(c.UpscalePolicy); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if c.JobTimeout <= 0 || c.PipelineTimeout <= 0 {
		return fmt.Errorf("%w: --job-timeout and --pipeline-timeout must be positive", ErrConfiguration)
	}
	return nil
}

// Pipeline builds the orchestrator configuration, parsing model references
// and loading the policy file.
func (c *Config) Pipeline() (pipeline.Config, error) {
	var pc pipeline.Config
	var err error
	if pc.DepthModel, err = parseModel("depth-model", c.DepthModel); err != nil {
		return pc, err
	}
	if pc.SynthesisModel, err = parseModel("synthesis-model", c.SynthesisModel); err != nil {
		return pc, err
	}
	if c.UpscaleModel != "" {
		if pc.UpscaleModel, err = parseModel("upscale-model", c.UpscaleModel); err != nil {
			return pc, err
		}
	}
	if pc.UpscalePolicy, err = pipeline.ParseUpscalePolicy(c.UpscalePolicy); err != nil {
		return pc, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if pc.Policy, err = LoadPolicy(c.PolicyFile); err != nil {
		return pc, err
	}
	pc.DepthInterval = c.DepthPollInterval
	pc.PollInterval = c.PollInterval
	pc.JobTimeout = c.JobTimeout
	pc.ProbeTimeout = c.ProbeTimeout
	pc.ScaleDimensions = c.ScaleDimensions
	pc.MaxImageSide = c.MaxImageSide
	return pc, nil
}

func parseModel(flag, s string) (models.Reference, error) {
	ref, err := models.ParseReference(s)
	if err != nil {
		return ref, fmt.Errorf("%w: --%s: %w", ErrConfiguration, flag, err)
	}
	return ref, nil
}

// LoadPolicy reads a YAML policy file over the defaults. Keys missing from
// the file keep their default value; an empty path returns the defaults.
func LoadPolicy(path string) (pipeline.Policy, error) {
	p := pipeline.DefaultPolicy()
	if path == "" {
		return p, nil
	}
	bs, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if err := yaml.Unmarshal(bs, &p); err != nil {
		return p, fmt.Errorf("%w: policy file %s: %w", ErrConfiguration, path, err)
	}
	if p.PreserveFactor <= 0 || p.PreserveFloor < 0 || p.PreserveFloor > 1 {
		return p, fmt.Errorf("%w: policy file %s: preserve_factor must be positive and preserve_floor within [0,1]", ErrConfiguration, path)
	}
	return p, nil
}
