package server

import "time"

type Config struct {
	AllowedOrigin   string
	MaxUploadBytes  int64
	PipelineTimeout time.Duration
}

const (
	defaultMaxUploadBytes  = 20 << 20
	defaultPipelineTimeout = 15 * time.Minute
	maxFormFieldBytes      = 64 << 10
	maxJSONBodyBytes       = 1 << 20
)

func (c Config) withDefaults() Config {
	if c.AllowedOrigin == "" {
		c.AllowedOrigin = "*"
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = defaultMaxUploadBytes
	}
	if c.PipelineTimeout <= 0 {
		c.PipelineTimeout = defaultPipelineTimeout
	}
	return c
}
