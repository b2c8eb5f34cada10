package pipeline

import (
	"fmt"
	"strings"
)

type Upscale string

const (
	UpscaleNone   Upscale = "none"
	UpscaleNative Upscale = "native"
	Upscale15x    Upscale = "1.5x"
	Upscale2x     Upscale = "2x"
	Upscale4x     Upscale = "4x"
)

func ParseUpscale(s string) (Upscale, error) {
	u := Upscale(strings.ToLower(strings.TrimSpace(s)))
	switch u {
	case "":
		return UpscaleNone, nil
	case UpscaleNone, UpscaleNative, Upscale15x, Upscale2x, Upscale4x:
		return u, nil
	}
	return "", fmt.Errorf("%w: unknown upscale %q", ErrInvalidInput, s)
}

// Factor is the scale passed to the upscale model; 1 means no upscale.
func (u Upscale) Factor() float64 {
	switch u {
	case Upscale15x:
		return 1.5
	case Upscale2x:
		return 2
	case Upscale4x:
		return 4
	default:
		return 1
	}
}

func (u Upscale) Requested() bool {
	return u.Factor() > 1
}

// UpscalePolicy decides what happens when an upscale is requested but no
// upscale model is configured.
type UpscalePolicy string

const (
	UpscalePass UpscalePolicy = "pass"
	UpscaleWarn UpscalePolicy = "warn"
	UpscaleFail UpscalePolicy = "fail"
)

func ParseUpscalePolicy(s string) (UpscalePolicy, error) {
	p := UpscalePolicy(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case "":
		return UpscaleWarn, nil
	case UpscalePass, UpscaleWarn, UpscaleFail:
		return p, nil
	}
	return "", fmt.Errorf("unknown upscale policy %q, want pass, warn or fail", s)
}
