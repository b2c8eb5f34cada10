package pipeline

import (
	"math"
	"strings"
)

type Preset string

const (
	PresetNeutralOvercast  Preset = "neutral_overcast"
	PresetGoldenHour       Preset = "golden_hour"
	PresetDramaticContrast Preset = "dramatic_contrast"

	DefaultPreset = PresetNeutralOvercast
)

// ParsePreset normalizes case and the short "dramatic" alias. Unknown names
// are kept as-is; they produce an empty prompt rather than an error.
func ParsePreset(s string) Preset {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return DefaultPreset
	case "dramatic":
		return PresetDramaticContrast
	}
	return Preset(s)
}

const basePrompt = "architectural photograph, realistic PBR materials, physically plausible lighting, " +
	"clean glass reflections, accurate soft shadows, global illumination look, no fantasy, no surreal distortion"

// Policy holds the tunable constants that turn user intent into stage
// parameters. The zero value is not usable; start from DefaultPolicy.
type Policy struct {
	BasePrompt string            `yaml:"base_prompt"`
	Presets    map[Preset]string `yaml:"presets"`

	// PreserveFloor and PreserveFactor shape the denoising strength when
	// composition is preserved: max(floor, strength*factor).
	PreserveFloor  float64 `yaml:"preserve_floor"`
	PreserveFactor float64 `yaml:"preserve_factor"`

	// Conditioning weights for the depth control image.
	PreserveWeight float64 `yaml:"preserve_conditioning_weight"`
	LooseWeight    float64 `yaml:"loose_conditioning_weight"`

	InferenceSteps int     `yaml:"num_inference_steps"`
	GuidanceScale  float64 `yaml:"guidance_scale"`
	DepthModelSize string  `yaml:"depth_model_size"`
}

func DefaultPolicy() Policy {
	return Policy{
		BasePrompt: basePrompt,
		Presets: map[Preset]string{
			PresetNeutralOvercast:  "neutral overcast sky, diffuse ambient light, desaturated shadows",
			PresetGoldenHour:       "warm golden hour key light, long soft shadows, gentle sky bounce",
			PresetDramaticContrast: "strong directional key light, higher microcontrast, crisp reflections",
		},
		PreserveFloor:  0.25,
		PreserveFactor: 0.5,
		PreserveWeight: 1.0,
		LooseWeight:    0.7,
		InferenceSteps: 30,
		GuidanceScale:  7,
		DepthModelSize: "Large",
	}
}

// Prompt returns the synthesis prompt for p, or "" for an unknown preset.
func (p Policy) Prompt(preset Preset) string {
	suffix, ok := p.Presets[preset]
	if !ok {
		return ""
	}
	if p.BasePrompt == "" {
		return suffix
	}
	return p.BasePrompt + ", " + suffix
}

// Tuning is the pair of coupled synthesis knobs derived from user intent.
type Tuning struct {
	Strength           float64
	ConditioningWeight float64
}

// Tune derives synthesis parameters. Preserving composition trades
// denoising strength for tight adherence to the depth map.
func (p Policy) Tune(strength float64, preserveComposition bool) Tuning {
	if preserveComposition {
		return Tuning{
			Strength:           math.Max(p.PreserveFloor, strength*p.PreserveFactor),
			ConditioningWeight: p.PreserveWeight,
		}
	}
	return Tuning{Strength: strength, ConditioningWeight: p.LooseWeight}
}

// RoundDown8 rounds n down to a multiple of 8, the synthesis model's tile size.
func RoundDown8(n int) int {
	return n - n%8
}
