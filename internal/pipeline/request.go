package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/archrelight/archrelight/internal/inputs"
)

const DefaultStrength = 0.35

// Request is the caller's intent for one run. It is not modified by Run.
type Request struct {
	// RequestID is generated when empty.
	RequestID string

	Image               inputs.Source
	Preset              Preset
	Strength            float64 `validate:"gte=0,lte=1"`
	PreserveComposition bool
	Upscale             Upscale `validate:"omitempty,oneof=none native 1.5x 2x 4x"`
}

// NewRequest returns a request with the documented defaults.
func NewRequest(image inputs.Source) Request {
	return Request{
		Image:               image,
		Preset:              DefaultPreset,
		Strength:            DefaultStrength,
		PreserveComposition: true,
		Upscale:             UpscaleNone,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports every problem with the request as ErrInvalidInput.
func (r Request) Validate() error {
	var problems []string
	if r.Image.IsZero() {
		problems = append(problems, "image is required")
	}
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s fails %s=%s (got %v)", strings.ToLower(fe.Field()), fe.Tag(), fe.Param(), fe.Value()))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}
