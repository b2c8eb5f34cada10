package pipeline

import (
	"errors"
	"fmt"

	"github.com/archrelight/archrelight/internal/jobs"
)

var ErrInvalidInput = errors.New("invalid input")

const (
	StageInput     = "input"
	StageDepth     = "depth"
	StageSynthesis = "synthesis"
	StageUpscale   = "upscale"
)

// StageError wraps the failure of one pipeline stage.
type StageError struct {
	Stage string
	Model string
	JobID string
	Err   error
}

func (e *StageError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%s stage failed (model %s, job %s): %v", e.Stage, e.Model, e.JobID, e.Err)
	}
	if e.Model != "" {
		return fmt.Sprintf("%s stage failed (model %s): %v", e.Stage, e.Model, e.Err)
	}
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageError(stage, model string, err error) *StageError {
	se := &StageError{Stage: stage, Model: model, Err: err}
	var jobErr *jobs.JobError
	if errors.As(err, &jobErr) {
		se.JobID = jobErr.JobID
	}
	return se
}
