package jobs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/archrelight/archrelight/internal/replicate"
)

var (
	ErrJobFailed  = errors.New("job failed")
	ErrJobTimeout = errors.New("job timed out")
	ErrNoDeadline = errors.New("job has no deadline")
)

// JobError carries enough context to diagnose a stage without re-running it.
// JobID is empty when submission itself failed.
type JobError struct {
	Stage   string
	Model   string
	JobID   string
	Status  replicate.PredictionStatus
	Message string
	Err     error
}

func (e *JobError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s job", e.Stage)
	if e.JobID != "" {
		fmt.Fprintf(&b, " %s", e.JobID)
	}
	fmt.Fprintf(&b, " (%s)", e.Model)
	if e.Status != "" {
		fmt.Fprintf(&b, " %s", e.Status)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *JobError) Unwrap() error { return e.Err }
