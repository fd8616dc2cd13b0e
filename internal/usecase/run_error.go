package usecase

import (
	"errors"
	"fmt"
	"strings"
)

// Phase names the two pipeline passes.
type Phase string

const (
	PhaseETL    Phase = "etl"
	PhaseNotify Phase = "notify"
)

// ErrRunInProgress is returned when another run of the same phase holds the lock.
var ErrRunInProgress = errors.New("run already in progress")

// UnitFailure is the error of one search (ETL) or one user (notify).
type UnitFailure struct {
	Unit     string
	SearchID int64
	UserID   int64
	Err      error
}

func (f UnitFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.Unit, f.Err)
}

func (f UnitFailure) Unwrap() error {
	return f.Err
}

// RunError aggregates unit failures of one run.
type RunError struct {
	Phase    Phase
	RunID    string
	Total    int
	Failures []UnitFailure
}

func (e *RunError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, f.Error())
	}
	return fmt.Sprintf("%s run %s: %d of %d units failed: %s",
		e.Phase, e.RunID, len(e.Failures), e.Total, strings.Join(msgs, "; "))
}

// Unwrap exposes every unit error to errors.Is and errors.As.
func (e *RunError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}

// AllFailed is true only when every unit of the run failed.
func (e *RunError) AllFailed() bool {
	return e.Total > 0 && len(e.Failures) >= e.Total
}

// RunFailed reports whether err should mark the run as failed: fatal errors always do,
// aggregated unit failures only when no unit succeeded.
func RunFailed(err error) bool {
	if err == nil {
		return false
	}
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr.AllFailed()
	}
	return true
}
