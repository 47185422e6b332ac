package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrBaseUnavailable = errors.New("base environment unavailable")
	ErrSystemInstall   = errors.New("system package installation failed")
	ErrBootstrap       = errors.New("package manager bootstrap failed")
	ErrSource          = errors.New("source materialization failed")
	ErrLockMismatch    = errors.New("dependency lock mismatch")
	ErrDependencies    = errors.New("dependency installation failed")
	ErrFrontendBuild   = errors.New("frontend build failed")
	ErrImageBuild      = errors.New("image build failed")
	ErrLaunch          = errors.New("backend launch failed")
	ErrMissingArtifact = errors.New("required artifact missing")
	ErrInvalidPipeline = errors.New("invalid pipeline")
)

// StageError reports which stage halted the pipeline.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// FailedStage returns the name of the stage that produced err, if any.
func FailedStage(err error) (string, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}

// Fail wraps cause under a taxonomy sentinel so that errors.Is matches both.
func Fail(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}
