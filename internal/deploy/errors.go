package deploy

import (
	"errors"
	"fmt"

	"github.com/serveml-labs/serveml-go/internal/domain"
)

// Pipeline stage names recorded in FailureCause.Stage.
const (
	StageValidation = "validation"
	StageBuild      = "build"
	StagePublish    = "publish"
)

// stageForStatus maps an in-progress record status to the stage that was
// running when it stopped moving.
func stageForStatus(s domain.DeploymentStatus) string {
	switch s {
	case domain.StatusBuilding:
		return StageBuild
	case domain.StatusPublishing:
		return StagePublish
	default:
		return StageValidation
	}
}

var (
	// ErrUnsupportedArtifact rejects a submission synchronously, before a
	// record is created. Input errors are the submitter's to fix.
	ErrUnsupportedArtifact = errors.New("unsupported model format")
	ErrDeploymentNotFound  = errors.New("deployment not found")
)

// StageError wraps a stage failure with its retry classification. Transient
// infrastructure errors are retried with backoff; deterministic errors would
// reproduce identically, so the orchestrator must not retry them.
type StageError struct {
	Stage     string
	Retryable bool
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func retryableErr(stage string, err error) *StageError {
	return &StageError{Stage: stage, Retryable: true, Err: err}
}

func permanentErr(stage string, err error) *StageError {
	return &StageError{Stage: stage, Retryable: false, Err: err}
}

// IsRetryable reports whether the orchestrator may re-attempt the failed
// stage. Anything not explicitly classified is treated as deterministic.
func IsRetryable(err error) bool {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Retryable
	}
	return false
}
