package repo

import (
	"context"
	"errors"

	"github.com/serveml-labs/serveml-go/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by UpdateStatus when the record's status no
	// longer matches the expected value. Stage completions race with user
	// deletion; compare-and-swap keeps the loser from clobbering the winner.
	ErrConflict = errors.New("status conflict")
	ErrExists   = errors.New("already exists")
)

type DeploymentFilter struct {
	Owner          string
	IncludeDeleted bool
	Limit          int
}

// StatusUpdate carries the fields a stage transition may set alongside the
// status itself. Nil pointers and empty strings leave the stored value alone.
type StatusUpdate struct {
	Descriptor        *domain.ArtifactDescriptor
	BuildReference    string
	InvocationAddress string
	FailureCause      *domain.FailureCause
	CleanupWarning    string
}

// DeploymentRepository is the durable record store for deployments.
type DeploymentRepository interface {
	Create(ctx context.Context, d domain.Deployment) error
	Get(ctx context.Context, id string) (domain.Deployment, error)
	// List returns records ordered by creation time descending. Deleted
	// records are excluded unless the filter asks for them.
	List(ctx context.Context, filter DeploymentFilter) ([]domain.Deployment, error)
	// UpdateStatus transitions id from the expected status to next,
	// applying update atomically. Returns ErrConflict when the stored
	// status differs from the expectation. Transitioning to deleted purges
	// the record's large fields but keeps its identity for audit.
	UpdateStatus(ctx context.Context, id string, from, to domain.DeploymentStatus, update StatusUpdate) (domain.Deployment, error)
}
