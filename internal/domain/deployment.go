package domain

import (
	"errors"
	"strings"
	"time"
)

// DeploymentStatus represents the lifecycle state of a deployment.
type DeploymentStatus string

const (
	StatusSubmitted  DeploymentStatus = "submitted"
	StatusValidating DeploymentStatus = "validating"
	StatusBuilding   DeploymentStatus = "building"
	StatusPublishing DeploymentStatus = "publishing"
	StatusActive     DeploymentStatus = "active"
	StatusFailed     DeploymentStatus = "failed"
	StatusDeleted    DeploymentStatus = "deleted"
)

func (s DeploymentStatus) Valid() bool {
	switch s {
	case StatusSubmitted, StatusValidating, StatusBuilding, StatusPublishing,
		StatusActive, StatusFailed, StatusDeleted:
		return true
	default:
		return false
	}
}

// Terminal reports whether no pipeline stage may run against the record anymore.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case StatusActive, StatusFailed, StatusDeleted:
		return true
	default:
		return false
	}
}

var statusOrder = map[DeploymentStatus]int{
	StatusSubmitted:  0,
	StatusValidating: 1,
	StatusBuilding:   2,
	StatusPublishing: 3,
	StatusActive:     4,
}

// CanTransitionTo enforces the monotonic pipeline order: forward one step at a
// time, failed reachable from any non-terminal state, deleted reachable from
// active or failed.
func (s DeploymentStatus) CanTransitionTo(next DeploymentStatus) bool {
	if !s.Valid() || !next.Valid() || s == next {
		return false
	}
	switch next {
	case StatusFailed:
		return !s.Terminal()
	case StatusDeleted:
		return s == StatusActive || s == StatusFailed
	default:
		from, okFrom := statusOrder[s]
		to, okTo := statusOrder[next]
		return okFrom && okTo && to == from+1
	}
}

// FailureCause records which pipeline stage failed and why.
type FailureCause struct {
	Stage   string
	Message string
}

// Deployment is one deployment attempt, owned exclusively by the orchestrator.
type Deployment struct {
	ID                string
	Owner             string
	DisplayName       string
	Status            DeploymentStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Descriptor        *ArtifactDescriptor
	BuildReference    string
	InvocationAddress string
	FailureCause      *FailureCause
	CleanupWarning    string
}

func (d Deployment) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("deployment id is required")
	}
	if strings.TrimSpace(d.DisplayName) == "" {
		return errors.New("display name is required")
	}
	if !d.Status.Valid() {
		return errors.New("invalid deployment status")
	}
	if d.InvocationAddress != "" && d.FailureCause != nil {
		return errors.New("invocation address and failure cause are mutually exclusive")
	}
	if d.FailureCause != nil && strings.TrimSpace(d.FailureCause.Stage) == "" {
		return errors.New("failure cause stage is required")
	}
	return nil
}
