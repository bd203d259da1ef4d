// Package deploy owns the deployment lifecycle: it is the only writer of
// deployment records and drives each one through the pipeline stages. API
// handlers read records and request transitions through this package, never
// by touching the repository directly.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/serveml-labs/serveml-go/internal/build"
	"github.com/serveml-labs/serveml-go/internal/domain"
	"github.com/serveml-labs/serveml-go/internal/platform/env"
	"github.com/serveml-labs/serveml-go/internal/repo"
	"github.com/serveml-labs/serveml-go/internal/storage/objectstore"
)

// ArtifactValidator probes an uploaded artifact and reports what it found.
// Unusable input surfaces inside the descriptor, not as a Go error.
type ArtifactValidator interface {
	ValidateArtifact(ctx context.Context, artifactPath, declaredFilename string) domain.ArtifactDescriptor
}

// ImageBuilder turns a validated artifact into a runnable unit.
type ImageBuilder interface {
	Build(ctx context.Context, in build.Input) (build.Reference, error)
}

// UnitPublisher distributes a built unit and provisions serving for it.
type UnitPublisher interface {
	Publish(ctx context.Context, ref build.Reference, deploymentID string) (string, error)
	Teardown(ctx context.Context, deploymentID string) error
}

type Config struct {
	// Bucket holds uploaded artifacts and manifests.
	Bucket string
	// MaxConcurrentBuilds bounds how many deployments may occupy the build
	// and publish stages at once. Submissions beyond the bound queue.
	MaxConcurrentBuilds int
	Retry               RetryPolicy
}

// ConfigFromEnv reads orchestrator settings. The bucket comes from the
// object store configuration rather than a second env var.
func ConfigFromEnv(bucket string) (Config, error) {
	maxBuilds, err := env.Int("SERVEML_MAX_CONCURRENT_BUILDS", 2)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Bucket:              bucket,
		MaxConcurrentBuilds: maxBuilds,
		Retry:               DefaultRetryPolicy(),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if c.MaxConcurrentBuilds <= 0 {
		return errors.New("max concurrent builds must be positive")
	}
	if c.Retry.Attempts <= 0 {
		return errors.New("retry attempts must be positive")
	}
	return nil
}

// Service orchestrates deployments. One pipeline goroutine per in-flight
// deployment; the inflight map guarantees at most one per id.
type Service struct {
	logger    *slog.Logger
	cfg       Config
	repo      repo.DeploymentRepository
	store     objectstore.Store
	validator ArtifactValidator
	builder   ImageBuilder
	publisher UnitPublisher
	sizes     build.SizeTable

	buildSlots chan struct{}

	mu       sync.Mutex
	inflight map[string]*pipelineRun
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

type pipelineRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewService(
	logger *slog.Logger,
	cfg Config,
	records repo.DeploymentRepository,
	store objectstore.Store,
	validator ArtifactValidator,
	builder ImageBuilder,
	publisher UnitPublisher,
	sizes build.SizeTable,
) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if records == nil || store == nil || validator == nil || builder == nil || publisher == nil {
		return nil, errors.New("all collaborators are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Service{
		logger:     logger,
		cfg:        cfg,
		repo:       records,
		store:      store,
		validator:  validator,
		builder:    builder,
		publisher:  publisher,
		sizes:      sizes,
		buildSlots: make(chan struct{}, cfg.MaxConcurrentBuilds),
		inflight:   make(map[string]*pipelineRun),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}, nil
}

// SubmitInput is one deployment request. The artifact streams straight into
// object storage; the manifest is small enough to carry in memory.
type SubmitInput struct {
	Owner            string
	DisplayName      string
	ArtifactFilename string
	Artifact         io.Reader
	ArtifactSize     int64
	Manifest         []byte
}

// Submit accepts a deployment request, persists its payloads and record, and
// starts the pipeline. Input the submitter can fix immediately is rejected
// here, before any record exists.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (domain.Deployment, error) {
	if domain.FrameworkForFilename(in.ArtifactFilename) == domain.FrameworkUnknown {
		return domain.Deployment{}, fmt.Errorf("%w: %s", ErrUnsupportedArtifact, path.Ext(in.ArtifactFilename))
	}
	if in.Artifact == nil {
		return domain.Deployment{}, errors.New("artifact payload is required")
	}

	id := uuid.NewString()
	displayName := strings.TrimSpace(in.DisplayName)
	if displayName == "" {
		displayName = "model-" + id[:8]
	}

	artifactKey := objectstore.DeploymentKey(id, in.ArtifactFilename)
	if err := s.store.Put(ctx, s.cfg.Bucket, artifactKey, in.Artifact, in.ArtifactSize, "application/octet-stream"); err != nil {
		return domain.Deployment{}, fmt.Errorf("store artifact: %w", err)
	}
	manifestKey := objectstore.DeploymentKey(id, "requirements.txt")
	if err := s.store.Put(ctx, s.cfg.Bucket, manifestKey, strings.NewReader(string(in.Manifest)), int64(len(in.Manifest)), "text/plain"); err != nil {
		return domain.Deployment{}, fmt.Errorf("store manifest: %w", err)
	}

	now := time.Now().UTC()
	d := domain.Deployment{
		ID:          id,
		Owner:       in.Owner,
		DisplayName: displayName,
		Status:      domain.StatusSubmitted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(ctx, d); err != nil {
		return domain.Deployment{}, fmt.Errorf("create deployment record: %w", err)
	}

	s.startPipeline(d.ID, in.ArtifactFilename, string(in.Manifest))
	s.logger.Info("deployment submitted",
		"deployment_id", d.ID, "owner", d.Owner, "artifact", in.ArtifactFilename)
	return d, nil
}

// Get returns the deployment scoped to owner. A record belonging to someone
// else is indistinguishable from a missing one.
func (s *Service) Get(ctx context.Context, owner, id string) (domain.Deployment, error) {
	d, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Deployment{}, ErrDeploymentNotFound
		}
		return domain.Deployment{}, err
	}
	if d.Owner != owner {
		return domain.Deployment{}, ErrDeploymentNotFound
	}
	return d, nil
}

// List returns the owner's deployments, newest first.
func (s *Service) List(ctx context.Context, owner string) ([]domain.Deployment, error) {
	return s.repo.List(ctx, repo.DeploymentFilter{Owner: owner})
}

// Delete tears a deployment down. An in-flight pipeline is canceled and
// allowed to settle into a terminal state before the record moves to
// deleted, so the transition rules are never bypassed. Cleanup is
// best-effort: failures become a recorded warning, not a blocked deletion.
func (s *Service) Delete(ctx context.Context, owner, id string) (domain.Deployment, error) {
	if _, err := s.Get(ctx, owner, id); err != nil {
		return domain.Deployment{}, err
	}

	s.mu.Lock()
	run := s.inflight[id]
	s.mu.Unlock()
	if run != nil {
		run.cancel()
		select {
		case <-run.done:
		case <-ctx.Done():
			return domain.Deployment{}, ctx.Err()
		}
	}

	var warnings []string
	if err := s.publisher.Teardown(ctx, id); err != nil {
		s.logger.Warn("serving teardown incomplete", "deployment_id", id, "error", err)
		warnings = append(warnings, fmt.Sprintf("serving cleanup incomplete: %v", err))
	}
	if err := s.store.DeletePrefix(ctx, s.cfg.Bucket, objectstore.DeploymentPrefix(id)); err != nil {
		s.logger.Warn("artifact cleanup incomplete", "deployment_id", id, "error", err)
		warnings = append(warnings, fmt.Sprintf("artifact cleanup incomplete: %v", err))
	}
	update := repo.StatusUpdate{CleanupWarning: strings.Join(warnings, "; ")}

	for attempt := 0; attempt < 3; attempt++ {
		d, err := s.repo.Get(ctx, id)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Deployment{}, ErrDeploymentNotFound
			}
			return domain.Deployment{}, err
		}
		if d.Status == domain.StatusDeleted {
			return d, nil
		}
		if !d.Status.Terminal() {
			// No run is in flight for this record (any was settled above),
			// so a restart left it stranded mid-pipeline. Fail it first;
			// deleted is only reachable from a terminal state.
			s.logger.Warn("failing stranded deployment before delete", "deployment_id", id, "status", d.Status)
			cause := &domain.FailureCause{Stage: stageForStatus(d.Status), Message: "pipeline interrupted by restart"}
			_, err := s.repo.UpdateStatus(ctx, id, d.Status, domain.StatusFailed, repo.StatusUpdate{FailureCause: cause})
			if err != nil && !errors.Is(err, repo.ErrConflict) {
				return domain.Deployment{}, err
			}
			continue
		}
		deleted, err := s.repo.UpdateStatus(ctx, id, d.Status, domain.StatusDeleted, update)
		if err == nil {
			s.logger.Info("deployment deleted", "deployment_id", id, "cleanup_warning", update.CleanupWarning)
			return deleted, nil
		}
		if !errors.Is(err, repo.ErrConflict) {
			return domain.Deployment{}, err
		}
	}
	return domain.Deployment{}, fmt.Errorf("deployment %s would not settle for deletion: %w", id, repo.ErrConflict)
}

// Close cancels every in-flight pipeline and waits for them to settle.
func (s *Service) Close(ctx context.Context) error {
	s.rootCancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
