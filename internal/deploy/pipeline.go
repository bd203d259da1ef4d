package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/serveml-labs/serveml-go/internal/build"
	"github.com/serveml-labs/serveml-go/internal/domain"
	"github.com/serveml-labs/serveml-go/internal/repo"
	"github.com/serveml-labs/serveml-go/internal/storage/objectstore"
	"github.com/serveml-labs/serveml-go/internal/validate"
)

// terminalWriteTimeout bounds the record write that settles a canceled or
// failed pipeline. It runs on a context detached from the pipeline's own,
// which by then may already be canceled.
const terminalWriteTimeout = 10 * time.Second

// startPipeline registers and launches the pipeline goroutine for id. The
// inflight map holds at most one run per id; a duplicate launch is dropped.
func (s *Service) startPipeline(id, artifactFilename, manifestText string) {
	ctx, cancel := context.WithCancel(s.rootCtx)
	run := &pipelineRun{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if _, exists := s.inflight[id]; exists {
		s.mu.Unlock()
		cancel()
		s.logger.Error("pipeline already in flight", "deployment_id", id)
		return
	}
	s.inflight[id] = run
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.inflight, id)
			s.mu.Unlock()
			close(run.done)
			cancel()
			s.wg.Done()
		}()
		s.runPipeline(ctx, id, artifactFilename, manifestText)
	}()
}

// runPipeline drives one deployment through validating, building, and
// publishing. Every transition is a compare-and-swap against the expected
// prior status; a refused swap means the record changed under us and the
// pipeline stops rather than overwrite the newer state.
func (s *Service) runPipeline(ctx context.Context, id, artifactFilename, manifestText string) {
	logger := s.logger.With("deployment_id", id)

	if !s.advance(ctx, logger, id, domain.StatusSubmitted, domain.StatusValidating, repo.StatusUpdate{}) {
		return
	}

	workDir, err := os.MkdirTemp("", "serveml-pipeline-*")
	if err != nil {
		s.failInternal(ctx, logger, id, domain.StatusValidating, StageValidation, err)
		return
	}
	defer os.RemoveAll(workDir)

	artifactPath := filepath.Join(workDir, filepath.Base(artifactFilename))
	if err := s.fetchObject(ctx, id, artifactFilename, artifactPath); err != nil {
		s.failInternal(ctx, logger, id, domain.StatusValidating, StageValidation, err)
		return
	}
	manifestPath := filepath.Join(workDir, "requirements.txt")
	if err := os.WriteFile(manifestPath, []byte(manifestText), 0o600); err != nil {
		s.failInternal(ctx, logger, id, domain.StatusValidating, StageValidation, err)
		return
	}

	desc := s.validator.ValidateArtifact(ctx, artifactPath, artifactFilename)
	manifest, manifestWarnings, manifestErrors := validate.ValidateManifest(manifestText)
	desc.Warnings = append(desc.Warnings, manifestWarnings...)
	desc.Errors = append(desc.Errors, manifestErrors...)
	if est := s.sizes.EstimateImageSizeMB(manifestText); est > 0 {
		desc.Warnings = append(desc.Warnings, fmt.Sprintf("estimated image size: %dMB", est))
	}

	if ctx.Err() != nil {
		s.failCanceled(ctx, logger, id, domain.StatusValidating, StageValidation)
		return
	}
	if !desc.Usable() {
		s.fail(ctx, logger, id, domain.StatusValidating, StageValidation,
			strings.Join(desc.Errors, "; "), &desc)
		return
	}
	if !s.advance(ctx, logger, id, domain.StatusValidating, domain.StatusBuilding,
		repo.StatusUpdate{Descriptor: &desc}) {
		return
	}

	select {
	case s.buildSlots <- struct{}{}:
	case <-ctx.Done():
		s.failCanceled(ctx, logger, id, domain.StatusBuilding, StageBuild)
		return
	}
	defer func() { <-s.buildSlots }()

	var ref build.Reference
	err = withRetry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		r, buildErr := s.builder.Build(ctx, build.Input{
			DeploymentID: id,
			Framework:    desc.Framework,
			ArtifactPath: artifactPath,
			ManifestPath: manifestPath,
			UseGPU:       manifest.Has("tensorflow-gpu"),
		})
		if buildErr != nil {
			return classifyBuildError(buildErr)
		}
		ref = r
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			s.failCanceled(ctx, logger, id, domain.StatusBuilding, StageBuild)
			return
		}
		s.fail(ctx, logger, id, domain.StatusBuilding, StageBuild, err.Error(), nil)
		return
	}
	if !s.advance(ctx, logger, id, domain.StatusBuilding, domain.StatusPublishing,
		repo.StatusUpdate{BuildReference: ref.ImageTag}) {
		return
	}

	var address string
	err = withRetry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		addr, pubErr := s.publisher.Publish(ctx, ref, id)
		if pubErr != nil {
			// Push, provision, and confirm are all idempotent against the
			// same tag and container name, so re-running the whole step on
			// an infrastructure hiccup is safe.
			return retryableErr(StagePublish, pubErr)
		}
		address = addr
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			s.failCanceled(ctx, logger, id, domain.StatusPublishing, StagePublish)
			return
		}
		s.fail(ctx, logger, id, domain.StatusPublishing, StagePublish, err.Error(), nil)
		return
	}

	if s.advance(ctx, logger, id, domain.StatusPublishing, domain.StatusActive,
		repo.StatusUpdate{InvocationAddress: address}) {
		logger.Info("deployment active", "address", address)
	}
}

// fetchObject copies the stored payload to a local path for the stages that
// need filesystem access.
func (s *Service) fetchObject(ctx context.Context, id, filename, dst string) error {
	body, _, err := s.store.Get(ctx, s.cfg.Bucket, objectstore.DeploymentKey(id, filename))
	if err != nil {
		return fmt.Errorf("fetch %s: %w", filename, err)
	}
	defer body.Close()

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filename, err)
	}
	return f.Close()
}

// classifyBuildError separates infrastructure hiccups from deterministic
// build failures. A failed dependency install or bad Dockerfile reproduces
// identically on every attempt; only a starved or interrupted engine earns
// a retry.
func classifyBuildError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return retryableErr(StageBuild, err)
	}
	return permanentErr(StageBuild, err)
}

func (s *Service) advance(ctx context.Context, logger *slog.Logger, id string, from, to domain.DeploymentStatus, update repo.StatusUpdate) bool {
	if _, err := s.repo.UpdateStatus(ctx, id, from, to, update); err != nil {
		logger.Error("status transition refused", "from", from, "to", to, "error", err)
		return false
	}
	logger.Info("deployment advanced", "status", to)
	return true
}

// fail settles the record in the failed state with a per-stage cause. The
// write uses a detached context so a canceled pipeline can still record its
// outcome.
func (s *Service) fail(ctx context.Context, logger *slog.Logger, id string, from domain.DeploymentStatus, stage, message string, desc *domain.ArtifactDescriptor) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()

	update := repo.StatusUpdate{
		Descriptor:   desc,
		FailureCause: &domain.FailureCause{Stage: stage, Message: message},
	}
	if _, err := s.repo.UpdateStatus(writeCtx, id, from, domain.StatusFailed, update); err != nil {
		logger.Error("failure transition refused", "from", from, "error", err)
		return
	}
	logger.Warn("deployment failed", "stage", stage, "cause", message)
}

// failInternal records a generic cause for faults in our own infrastructure.
// The submitter cannot act on storage or scheduler errors; the specifics go
// to the log instead of the record.
func (s *Service) failInternal(ctx context.Context, logger *slog.Logger, id string, from domain.DeploymentStatus, stage string, err error) {
	logger.Error("pipeline infrastructure fault", "stage", stage, "error", err)
	s.fail(ctx, logger, id, from, stage, "internal error", nil)
}

func (s *Service) failCanceled(ctx context.Context, logger *slog.Logger, id string, from domain.DeploymentStatus, stage string) {
	s.fail(ctx, logger, id, from, stage, "deployment canceled", nil)
}
