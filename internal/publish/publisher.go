// Package publish pushes a built unit to the distribution registry and binds
// a serving target to it, producing the deployment's invocation address.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/serveml-labs/serveml-go/internal/build"
	"github.com/serveml-labs/serveml-go/internal/platform/env"
)

// Step names identify which half of publishing failed so the orchestrator can
// decide what a retry must redo.
const (
	StepPush      = "push"
	StepProvision = "provision"
	StepConfirm   = "confirm"
)

// Error reports a publish failure with the sub-step that caused it.
type Error struct {
	Step string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Step, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Config struct {
	RegistryRepo     string
	InsecureRegistry bool
	ServingMemory    string
	ConfirmTimeout   time.Duration
	ConfirmInterval  time.Duration
}

func ConfigFromEnv() (Config, error) {
	insecure, err := env.Bool("SERVEML_REGISTRY_INSECURE", false)
	if err != nil {
		return Config{}, err
	}
	confirmTimeout, err := env.Duration("SERVEML_CONFIRM_TIMEOUT", 2*time.Minute)
	if err != nil {
		return Config{}, err
	}
	confirmInterval, err := env.Duration("SERVEML_CONFIRM_INTERVAL", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		RegistryRepo:     env.String("SERVEML_REGISTRY_REPO", "localhost:5000/serveml-models"),
		InsecureRegistry: insecure,
		ServingMemory:    env.String("SERVEML_SERVING_MEMORY", "1g"),
		ConfirmTimeout:   confirmTimeout,
		ConfirmInterval:  confirmInterval,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.RegistryRepo) == "" {
		return errors.New("registry repo is required")
	}
	if c.ConfirmTimeout <= 0 {
		return errors.New("confirm timeout must be positive")
	}
	if c.ConfirmInterval <= 0 {
		return errors.New("confirm interval must be positive")
	}
	return nil
}

type Publisher struct {
	logger   *slog.Logger
	cfg      Config
	registry Registry
	serving  ServingPlatform
	client   *http.Client
}

func NewPublisher(logger *slog.Logger, cfg Config, registry Registry, serving ServingPlatform) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if serving == nil {
		return nil, errors.New("serving platform is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		logger:   logger,
		cfg:      cfg,
		registry: registry,
		serving:  serving,
		client:   &http.Client{Timeout: 5 * time.Second},
	}, nil
}

// RemoteRef derives the distribution reference deterministically from the
// deployment id so republishing overwrites rather than accumulates.
func (p *Publisher) RemoteRef(deploymentID string) string {
	return p.cfg.RegistryRepo + ":" + deploymentID
}

// Publish pushes the built unit, provisions the serving target bound to it,
// and confirms the resulting address answers before reporting success.
func (p *Publisher) Publish(ctx context.Context, ref build.Reference, deploymentID string) (string, error) {
	if strings.TrimSpace(ref.ImageTag) == "" {
		return "", &Error{Step: StepPush, Err: errors.New("build reference is empty")}
	}
	remoteRef := p.RemoteRef(deploymentID)

	p.logger.Info("pushing image", "deployment_id", deploymentID, "ref", remoteRef)
	if err := p.registry.Push(ctx, ref.ImageTag, remoteRef); err != nil {
		return "", &Error{Step: StepPush, Err: err}
	}

	p.logger.Info("provisioning serving target", "deployment_id", deploymentID)
	address, err := p.serving.Provision(ctx, ServingSpec{
		DeploymentID: deploymentID,
		ImageRef:     remoteRef,
		MemoryLimit:  p.cfg.ServingMemory,
	})
	if err != nil {
		return "", &Error{Step: StepProvision, Err: err}
	}

	if err := p.confirm(ctx, address); err != nil {
		return "", &Error{Step: StepConfirm, Err: err}
	}
	return address, nil
}

// confirm polls the serving target's health endpoint until it answers. The
// state machine's contract forbids depending on wall-clock delay: a
// deployment is active only once the address is observed live.
func (p *Publisher) confirm(ctx context.Context, address string) error {
	confirmCtx, cancel := context.WithTimeout(ctx, p.cfg.ConfirmTimeout)
	defer cancel()

	url := strings.TrimRight(address, "/") + "/healthz"
	ticker := time.NewTicker(p.cfg.ConfirmInterval)
	defer ticker.Stop()

	var lastErr error = errors.New("no probe attempted")
	for {
		req, err := http.NewRequestWithContext(confirmCtx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := p.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Errorf("health returned %d", resp.StatusCode)
		} else {
			lastErr = err
		}

		select {
		case <-confirmCtx.Done():
			return fmt.Errorf("address %s never became live: %w (last: %v)", address, confirmCtx.Err(), lastErr)
		case <-ticker.C:
		}
	}
}

// Teardown removes the deployment's serving target and distribution tag.
// Best-effort: both halves are attempted and failures are joined so deletion
// can proceed with a recorded warning instead of blocking.
func (p *Publisher) Teardown(ctx context.Context, deploymentID string) error {
	var errs []error
	if err := p.serving.Teardown(ctx, deploymentID); err != nil {
		errs = append(errs, fmt.Errorf("serving teardown: %w", err))
	}
	if err := p.registry.Remove(ctx, p.RemoteRef(deploymentID)); err != nil {
		errs = append(errs, fmt.Errorf("registry cleanup: %w", err))
	}
	return errors.Join(errs...)
}
