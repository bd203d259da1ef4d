// Package validate inspects uploaded model artifacts and dependency
// manifests before any build cost is spent. Invalid input is reported inside
// the returned descriptor, never as a Go error; errors are reserved for
// infrastructure faults.
package validate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/serveml-labs/serveml-go/internal/domain"
	"github.com/serveml-labs/serveml-go/internal/platform/env"
)

const DefaultMaxArtifactBytes = 500 << 20 // 500 MiB

type Config struct {
	MaxArtifactBytes int64
	ProbeTimeout     time.Duration
	ProbeImage       string
	DockerBin        string
	ProbeMemoryLimit string
}

func ConfigFromEnv() (Config, error) {
	maxBytes, err := env.Int64("SERVEML_MAX_ARTIFACT_BYTES", DefaultMaxArtifactBytes)
	if err != nil {
		return Config{}, err
	}
	probeTimeout, err := env.Duration("SERVEML_PROBE_TIMEOUT", 2*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		MaxArtifactBytes: maxBytes,
		ProbeTimeout:     probeTimeout,
		ProbeImage:       env.String("SERVEML_PROBE_IMAGE", "serveml/model-probe:latest"),
		DockerBin:        env.String("SERVEML_DOCKER_BIN", "docker"),
		ProbeMemoryLimit: env.String("SERVEML_PROBE_MEMORY", "2g"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.MaxArtifactBytes <= 0 {
		return errors.New("max artifact bytes must be positive")
	}
	if c.ProbeTimeout <= 0 {
		return errors.New("probe timeout must be positive")
	}
	if c.ProbeImage == "" {
		return errors.New("probe image is required")
	}
	return nil
}

type Validator struct {
	logger *slog.Logger
	cfg    Config
	prober Prober
}

func NewValidator(logger *slog.Logger, cfg Config, prober Prober) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if prober == nil {
		return nil, errors.New("prober is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{logger: logger, cfg: cfg, prober: prober}, nil
}

// ValidateArtifact inspects the artifact at artifactPath. declaredFilename is
// the name the submitter gave the file; framework detection dispatches on its
// extension first, then on the probe's deserialization result. The checks run
// cheapest first so an oversized or misnamed payload never reaches the probe
// sandbox.
func (v *Validator) ValidateArtifact(ctx context.Context, artifactPath, declaredFilename string) domain.ArtifactDescriptor {
	desc := domain.ArtifactDescriptor{Framework: domain.FrameworkUnknown}

	info, err := os.Stat(artifactPath)
	if err != nil {
		desc.Errors = append(desc.Errors, fmt.Sprintf("artifact unreadable: %v", err))
		return desc
	}
	desc.SizeBytes = info.Size()

	if desc.SizeBytes == 0 {
		desc.Errors = append(desc.Errors, "artifact is empty")
		return desc
	}
	if desc.SizeBytes > v.cfg.MaxArtifactBytes {
		desc.Errors = append(desc.Errors, fmt.Sprintf(
			"model too large: %.1fMB (max %dMB)",
			float64(desc.SizeBytes)/(1<<20), v.cfg.MaxArtifactBytes>>20))
		return desc
	}

	framework := domain.FrameworkForFilename(declaredFilename)
	if framework == domain.FrameworkUnknown {
		desc.Errors = append(desc.Errors, fmt.Sprintf(
			"unsupported model format: %s", path.Ext(declaredFilename)))
		return desc
	}
	desc.Framework = framework

	result, err := v.prober.Probe(ctx, ProbeRequest{
		ArtifactPath: artifactPath,
		Filename:     declaredFilename,
		Framework:    framework,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrProbeTimeout) {
			desc.Errors = append(desc.Errors, "validation timed out")
			return desc
		}
		v.logger.Error("artifact probe failed", "artifact", declaredFilename, "error", err)
		desc.Errors = append(desc.Errors, fmt.Sprintf("validation error: %v", err))
		return desc
	}

	desc.ModelType = result.ModelType
	desc.InputShape = result.InputShape
	desc.OutputShape = result.OutputShape
	desc.Errors = append(desc.Errors, result.Errors...)
	desc.Warnings = append(desc.Warnings, result.Warnings...)
	return desc
}
