// Package build assembles a self-contained execution unit for a validated
// artifact: the model under its canonical filename, the dependency manifest,
// and the generic inference adapter injected as the unit's entry point.
package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	_ "embed"

	"github.com/serveml-labs/serveml-go/internal/domain"
	"github.com/serveml-labs/serveml-go/internal/platform/env"
)

//go:embed templates/Dockerfile.tmpl
var dockerfileTemplate string

//go:embed templates/bridge.py
var bridgeScript []byte

type Config struct {
	DockerBin     string
	AdapterBinary string
	ImagePrefix   string
	BuildTimeout  time.Duration
}

func ConfigFromEnv() (Config, error) {
	buildTimeout, err := env.Duration("SERVEML_BUILD_TIMEOUT", 10*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		DockerBin:     env.String("SERVEML_DOCKER_BIN", "docker"),
		AdapterBinary: env.String("SERVEML_ADAPTER_BINARY", "/usr/local/bin/model-adapter"),
		ImagePrefix:   env.String("SERVEML_IMAGE_PREFIX", "serveml"),
		BuildTimeout:  buildTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.AdapterBinary) == "" {
		return errors.New("adapter binary path is required")
	}
	if strings.TrimSpace(c.ImagePrefix) == "" {
		return errors.New("image prefix is required")
	}
	if c.BuildTimeout <= 0 {
		return errors.New("build timeout must be positive")
	}
	return nil
}

// Input is everything the builder needs for one deployment.
type Input struct {
	DeploymentID string
	Framework    domain.Framework
	ArtifactPath string
	ManifestPath string
	UseGPU       bool
}

// Reference is the opaque handle to a built unit.
type Reference struct {
	ImageTag string
}

type Builder struct {
	logger *slog.Logger
	cfg    Config
	engine Engine
}

func NewBuilder(logger *slog.Logger, cfg Config, engine Engine) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{logger: logger, cfg: cfg, engine: engine}, nil
}

// Tag returns the deterministic local image tag for a deployment. Rebuilding
// the same deployment overwrites the tag instead of accumulating versions,
// which makes retries after transient failures safe without manual cleanup.
func (b *Builder) Tag(deploymentID string) string {
	return fmt.Sprintf("%s-%s:latest", b.cfg.ImagePrefix, deploymentID)
}

// Build assembles an isolated build context in a scratch workspace and runs
// the image engine against it. All-or-nothing: any failure discards the
// partial context and returns a single consolidated error. The workspace is
// removed on every exit path.
func (b *Builder) Build(ctx context.Context, in Input) (Reference, error) {
	if strings.TrimSpace(in.DeploymentID) == "" {
		return Reference{}, errors.New("deployment id is required")
	}
	caps := in.Framework.Capabilities()
	if caps.CanonicalFilename == "" {
		return Reference{}, fmt.Errorf("unbuildable framework: %q", in.Framework)
	}

	buildDir, err := os.MkdirTemp("", "serveml-build-*")
	if err != nil {
		return Reference{}, fmt.Errorf("create build workspace: %w", err)
	}
	defer os.RemoveAll(buildDir)

	if err := b.assembleContext(buildDir, in, caps); err != nil {
		return Reference{}, fmt.Errorf("assemble build context: %w", err)
	}

	tag := b.Tag(in.DeploymentID)
	buildCtx, cancel := context.WithTimeout(ctx, b.cfg.BuildTimeout)
	defer cancel()

	b.logger.Info("building model image", "deployment_id", in.DeploymentID, "tag", tag, "framework", in.Framework)
	if err := b.engine.Build(buildCtx, buildDir, tag); err != nil {
		return Reference{}, err
	}
	return Reference{ImageTag: tag}, nil
}

func (b *Builder) assembleContext(buildDir string, in Input, caps domain.Capabilities) error {
	if err := copyFile(in.ArtifactPath, filepath.Join(buildDir, caps.CanonicalFilename)); err != nil {
		return fmt.Errorf("stage artifact: %w", err)
	}
	if err := copyFile(in.ManifestPath, filepath.Join(buildDir, "requirements.txt")); err != nil {
		return fmt.Errorf("stage manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(buildDir, "bridge.py"), bridgeScript, 0o644); err != nil {
		return fmt.Errorf("stage bridge script: %w", err)
	}
	if err := copyExecutable(b.cfg.AdapterBinary, filepath.Join(buildDir, "model-adapter")); err != nil {
		return fmt.Errorf("stage adapter binary: %w", err)
	}
	dockerfile, err := renderDockerfile(in, caps)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(buildDir, "Dockerfile"), dockerfile, 0o644); err != nil {
		return fmt.Errorf("stage dockerfile: %w", err)
	}
	return nil
}

type dockerfileData struct {
	BaseImage     string
	ModelFilename string
	Framework     string
}

func renderDockerfile(in Input, caps domain.Capabilities) ([]byte, error) {
	tmpl, err := template.New("dockerfile").Parse(dockerfileTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse dockerfile template: %w", err)
	}
	var buf strings.Builder
	err = tmpl.Execute(&buf, dockerfileData{
		BaseImage:     baseImage(in.Framework, in.UseGPU),
		ModelFilename: caps.CanonicalFilename,
		Framework:     string(in.Framework),
	})
	if err != nil {
		return nil, fmt.Errorf("render dockerfile: %w", err)
	}
	return []byte(buf.String()), nil
}

func baseImage(fw domain.Framework, gpu bool) string {
	switch fw {
	case domain.FrameworkTensorGraph:
		if gpu {
			return "tensorflow/tensorflow:2.15.0-gpu"
		}
		return "tensorflow/tensorflow:2.15.0"
	case domain.FrameworkTensorEager:
		if gpu {
			return "pytorch/pytorch:2.2.0-cuda12.1-cudnn8-runtime"
		}
		return "python:3.11-slim"
	default:
		return "python:3.11-slim"
	}
}

func copyFile(src, dst string) error {
	return copyWithMode(src, dst, 0o644)
}

func copyExecutable(src, dst string) error {
	return copyWithMode(src, dst, 0o755)
}

func copyWithMode(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
