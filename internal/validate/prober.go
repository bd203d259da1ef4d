package validate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/serveml-labs/serveml-go/internal/domain"
)

// ErrProbeTimeout marks a probe that exceeded its deadline. A hanging or
// hostile artifact must surface as a validation failure, not stall the
// orchestrator.
var ErrProbeTimeout = errors.New("probe timed out")

type ProbeRequest struct {
	ArtifactPath string
	Filename     string
	Framework    domain.Framework
}

// ProbeResult is the probe program's JSON output. Errors here are artifact
// verdicts (missing predict method, truncated pickle), not infrastructure
// failures.
type ProbeResult struct {
	ModelType   string   `json:"model_type"`
	InputShape  []int    `json:"input_shape"`
	OutputShape []int    `json:"output_shape"`
	Errors      []string `json:"errors"`
	Warnings    []string `json:"warnings"`
}

// Prober deserializes an artifact and inspects its inference surface.
type Prober interface {
	Probe(ctx context.Context, req ProbeRequest) (ProbeResult, error)
}

//go:embed probe_model.py
var probeScript []byte

// SandboxProber runs the probe inside a disposable container with no network
// and a memory cap. Deserializing untrusted artifacts can execute arbitrary
// code; it must never happen in the orchestrator's own process.
type SandboxProber struct {
	dockerBin   string
	image       string
	memoryLimit string
	timeout     time.Duration
}

func NewSandboxProber(cfg Config) (*SandboxProber, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	bin := strings.TrimSpace(cfg.DockerBin)
	if bin == "" {
		bin = "docker"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	return &SandboxProber{
		dockerBin:   bin,
		image:       cfg.ProbeImage,
		memoryLimit: cfg.ProbeMemoryLimit,
		timeout:     cfg.ProbeTimeout,
	}, nil
}

func (p *SandboxProber) Probe(ctx context.Context, req ProbeRequest) (ProbeResult, error) {
	workDir, err := os.MkdirTemp("", "serveml-probe-*")
	if err != nil {
		return ProbeResult{}, fmt.Errorf("create probe workspace: %w", err)
	}
	defer os.RemoveAll(workDir)

	artifactName := filepath.Base(strings.TrimSpace(req.Filename))
	if artifactName == "" || artifactName == "." {
		return ProbeResult{}, errors.New("artifact filename is required")
	}
	if err := copyFile(req.ArtifactPath, filepath.Join(workDir, artifactName)); err != nil {
		return ProbeResult{}, fmt.Errorf("stage artifact: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workDir, "probe_model.py"), probeScript, 0o644); err != nil {
		return ProbeResult{}, fmt.Errorf("stage probe script: %w", err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := []string{
		"run", "--rm",
		"--network", "none",
		"--memory", p.memoryLimit,
		"--read-only",
		"-v", workDir + ":/probe:ro",
		p.image,
		"python", "/probe/probe_model.py",
		"/probe/" + artifactName,
		string(req.Framework),
	}
	cmd := exec.CommandContext(probeCtx, p.dockerBin, args...)
	out, err := cmd.Output()
	if probeCtx.Err() != nil {
		return ProbeResult{}, ErrProbeTimeout
	}
	if err != nil {
		detail := strings.TrimSpace(string(out))
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			detail = strings.TrimSpace(string(exitErr.Stderr))
		}
		return ProbeResult{}, fmt.Errorf("probe run failed: %w: %s", err, detail)
	}

	var result ProbeResult
	if err := json.Unmarshal(out, &result); err != nil {
		return ProbeResult{}, fmt.Errorf("decode probe output: %w", err)
	}
	return result, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
