package publish

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// ServingSpec describes the serving target bound to one deployment's image.
type ServingSpec struct {
	DeploymentID string
	ImageRef     string
	MemoryLimit  string
	Env          map[string]string
}

// ServingPlatform provisions or replaces the serving target for a deployment
// and returns its reachable base address.
type ServingPlatform interface {
	Provision(ctx context.Context, spec ServingSpec) (string, error)
	Teardown(ctx context.Context, deploymentID string) error
}

// DockerServing runs each deployment as a container on the local host with a
// dynamically published port. Re-provisioning replaces the container, so
// repeated publishes of the same deployment converge instead of stacking.
type DockerServing struct {
	dockerBin string
	host      string
}

func NewDockerServing(dockerBin, host string) (*DockerServing, error) {
	dockerBin = strings.TrimSpace(dockerBin)
	if dockerBin == "" {
		dockerBin = "docker"
	}
	if _, err := exec.LookPath(dockerBin); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	host = strings.TrimSpace(host)
	if host == "" {
		host = "127.0.0.1"
	}
	return &DockerServing{dockerBin: dockerBin, host: host}, nil
}

func servingContainerName(deploymentID string) string {
	return "serveml-serve-" + deploymentID
}

func (s *DockerServing) Provision(ctx context.Context, spec ServingSpec) (string, error) {
	if strings.TrimSpace(spec.DeploymentID) == "" {
		return "", errors.New("deployment id is required")
	}
	if strings.TrimSpace(spec.ImageRef) == "" {
		return "", errors.New("image ref is required")
	}
	name := servingContainerName(spec.DeploymentID)

	// Replace any previous serving container for this deployment.
	rm := exec.CommandContext(ctx, s.dockerBin, "rm", "--force", name)
	_, _ = rm.CombinedOutput()

	args := []string{
		"run",
		"--detach",
		"--name", name,
		"--publish", "8080",
		"--restart", "unless-stopped",
	}
	if strings.TrimSpace(spec.MemoryLimit) != "" {
		args = append(args, "--memory", spec.MemoryLimit)
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	args = append(args, spec.ImageRef)

	cmd := exec.CommandContext(ctx, s.dockerBin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker run failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	port, err := s.publishedPort(ctx, name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s:%s", s.host, port), nil
}

func (s *DockerServing) publishedPort(ctx context.Context, name string) (string, error) {
	cmd := exec.CommandContext(ctx, s.dockerBin, "port", name, "8080/tcp")
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return "", fmt.Errorf("docker port failed: %w: %s", err, text)
	}
	// Output is one mapping per line, e.g. "0.0.0.0:32768".
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if idx := strings.LastIndex(line, ":"); idx >= 0 && idx < len(line)-1 {
			return line[idx+1:], nil
		}
	}
	return "", fmt.Errorf("no published port for %s: %q", name, text)
}

func (s *DockerServing) Teardown(ctx context.Context, deploymentID string) error {
	name := servingContainerName(deploymentID)
	cmd := exec.CommandContext(ctx, s.dockerBin, "rm", "--force", name)
	out, err := cmd.CombinedOutput()
	if err != nil {
		text := strings.ToLower(strings.TrimSpace(string(out)))
		if strings.Contains(text, "no such container") {
			return nil
		}
		return fmt.Errorf("docker rm failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
