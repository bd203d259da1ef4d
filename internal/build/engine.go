package build

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Engine turns an assembled build context into a locally tagged image.
type Engine interface {
	Build(ctx context.Context, contextDir, tag string) error
}

// DockerEngine shells out to the docker CLI.
type DockerEngine struct {
	dockerBin string
}

func NewDockerEngine(dockerBin string) (*DockerEngine, error) {
	dockerBin = strings.TrimSpace(dockerBin)
	if dockerBin == "" {
		dockerBin = "docker"
	}
	if _, err := exec.LookPath(dockerBin); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	return &DockerEngine{dockerBin: dockerBin}, nil
}

func (e *DockerEngine) Build(ctx context.Context, contextDir, tag string) error {
	if strings.TrimSpace(tag) == "" {
		return errors.New("image tag is required")
	}
	cmd := exec.CommandContext(ctx, e.dockerBin, "build", "-t", tag, ".")
	cmd.Dir = contextDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker build failed: %w: %s", err, lastLines(string(out), 20))
	}
	return nil
}

// lastLines keeps error messages bounded; docker build output can run to
// thousands of lines and only the tail names the failing step.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
