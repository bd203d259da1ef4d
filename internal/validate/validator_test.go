package validate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/serveml-labs/serveml-go/internal/domain"
)

type fakeProber struct {
	result ProbeResult
	err    error
	calls  int
	last   ProbeRequest
}

func (p *fakeProber) Probe(ctx context.Context, req ProbeRequest) (ProbeResult, error) {
	p.calls++
	p.last = req
	return p.result, p.err
}

func testConfig() Config {
	return Config{
		MaxArtifactBytes: 1 << 20,
		ProbeTimeout:     time.Second,
		ProbeImage:       "probe:test",
		ProbeMemoryLimit: "1g",
	}
}

func writeArtifact(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact")
	if err := os.WriteFile(path, make([]byte, size), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidateArtifactHappyPath(t *testing.T) {
	prober := &fakeProber{
		result: ProbeResult{
			ModelType:   "RandomForestClassifier",
			InputShape:  []int{4},
			OutputShape: []int{1},
		},
	}
	v, err := NewValidator(nil, testConfig(), prober)
	if err != nil {
		t.Fatal(err)
	}

	desc := v.ValidateArtifact(context.Background(), writeArtifact(t, 256), "model.pkl")
	if !desc.Usable() {
		t.Fatalf("descriptor not usable: %+v", desc)
	}
	if desc.Framework != domain.FrameworkSklearn {
		t.Errorf("framework = %s, want sklearn", desc.Framework)
	}
	if desc.ModelType != "RandomForestClassifier" {
		t.Errorf("model type = %q", desc.ModelType)
	}
	if desc.SizeBytes != 256 {
		t.Errorf("size = %d, want 256", desc.SizeBytes)
	}
	if prober.last.Framework != domain.FrameworkSklearn {
		t.Errorf("probe dispatched with framework %s", prober.last.Framework)
	}
}

func TestValidateArtifactSizeGateRunsBeforeProbe(t *testing.T) {
	cfg := testConfig()
	cfg.MaxArtifactBytes = 100
	prober := &fakeProber{}
	v, err := NewValidator(nil, cfg, prober)
	if err != nil {
		t.Fatal(err)
	}

	desc := v.ValidateArtifact(context.Background(), writeArtifact(t, 512), "model.pkl")
	if desc.Usable() {
		t.Fatal("oversized artifact must not be usable")
	}
	if len(desc.Errors) != 1 || !strings.HasPrefix(desc.Errors[0], "model too large") {
		t.Errorf("errors = %v", desc.Errors)
	}
	if prober.calls != 0 {
		t.Error("probe must not run for an oversized artifact")
	}
}

func TestValidateArtifactEmpty(t *testing.T) {
	prober := &fakeProber{}
	v, _ := NewValidator(nil, testConfig(), prober)

	desc := v.ValidateArtifact(context.Background(), writeArtifact(t, 0), "model.pkl")
	if desc.Usable() {
		t.Fatal("empty artifact must not be usable")
	}
	if prober.calls != 0 {
		t.Error("probe must not run for an empty artifact")
	}
}

func TestValidateArtifactUnsupportedExtension(t *testing.T) {
	prober := &fakeProber{}
	v, _ := NewValidator(nil, testConfig(), prober)

	desc := v.ValidateArtifact(context.Background(), writeArtifact(t, 64), "model.onnx")
	if desc.Usable() {
		t.Fatal("unsupported extension must not be usable")
	}
	if len(desc.Errors) != 1 || !strings.Contains(desc.Errors[0], "unsupported model format: .onnx") {
		t.Errorf("errors = %v", desc.Errors)
	}
	if prober.calls != 0 {
		t.Error("probe must not run for an unsupported extension")
	}
}

func TestValidateArtifactProbeTimeout(t *testing.T) {
	prober := &fakeProber{err: ErrProbeTimeout}
	v, _ := NewValidator(nil, testConfig(), prober)

	desc := v.ValidateArtifact(context.Background(), writeArtifact(t, 64), "model.pt")
	if desc.Usable() {
		t.Fatal("timed out probe must not be usable")
	}
	if len(desc.Errors) != 1 || desc.Errors[0] != "validation timed out" {
		t.Errorf("errors = %v", desc.Errors)
	}
}

func TestValidateArtifactProbeInfrastructureError(t *testing.T) {
	prober := &fakeProber{err: errors.New("docker daemon unreachable")}
	v, _ := NewValidator(nil, testConfig(), prober)

	desc := v.ValidateArtifact(context.Background(), writeArtifact(t, 64), "model.h5")
	if desc.Usable() {
		t.Fatal("failed probe must not be usable")
	}
	if len(desc.Errors) != 1 || !strings.HasPrefix(desc.Errors[0], "validation error:") {
		t.Errorf("errors = %v", desc.Errors)
	}
}

func TestValidateArtifactDeterministic(t *testing.T) {
	prober := &fakeProber{result: ProbeResult{ModelType: "Sequential", InputShape: []int{8}}}
	v, _ := NewValidator(nil, testConfig(), prober)
	path := writeArtifact(t, 64)

	first := v.ValidateArtifact(context.Background(), path, "model.h5")
	second := v.ValidateArtifact(context.Background(), path, "model.h5")
	if first.Framework != second.Framework || first.ModelType != second.ModelType ||
		len(first.Errors) != len(second.Errors) {
		t.Errorf("same input produced different verdicts: %+v vs %+v", first, second)
	}
}

func TestValidateArtifactPropagatesProbeVerdicts(t *testing.T) {
	prober := &fakeProber{result: ProbeResult{
		ModelType: "dict",
		Errors:    []string{"state dict is not an invocable model"},
		Warnings:  []string{"could not infer input shape"},
	}}
	v, _ := NewValidator(nil, testConfig(), prober)

	desc := v.ValidateArtifact(context.Background(), writeArtifact(t, 64), "weights.pth")
	if desc.Usable() {
		t.Fatal("probe verdict errors must make the descriptor unusable")
	}
	if len(desc.Warnings) != 1 {
		t.Errorf("warnings = %v", desc.Warnings)
	}
}
