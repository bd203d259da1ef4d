package domain

import (
	"path"
	"strings"
)

// Framework identifies the serialization family of an uploaded artifact.
// Resolved once at validation time and carried in the ArtifactDescriptor; later
// stages dispatch on it instead of re-detecting.
type Framework string

const (
	FrameworkSklearn     Framework = "sklearn"
	FrameworkTensorGraph Framework = "tensorflow"
	FrameworkTensorEager Framework = "pytorch"
	FrameworkUnknown     Framework = "unknown"
)

func (f Framework) Valid() bool {
	switch f {
	case FrameworkSklearn, FrameworkTensorGraph, FrameworkTensorEager:
		return true
	default:
		return false
	}
}

// PayloadKind describes how invocation payloads are coerced before prediction.
type PayloadKind string

const (
	// PayloadVector: a flat ordered numeric vector, wrapped as a single example.
	PayloadVector PayloadKind = "vector"
	// PayloadTensor: a nested numeric tensor, given a leading batch dimension.
	PayloadTensor PayloadKind = "tensor"
)

// Capabilities is the per-framework dispatch table: canonical filename inside
// a built unit, the prediction call the loaded object must expose, and the
// payload coercion rule applied at invocation time.
type Capabilities struct {
	CanonicalFilename string
	PredictCall       string
	Payload           PayloadKind
}

var frameworkCapabilities = map[Framework]Capabilities{
	FrameworkSklearn: {
		CanonicalFilename: "model.pkl",
		PredictCall:       "predict",
		Payload:           PayloadVector,
	},
	FrameworkTensorGraph: {
		CanonicalFilename: "model.h5",
		PredictCall:       "call",
		Payload:           PayloadTensor,
	},
	FrameworkTensorEager: {
		CanonicalFilename: "model.pt",
		PredictCall:       "forward",
		Payload:           PayloadTensor,
	},
}

func (f Framework) Capabilities() Capabilities {
	return frameworkCapabilities[f]
}

var extensionFrameworks = map[string]Framework{
	".pkl":    FrameworkSklearn,
	".pickle": FrameworkSklearn,
	".h5":     FrameworkTensorGraph,
	".keras":  FrameworkTensorGraph,
	".pt":     FrameworkTensorEager,
	".pth":    FrameworkTensorEager,
}

// FrameworkForFilename resolves the framework from the declared filename's
// extension. Unknown extensions yield FrameworkUnknown.
func FrameworkForFilename(name string) Framework {
	ext := strings.ToLower(path.Ext(strings.TrimSpace(name)))
	if fw, ok := extensionFrameworks[ext]; ok {
		return fw
	}
	return FrameworkUnknown
}

// SupportedArtifactExtensions lists the accepted artifact filename extensions.
func SupportedArtifactExtensions() []string {
	return []string{".pkl", ".pickle", ".pt", ".pth", ".h5", ".keras"}
}
