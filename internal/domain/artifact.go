package domain

import "strings"

// ArtifactDescriptor is the validation result for an uploaded model artifact.
// A non-empty Errors list means the artifact is unusable and the deployment
// must not proceed to the build stage.
type ArtifactDescriptor struct {
	Framework   Framework
	ModelType   string
	InputShape  []int
	OutputShape []int
	SizeBytes   int64
	Errors      []string
	Warnings    []string
}

func (d ArtifactDescriptor) Usable() bool {
	return len(d.Errors) == 0 && d.Framework.Valid()
}

// ConstraintKind classifies how a manifest entry pins its version.
type ConstraintKind string

const (
	ConstraintExact         ConstraintKind = "exact"
	ConstraintRange         ConstraintKind = "range"
	ConstraintUnconstrained ConstraintKind = "unconstrained"
	// ConstraintMalformed marks a line with no recognizable package name,
	// such as a version with no package in front of it.
	ConstraintMalformed ConstraintKind = "malformed"
)

// ManifestEntry is one parsed dependency line.
type ManifestEntry struct {
	Name       string
	Constraint ConstraintKind
	Version    string
}

// DependencyManifest is the parsed package list accompanying an artifact.
// Parsing never fails; malformed lines surface as warnings elsewhere.
type DependencyManifest struct {
	Entries []ManifestEntry
}

// Has reports whether the manifest names the package (case-insensitive).
func (m DependencyManifest) Has(name string) bool {
	for _, e := range m.Entries {
		if strings.EqualFold(e.Name, name) {
			return true
		}
	}
	return false
}
