package validate

import (
	"fmt"
	"strings"

	"github.com/serveml-labs/serveml-go/internal/domain"
)

// conflictingPairs lists mutually exclusive package pairs: pinning both is a
// hard error because the built unit cannot install them together.
var conflictingPairs = [][2]string{
	{"tensorflow", "tensorflow-gpu"},
	{"tensorflow-cpu", "tensorflow-gpu"},
}

var rangeOperators = []string{">=", "<=", "~=", "!=", ">", "<"}

// ParseManifest parses a line-oriented dependency list. Parsing never fails:
// blank lines and comments are skipped, malformed or loosely pinned lines
// degrade to warnings via ValidateManifest, and every recognizable package
// name still lands in the manifest.
func ParseManifest(text string) domain.DependencyManifest {
	var manifest domain.DependencyManifest
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		manifest.Entries = append(manifest.Entries, parseLine(line))
	}
	return manifest
}

func parseLine(line string) domain.ManifestEntry {
	if name, version, ok := strings.Cut(line, "=="); ok {
		return entryOrMalformed(line, domain.ManifestEntry{
			Name:       strings.TrimSpace(name),
			Constraint: domain.ConstraintExact,
			Version:    strings.TrimSpace(version),
		})
	}
	for _, op := range rangeOperators {
		if name, version, ok := strings.Cut(line, op); ok {
			return entryOrMalformed(line, domain.ManifestEntry{
				Name:       strings.TrimSpace(name),
				Constraint: domain.ConstraintRange,
				Version:    op + strings.TrimSpace(version),
			})
		}
	}
	fields := strings.Fields(line)
	return domain.ManifestEntry{
		Name:       fields[0],
		Constraint: domain.ConstraintUnconstrained,
	}
}

// entryOrMalformed rejects a constraint that lost its package name, such as
// "==1.2". The raw line is kept in Version so the warning can quote it.
func entryOrMalformed(line string, e domain.ManifestEntry) domain.ManifestEntry {
	if e.Name == "" {
		return domain.ManifestEntry{Constraint: domain.ConstraintMalformed, Version: line}
	}
	return e
}

// ValidateManifest parses text and judges its usability. Range and unpinned
// constraints are warnings; conflicting package pairs are errors.
func ValidateManifest(text string) (domain.DependencyManifest, []string, []string) {
	manifest := ParseManifest(text)

	var warnings []string
	for _, e := range manifest.Entries {
		switch e.Constraint {
		case domain.ConstraintRange:
			warnings = append(warnings, fmt.Sprintf("package with version range: %s%s", e.Name, e.Version))
		case domain.ConstraintUnconstrained:
			warnings = append(warnings, fmt.Sprintf("package without version: %s", e.Name))
		case domain.ConstraintMalformed:
			warnings = append(warnings, fmt.Sprintf("malformed dependency line: %q", e.Version))
		}
	}

	var errs []string
	for _, pair := range conflictingPairs {
		if manifest.Has(pair[0]) && manifest.Has(pair[1]) {
			errs = append(errs, fmt.Sprintf("both %s and %s specified", pair[0], pair[1]))
		}
	}
	return manifest, warnings, errs
}
