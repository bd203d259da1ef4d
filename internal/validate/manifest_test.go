package validate

import (
	"strings"
	"testing"

	"github.com/serveml-labs/serveml-go/internal/domain"
)

func TestParseManifest(t *testing.T) {
	text := strings.Join([]string{
		"numpy==1.26.4",
		"",
		"# serving deps",
		"scikit-learn>=1.3",
		"pandas",
		"  scipy==1.11.0  ",
	}, "\n")

	manifest := ParseManifest(text)
	if len(manifest.Entries) != 4 {
		t.Fatalf("got %d entries, want 4: %+v", len(manifest.Entries), manifest.Entries)
	}

	want := []domain.ManifestEntry{
		{Name: "numpy", Constraint: domain.ConstraintExact, Version: "1.26.4"},
		{Name: "scikit-learn", Constraint: domain.ConstraintRange, Version: ">=1.3"},
		{Name: "pandas", Constraint: domain.ConstraintUnconstrained},
		{Name: "scipy", Constraint: domain.ConstraintExact, Version: "1.11.0"},
	}
	for i, w := range want {
		if manifest.Entries[i] != w {
			t.Errorf("entry %d = %+v, want %+v", i, manifest.Entries[i], w)
		}
	}
}

func TestParseManifestNeverFails(t *testing.T) {
	for _, text := range []string{"", "\n\n\n", "# only comments\n# more"} {
		if got := ParseManifest(text); len(got.Entries) != 0 {
			t.Errorf("ParseManifest(%q) = %+v, want empty", text, got.Entries)
		}
	}
}

func TestValidateManifest(t *testing.T) {
	cases := []struct {
		name         string
		text         string
		wantWarnings int
		wantErrors   int
	}{
		{
			name:         "fully pinned",
			text:         "numpy==1.26.4\nscikit-learn==1.3.2",
			wantWarnings: 0,
			wantErrors:   0,
		},
		{
			name:         "range and unpinned warn",
			text:         "numpy>=1.20\npandas",
			wantWarnings: 2,
			wantErrors:   0,
		},
		{
			name:         "tensorflow variants conflict",
			text:         "tensorflow==2.15.0\ntensorflow-gpu==2.15.0",
			wantWarnings: 0,
			wantErrors:   1,
		},
		{
			name:         "conflict detection is case insensitive",
			text:         "TensorFlow-CPU==2.15.0\ntensorflow-gpu==2.15.0",
			wantWarnings: 0,
			wantErrors:   1,
		},
		{
			name:         "nameless pins warn as malformed",
			text:         "==1.2\n>=0.4\nnumpy==1.26.4",
			wantWarnings: 2,
			wantErrors:   0,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, warnings, errs := ValidateManifest(tc.text)
			if len(warnings) != tc.wantWarnings {
				t.Errorf("warnings = %v, want %d", warnings, tc.wantWarnings)
			}
			if len(errs) != tc.wantErrors {
				t.Errorf("errors = %v, want %d", errs, tc.wantErrors)
			}
		})
	}
}

func TestParseManifestNamelessConstraint(t *testing.T) {
	manifest := ParseManifest("==1.2")
	if len(manifest.Entries) != 1 {
		t.Fatalf("entries = %+v", manifest.Entries)
	}
	e := manifest.Entries[0]
	if e.Constraint != domain.ConstraintMalformed || e.Name != "" {
		t.Fatalf("entry = %+v, want malformed with no name", e)
	}

	_, warnings, errs := ValidateManifest("==1.2\n")
	if len(errs) != 0 {
		t.Fatalf("errors = %v, want none", errs)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "malformed") {
		t.Fatalf("warnings = %v, want one malformed-line warning", warnings)
	}
}

func TestManifestHas(t *testing.T) {
	manifest := ParseManifest("Tensorflow-GPU==2.15.0")
	if !manifest.Has("tensorflow-gpu") {
		t.Error("Has should match case-insensitively")
	}
	if manifest.Has("tensorflow") {
		t.Error("Has must not treat tensorflow-gpu as tensorflow")
	}
}
