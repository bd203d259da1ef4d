package build

import "testing"

func TestDefaultSizeTableParses(t *testing.T) {
	table, err := DefaultSizeTable()
	if err != nil {
		t.Fatal(err)
	}
	if table.BaseMB <= 0 {
		t.Error("base must be positive")
	}
	if len(table.PackagesMB) == 0 {
		t.Error("default table must name packages")
	}
}

func TestEstimateImageSizeMB(t *testing.T) {
	table := SizeTable{
		BaseMB: 250,
		PackagesMB: map[string]int{
			"tensorflow":   500,
			"scikit-learn": 100,
			"numpy":        20,
		},
	}

	cases := []struct {
		name     string
		manifest string
		want     int
	}{
		{name: "empty manifest is base only", manifest: "", want: 250},
		{name: "single known package", manifest: "numpy==1.26.4", want: 270},
		{name: "multiple packages", manifest: "tensorflow==2.15.0\nnumpy==1.26.4", want: 770},
		{name: "unknown packages contribute zero", manifest: "leftpad==1.0", want: 250},
		{name: "case insensitive", manifest: "TensorFlow==2.15.0", want: 750},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := table.EstimateImageSizeMB(tc.manifest); got != tc.want {
				t.Errorf("EstimateImageSizeMB = %d, want %d", got, tc.want)
			}
		})
	}
}
