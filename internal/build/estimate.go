package build

import (
	"fmt"
	"os"
	"sort"
	"strings"

	_ "embed"

	"gopkg.in/yaml.v3"
)

//go:embed templates/package_sizes.yaml
var defaultSizeTable []byte

// SizeTable maps package-name substrings to their estimated installed size in
// MiB. Estimates feed user-facing expectations only and never gate a build.
type SizeTable struct {
	BaseMB     int            `yaml:"base_mb"`
	PackagesMB map[string]int `yaml:"packages_mb"`
}

func DefaultSizeTable() (SizeTable, error) {
	return parseSizeTable(defaultSizeTable)
}

// LoadSizeTable reads an operator-supplied override table.
func LoadSizeTable(path string) (SizeTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SizeTable{}, fmt.Errorf("read size table: %w", err)
	}
	return parseSizeTable(data)
}

func parseSizeTable(data []byte) (SizeTable, error) {
	var table SizeTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return SizeTable{}, fmt.Errorf("parse size table: %w", err)
	}
	if table.BaseMB <= 0 {
		return SizeTable{}, fmt.Errorf("size table base_mb must be positive")
	}
	return table, nil
}

// EstimateImageSizeMB sums the base overhead with the contribution of every
// known package found by substring match in the manifest text. Unknown
// packages contribute zero.
func (t SizeTable) EstimateImageSizeMB(manifestText string) int {
	total := t.BaseMB
	lower := strings.ToLower(manifestText)

	names := make([]string, 0, len(t.PackagesMB))
	for name := range t.PackagesMB {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.Contains(lower, name) {
			total += t.PackagesMB[name]
		}
	}
	return total
}
