package labelcoord

import (
	"context"
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/itskum47/ralphd/internal/ghclient"
)

//go:embed labels.yaml
var taxonomyYAML []byte

// LabelDef is one entry of the embedded Ralph label taxonomy.
type LabelDef struct {
	Name        string `yaml:"name"`
	Color       string `yaml:"color"`
	Description string `yaml:"description"`
}

// Taxonomy returns the parsed embedded label taxonomy. It is
// re-parsed on each call (called rarely — once per ensureLabels
// attempt per repo) to avoid a shared-mutable package global.
func Taxonomy() ([]LabelDef, error) {
	var defs []LabelDef
	if err := yaml.Unmarshal(taxonomyYAML, &defs); err != nil {
		return nil, fmt.Errorf("labelcoord: parse embedded taxonomy: %w", err)
	}
	return defs, nil
}

// EnsureLabels creates every taxonomy label missing from repo. A
// failure on one label doesn't block the rest from being attempted;
// only the first such error is returned.
func EnsureLabels(ctx context.Context, gh *ghclient.Client, repo string) error {
	defs, err := Taxonomy()
	if err != nil {
		return err
	}
	var firstErr error
	for _, d := range defs {
		if err := gh.EnsureRepoLabel(ctx, repo, d.Name, d.Color, d.Description); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("labelcoord: ensure label %q: %w", d.Name, err)
		}
	}
	return firstErr
}
