package manifest

import (
	"fmt"
	"os"
	"strings"

	"sigs.k8s.io/yaml"
)

// Render writes m as YAML to a new file in dir and returns its path.
// The path is the handle later passed to the cluster client's Apply or Create.
func Render(dir string, m *Manifest) (string, error) {
	data, err := yaml.Marshal(m.Object)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", m, err)
	}

	pattern := fmt.Sprintf("%s-%s-*.yaml", strings.ToLower(m.GetKind()), m.GetName())
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", fmt.Errorf("failed to create rendered manifest: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("failed to write rendered manifest: %w", err)
	}
	return f.Name(), nil
}
