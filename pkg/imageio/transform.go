package imageio

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"svrrecon/pkg/rigid"
)

// IdentityName is accepted in place of a transformation file and stands
// for the identity transformation.
const IdentityName = "id"

// ReadTransform loads a rigid transformation stored as YAML. The special
// name "id" yields the identity.
func ReadTransform(path string) (rigid.Transform, error) {
	if path == IdentityName {
		return rigid.Identity(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return rigid.Transform{}, fmt.Errorf("error reading transformation file: %w", err)
	}

	var t rigid.Transform
	if err := yaml.Unmarshal(data, &t); err != nil {
		return rigid.Transform{}, fmt.Errorf("error parsing transformation file %s: %w", path, err)
	}
	return t, nil
}

// WriteTransform stores a rigid transformation as YAML.
func WriteTransform(path string, t rigid.Transform) error {
	data, err := yaml.Marshal(t)
	if err != nil {
		return fmt.Errorf("error marshaling transformation: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing transformation file: %w", err)
	}
	return nil
}
