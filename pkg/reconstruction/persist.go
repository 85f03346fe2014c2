package reconstruction

import (
	"fmt"
	"os"
	"path/filepath"

	"svrrecon/internal/models"
	"svrrecon/pkg/imageio"
	"svrrecon/pkg/rigid"
)

// SaveSlices writes every slice, with its padding, as slice<i>.nii.gz.
func (r *Reconstructor) SaveSlices(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create slice directory: %w", err)
	}
	for i := range r.slices {
		path := filepath.Join(dir, fmt.Sprintf("slice%d.nii.gz", i))
		if err := imageio.WriteVolume(path, r.slices[i].Image); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransformations writes the transformation of every slice as
// transformation<i>.yaml.
func (r *Reconstructor) SaveTransformations(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create transformation directory: %w", err)
	}
	for i, t := range r.transforms {
		path := filepath.Join(dir, fmt.Sprintf("transformation%d.yaml", i))
		if err := imageio.WriteTransform(path, t); err != nil {
			return err
		}
	}
	return nil
}

// writeDebug stores an intermediate image in the debug directory. Failures
// are logged and otherwise ignored.
func (r *Reconstructor) writeDebug(name string, v *models.Volume) {
	if r.params.DebugDir == "" {
		return
	}
	if err := os.MkdirAll(r.params.DebugDir, 0755); err != nil {
		r.log.Warn("failed to create debug directory", "dir", r.params.DebugDir, "error", err)
		return
	}
	if err := imageio.WriteVolume(filepath.Join(r.params.DebugDir, name), v); err != nil {
		r.log.Warn("failed to save intermediary result", "name", name, "error", err)
	}
}

func (r *Reconstructor) writeDebugTransform(name string, t rigid.Transform) {
	if r.params.DebugDir == "" {
		return
	}
	if err := os.MkdirAll(r.params.DebugDir, 0755); err != nil {
		r.log.Warn("failed to create debug directory", "dir", r.params.DebugDir, "error", err)
		return
	}
	if err := imageio.WriteTransform(filepath.Join(r.params.DebugDir, name), t); err != nil {
		r.log.Warn("failed to save intermediary result", "name", name, "error", err)
	}
}
