package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"svrrecon/internal/models"
	"svrrecon/pkg/config"
	"svrrecon/pkg/imageio"
	"svrrecon/pkg/reconstruction"
	"svrrecon/pkg/rigid"
)

func TestScheduleFromDefaultConfig(t *testing.T) {
	got := scheduleFromConfig(config.DefaultConfig())
	if want := reconstruction.DefaultSchedule(); got != want {
		t.Errorf("expected the default schedule %+v, got %+v", want, got)
	}
}

func TestLoadInputs(t *testing.T) {
	dir := t.TempDir()
	stack := models.NewVolume(models.NewGrid(4, 4, 2, 1, 1, 3))
	stack.Fill(10)

	stackPath := filepath.Join(dir, "stack.nii.gz")
	if err := imageio.WriteVolume(stackPath, stack); err != nil {
		t.Fatalf("WriteVolume failed: %v", err)
	}
	dofPath := filepath.Join(dir, "stack.yaml")
	if err := imageio.WriteTransform(dofPath, rigid.Transform{Tx: 4}); err != nil {
		t.Fatalf("WriteTransform failed: %v", err)
	}

	in, err := loadInputs(&reconstructOptions{
		stacks:    []string{stackPath, stackPath},
		dofs:      []string{imageio.IdentityName, dofPath},
		thickness: []float64{2, 2},
	})
	if err != nil {
		t.Fatalf("loadInputs failed: %v", err)
	}
	if len(in.Stacks) != 2 || in.Stacks[1].Depth != 2 {
		t.Errorf("unexpected stacks %v", in.Stacks)
	}
	if !in.Transforms[0].IsIdentity() || in.Transforms[1].Tx != 4 {
		t.Errorf("unexpected transformations %v", in.Transforms)
	}
	if in.Mask != nil {
		t.Error("expected no mask")
	}

	in, err = loadInputs(&reconstructOptions{stacks: []string{stackPath}})
	if err != nil {
		t.Fatalf("loadInputs failed: %v", err)
	}
	if !in.Transforms[0].IsIdentity() || in.Thickness != nil {
		t.Errorf("expected identity and default thickness, got %v %v", in.Transforms, in.Thickness)
	}

	if _, err := loadInputs(&reconstructOptions{stacks: []string{stackPath}, dofs: []string{"id", "id"}}); err == nil {
		t.Error("expected an error for mismatched transformations")
	}
}

func TestConfigInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svrrecon.yaml")

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "init", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config init failed: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected configuration file: %v", err)
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Processing.Iterations != 9 {
		t.Errorf("expected default iterations, got %d", cfg.Processing.Iterations)
	}
	if !strings.Contains(out.String(), path) {
		t.Errorf("expected the path in the output, got %q", out.String())
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out.String(), version) {
		t.Errorf("expected version %q in %q", version, out.String())
	}
}

func TestReconstructCommandEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping reconstruction command test in short mode")
	}

	dir := t.TempDir()
	stack := models.NewVolume(models.NewGrid(8, 8, 3, 1, 1, 2))
	for i := range stack.Data {
		stack.Data[i] = 100 + float64(i%8)
	}
	stackPath := filepath.Join(dir, "stack.nii.gz")
	if err := imageio.WriteVolume(stackPath, stack); err != nil {
		t.Fatalf("WriteVolume failed: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Processing.Iterations = 1
	cfg.Processing.Resolution = 1
	cfg.Robust.FinalReconIterations = 1
	cfg.Output.Dir = dir
	cfg.Logging.Level = "error"
	cfgPath := filepath.Join(dir, "svrrecon.yaml")
	if err := config.SaveConfig(cfg, cfgPath); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	output := filepath.Join(dir, "recon.nii.gz")
	cmd := newRootCmd()
	cmd.SetArgs([]string{"reconstruct", "-o", output, "-s", stackPath, "-c", cfgPath,
		"--preview-dir", filepath.Join(dir, "preview"), "--preview-axis", "z"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("reconstruct failed: %v", err)
	}

	vol, err := imageio.ReadVolume(output)
	if err != nil {
		t.Fatalf("ReadVolume failed: %v", err)
	}
	if vol.Width != 8 || vol.Height != 8 || vol.Depth != 10 {
		t.Errorf("expected an 8x8x10 volume, got %dx%dx%d", vol.Width, vol.Height, vol.Depth)
	}
	for _, name := range []string{"transformations/transformation0.yaml", "preview/final_z.png",
		"preview/sequence/slice_z_000.jpg", "preview/sequence/slice_z_009.jpg"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}
}
