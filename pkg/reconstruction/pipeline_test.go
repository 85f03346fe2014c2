package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"svrrecon/internal/models"
	"svrrecon/pkg/imageio"
	"svrrecon/pkg/rigid"
)

func TestScheduleSmoothing(t *testing.T) {
	s := DefaultSchedule()

	tests := []struct {
		iter   int
		lambda float64
		set    bool
	}{
		{0, 0.08, true},
		{1, 0, false},
		{3, 0.04, true},
		{6, 0.02, true},
		{7, 0, false},
		{8, 0.01, true},
	}
	for _, tt := range tests {
		lambda, set := s.smoothing(tt.iter)
		if set != tt.set || math.Abs(lambda-tt.lambda) > 1e-12 {
			t.Errorf("smoothing(%d) = (%g, %v), want (%g, %v)", tt.iter, lambda, set, tt.lambda, tt.set)
		}
	}

	if got := s.reconIterations(0); got != 10 {
		t.Errorf("expected 10 inner iterations, got %d", got)
	}
	if got := s.reconIterations(8); got != 30 {
		t.Errorf("expected 30 inner iterations in the last round, got %d", got)
	}
}

func TestPipelineRejectsInvalidInputs(t *testing.T) {
	stack := newStack(6, 6, 2, 1, 1, 1, constant(100))

	p := NewPipeline(newTestReconstructor(t), DefaultSchedule())
	_, err := p.Run(context.Background(), Inputs{
		Stacks:     []*models.Volume{stack},
		Transforms: []rigid.Transform{{Tx: 1}},
	})
	if !errors.Is(err, ErrNoTemplateStack) {
		t.Errorf("expected ErrNoTemplateStack, got %v", err)
	}

	_, err = p.Run(context.Background(), Inputs{
		Stacks:     []*models.Volume{stack, stack},
		Transforms: []rigid.Transform{rigid.Identity()},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}

	_, err = p.Run(context.Background(), Inputs{
		Stacks:     []*models.Volume{stack},
		Transforms: []rigid.Transform{rigid.Identity()},
		Thickness:  []float64{1, 2},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestPipelineCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPipeline(newTestReconstructor(t), DefaultSchedule())
	_, err := p.Run(ctx, Inputs{
		Stacks:     []*models.Volume{newStack(6, 6, 2, 1, 1, 1, constant(100))},
		Transforms: []rigid.Transform{rigid.Identity()},
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// sphere returns a stack holding a bright sphere on a dimmer background
func sphere(w, h, d int, dz float64) *models.Volume {
	cx, cy, cz := float64(w-1)/2, float64(h-1)/2, float64(d-1)*dz/2
	return newStack(w, h, d, 1, 1, dz, func(x, y, z int) float64 {
		dx, dy, dzz := float64(x)-cx, float64(y)-cy, float64(z)*dz-cz
		if dx*dx+dy*dy+dzz*dzz <= 16 {
			return 300
		}
		return 100
	})
}

func TestPipelineRun(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping reconstruction pipeline test in short mode")
	}

	debugDir := t.TempDir()
	r := newTestReconstructor(t)
	r.params.DebugDir = debugDir
	r.DebugOn()

	schedule := DefaultSchedule()
	schedule.Iterations = 2
	schedule.Levels = 1
	schedule.Resolution = 1
	schedule.SmoothMask = 0
	schedule.ReconIterations = 2
	schedule.FinalReconIterations = 2

	stacks := []*models.Volume{sphere(12, 12, 6, 2), sphere(12, 12, 6, 2)}
	before := stacks[0].Clone()

	var evaluations []Evaluation
	p := NewPipeline(r, schedule)
	p.OnIteration = func(ev Evaluation) { evaluations = append(evaluations, ev) }

	vol, err := p.Run(context.Background(), Inputs{
		Stacks:     stacks,
		Transforms: []rigid.Transform{rigid.Identity(), rigid.Identity()},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if vol.Width != 12 || vol.Height != 12 || vol.Depth != 16 {
		t.Errorf("expected a 12x12x16 volume, got %dx%dx%d", vol.Width, vol.Height, vol.Depth)
	}
	for i, v := range vol.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("voxel %d is not finite", i)
		}
	}

	// The initialisation shows the sphere above the background
	initial, err := imageio.ReadVolume(filepath.Join(debugDir, "init.nii.gz"))
	if err != nil {
		t.Fatalf("ReadVolume failed: %v", err)
	}
	if centre, corner := initial.At(6, 6, 7), initial.At(1, 1, 7); centre <= corner {
		t.Errorf("expected sphere centre %g above background %g", centre, corner)
	}

	if len(evaluations) != 2 {
		t.Errorf("expected 2 evaluations, got %d", len(evaluations))
	}
	if r.NumSlices() != 12 {
		t.Errorf("expected 12 slices, got %d", r.NumSlices())
	}
	for i := range before.Data {
		if stacks[0].Data[i] != before.Data[i] {
			t.Fatal("Run modified its input stacks")
		}
	}
	for _, name := range []string{"image0.nii.gz", "image1.nii.gz", "init.nii.gz"} {
		if _, err := os.Stat(filepath.Join(debugDir, name)); err != nil {
			t.Errorf("expected debug image %s: %v", name, err)
		}
	}

	m := r.QualityMetrics()
	if m.Voxels == 0 || math.IsNaN(m.RMSE) {
		t.Errorf("unexpected quality metrics %+v", m)
	}
}

func TestPipelineWithMaskCropsStacks(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping reconstruction pipeline test in short mode")
	}

	r := newTestReconstructor(t)
	schedule := DefaultSchedule()
	schedule.Iterations = 1
	schedule.Levels = 1
	schedule.Resolution = 1
	schedule.SmoothMask = 0
	schedule.FinalReconIterations = 1

	stack := sphere(12, 12, 4, 1)
	mask := newStack(12, 12, 4, 1, 1, 1, func(x, y, _ int) float64 {
		if x >= 3 && x <= 8 && y >= 3 && y <= 8 {
			return 1
		}
		return 0
	})

	vol, err := NewPipeline(r, schedule).Run(context.Background(), Inputs{
		Stacks:     []*models.Volume{stack},
		Transforms: []rigid.Transform{rigid.Identity()},
		Mask:       mask,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if vol.Width != 6 || vol.Height != 6 || vol.Depth != 6 {
		t.Errorf("expected a template cropped to 6x6x6, got %dx%dx%d", vol.Width, vol.Height, vol.Depth)
	}
	for i, v := range vol.Data {
		if math.IsNaN(v) {
			t.Fatalf("voxel %d is NaN", i)
		}
	}
}

func TestSaveSlicesAndTransformations(t *testing.T) {
	dir := t.TempDir()
	r := newTestReconstructor(t)
	setupSlices(t, r, newStack(5, 4, 3, 1, 1, 2, constant(100)))
	r.transforms[1] = rigid.Transform{Tx: 2, Rx: 15}

	if err := r.SaveSlices(filepath.Join(dir, "slices")); err != nil {
		t.Fatalf("SaveSlices failed: %v", err)
	}
	if err := r.SaveTransformations(filepath.Join(dir, "dofs")); err != nil {
		t.Fatalf("SaveTransformations failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		v, err := imageio.ReadVolume(filepath.Join(dir, "slices", fmt.Sprintf("slice%d.nii.gz", i)))
		if err != nil {
			t.Fatalf("ReadVolume failed: %v", err)
		}
		if v.Width != 5 || v.Height != 4 || v.Depth != 1 {
			t.Errorf("slice %d: unexpected size %dx%dx%d", i, v.Width, v.Height, v.Depth)
		}
	}

	tr, err := imageio.ReadTransform(filepath.Join(dir, "dofs", "transformation1.yaml"))
	if err != nil {
		t.Fatalf("ReadTransform failed: %v", err)
	}
	if tr != r.transforms[1] {
		t.Errorf("expected %v, got %v", r.transforms[1], tr)
	}
}
