package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"svrrecon/internal/models"
	"svrrecon/pkg/rigid"
)

// ErrNoTemplateStack is returned when no input stack has an identity
// transformation to serve as the template.
var ErrNoTemplateStack = errors.New("no stack with identity transformation")

// Schedule configures the interleaved registration and reconstruction
// iterations.
type Schedule struct {
	// Iterations is the number of outer rounds; slices are re-registered
	// at the start of every round but the first
	Iterations int
	// Resolution is the isotropic voxel size in mm, 0 for automatic
	Resolution float64
	// Levels is the number of smoothing levels. Lambda doubles per level,
	// coarsest first, and the final round uses LastIterLambda
	Levels         int
	Delta          float64
	Lambda         float64
	LastIterLambda float64
	// AverageValue is the ROI mean intensity every stack is rescaled to
	AverageValue float64
	// SmoothMask is the sigma in mm applied to the mask before binarisation
	SmoothMask float64
	// BiasSigma is the sigma in mm of the bias field smoothing
	BiasSigma float64
	// ReconIterations is the number of inner rounds per outer round and
	// FinalReconIterations the number for the final outer round
	ReconIterations      int
	FinalReconIterations int
}

// DefaultSchedule returns the standard reconstruction schedule.
func DefaultSchedule() Schedule {
	return Schedule{
		Iterations:           9,
		Resolution:           0.75,
		Levels:               3,
		Delta:                150,
		Lambda:               0.02,
		LastIterLambda:       0.01,
		AverageValue:         700,
		SmoothMask:           4,
		BiasSigma:            12,
		ReconIterations:      10,
		FinalReconIterations: 30,
	}
}

// smoothing returns the lambda to apply at the start of outer iteration
// iter, and false when the previous setting is kept.
func (s Schedule) smoothing(iter int) (float64, bool) {
	if iter == s.Iterations-1 {
		return s.LastIterLambda, true
	}
	lambda, set := 0.0, false
	l := s.Lambda
	for i := 0; i < s.Levels; i++ {
		if iter == s.Iterations*(s.Levels-i-1)/s.Levels {
			lambda, set = l, true
		}
		l *= 2
	}
	return lambda, set
}

// reconIterations returns the number of inner rounds of outer iteration iter.
func (s Schedule) reconIterations(iter int) int {
	if iter == s.Iterations-1 {
		return s.FinalReconIterations
	}
	return s.ReconIterations
}

// Inputs are the acquired data of a reconstruction.
type Inputs struct {
	// Stacks are the acquired thick-slice volumes. They are cropped and
	// rescaled during preparation.
	Stacks []*models.Volume
	// Transforms map each stack into template space; the first identity
	// transformation selects the template stack
	Transforms []rigid.Transform
	// Thickness of the slices per stack; zero uses the stack z spacing
	Thickness []float64
	// Mask is the optional region of interest in template space
	Mask *models.Volume
}

// Pipeline runs a complete reconstruction on a Reconstructor.
type Pipeline struct {
	rec      *Reconstructor
	schedule Schedule

	// OnIteration, when set, is called after every outer iteration
	OnIteration func(ev Evaluation)
}

// NewPipeline creates a pipeline driving rec with the given schedule.
func NewPipeline(rec *Reconstructor, schedule Schedule) *Pipeline {
	return &Pipeline{rec: rec, schedule: schedule}
}

// Run prepares the stacks, creates slices and performs the interleaved
// registration and reconstruction iterations. It returns the final volume.
// Cancellation is checked between phases.
func (p *Pipeline) Run(ctx context.Context, in Inputs) (*models.Volume, error) {
	start := time.Now()
	if err := p.prepare(ctx, in); err != nil {
		return nil, err
	}

	r := p.rec
	s := p.schedule
	for iter := 0; iter < s.Iterations; iter++ {
		r.log.Info("iteration", "iteration", iter)
		if err := p.iteration(ctx, iter); err != nil {
			return nil, fmt.Errorf("iteration %d: %w", iter, err)
		}
	}

	r.log.Info("reconstruction completed", "duration", time.Since(start).String())
	return r.GetReconstructed(), nil
}

// prepare crops, aligns and intensity-matches the stacks, sets up the
// template and mask and creates the slices.
func (p *Pipeline) prepare(ctx context.Context, in Inputs) error {
	r := p.rec
	s := p.schedule

	n := len(in.Stacks)
	if n == 0 || len(in.Transforms) != n {
		return fmt.Errorf("%w: %d stacks and %d transformations", ErrInvalidInput, n, len(in.Transforms))
	}
	if in.Thickness != nil && len(in.Thickness) != n {
		return fmt.Errorf("%w: %d stacks and %d thicknesses", ErrInvalidInput, n, len(in.Thickness))
	}

	stacks := make([]*models.Volume, n)
	copy(stacks, in.Stacks)
	transforms := make([]rigid.Transform, n)
	copy(transforms, in.Transforms)

	templateNumber := -1
	for i, t := range transforms {
		if t.IsIdentity() {
			templateNumber = i
			break
		}
	}
	if templateNumber < 0 {
		return ErrNoTemplateStack
	}
	r.log.Info("preparing stacks", "stacks", n, "template", templateNumber)

	// Cropping keeps spacing, so thickness can be resolved up front
	thickness := make([]float64, n)
	for i, stack := range stacks {
		thickness[i] = stack.Dz
		if in.Thickness != nil && in.Thickness[i] > 0 {
			thickness[i] = in.Thickness[i]
		}
	}

	if in.Mask != nil {
		m := r.TransformMask(stacks[templateNumber], in.Mask, transforms[templateNumber])
		cropped, err := r.CropImage(stacks[templateNumber], m)
		if err != nil {
			return fmt.Errorf("template stack: %w", err)
		}
		stacks[templateNumber] = cropped
	}

	r.CreateTemplate(stacks[templateNumber], s.Resolution)
	if err := r.SetMask(in.Mask, s.SmoothMask); err != nil {
		return err
	}

	// Volumetric registration of the stacks to the template
	if err := r.StackRegistrations(ctx, stacks, transforms, templateNumber); err != nil {
		return err
	}
	if err := r.InvertStackTransformations(transforms); err != nil {
		return err
	}

	// Crop every stack to the mask in its own space
	if in.Mask != nil {
		for i := range stacks {
			m := r.TransformMask(stacks[i], in.Mask, transforms[i])
			cropped, err := r.CropImage(stacks[i], m)
			if err != nil {
				return fmt.Errorf("stack %d: %w", i, err)
			}
			stacks[i] = cropped
		}
	}

	// Repeat the registration on the cropped stacks
	if err := r.InvertStackTransformations(transforms); err != nil {
		return err
	}
	if err := r.StackRegistrations(ctx, stacks, transforms, templateNumber); err != nil {
		return err
	}
	if err := r.InvertStackTransformations(transforms); err != nil {
		return err
	}

	// The stacks are rescaled in place; work on copies of the inputs
	for i := range stacks {
		if stacks[i] == in.Stacks[i] {
			stacks[i] = stacks[i].Clone()
		}
	}
	if err := r.MatchStackIntensities(stacks, transforms, s.AverageValue); err != nil {
		return err
	}

	if err := r.CreateSlicesAndTransformations(stacks, transforms, thickness); err != nil {
		return err
	}
	r.MaskSlices()
	r.SetSigma(s.BiasSigma)
	r.InitializeEM()
	return ctx.Err()
}

// iteration runs one outer round: slice registration, coefficient update
// and the robust reconstruction loop.
func (p *Pipeline) iteration(ctx context.Context, iter int) error {
	r := p.rec
	s := p.schedule

	if iter > 0 {
		if err := r.SliceToVolumeRegistration(ctx); err != nil {
			return err
		}
	}

	if lambda, ok := s.smoothing(iter); ok {
		r.SetSmoothingParameters(s.Delta, lambda)
	}
	if iter < s.Iterations-1 {
		r.SpeedupOn()
	} else {
		r.SpeedupOff()
	}

	r.InitializeEMValues()
	if err := r.CoeffInit(); err != nil {
		return err
	}
	if err := r.GaussianReconstruction(); err != nil {
		return err
	}
	if err := r.InitializeRobustStatistics(); err != nil {
		return err
	}
	if err := r.EStep(); err != nil {
		return err
	}

	for i := 0; i < s.reconIterations(iter); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.log.Debug("reconstruction iteration", "iteration", iter, "inner", i)
		r.Scale()
		r.Bias()
		if err := r.SuperresolutionAndMStep(i + 1); err != nil {
			return err
		}
		if err := r.EStep(); err != nil {
			return err
		}
	}

	r.MaskVolume()
	if r.debug {
		r.writeDebug(fmt.Sprintf("image%d.nii.gz", iter), r.reconstructed)
	}

	ev := r.Evaluate(iter)
	if p.OnIteration != nil {
		p.OnIteration(ev)
	}
	return nil
}
