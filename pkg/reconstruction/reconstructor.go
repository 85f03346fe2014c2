// Package reconstruction implements slice-to-volume super-resolution
// reconstruction: a high-resolution volume is estimated from motion
// corrupted stacks of thick 2D slices by fusing them through a
// point-spread-function model, with robust statistics that down-weight
// corrupted voxels and slices, per-slice bias and scale correction, and
// edge-preserving regularisation.
package reconstruction

import (
	"errors"
	"log/slog"
	"runtime"

	"svrrecon/internal/models"
	"svrrecon/pkg/rigid"
)

// Errors returned by the reconstruction engine. They report conditions the
// iterative algorithm cannot recover from.
var (
	// ErrNoTemplate is returned when an operation needs the template volume
	// before CreateTemplate has been called.
	ErrNoTemplate = errors.New("template volume has not been created")

	// ErrNoROIOverlap is returned when a stack or mask has no voxel inside
	// the region of interest.
	ErrNoROIOverlap = errors.New("no overlap with region of interest")

	// ErrPSFOutOfBounds is returned when a transformed PSF sample falls
	// outside the scratch cube allocated for it.
	ErrPSFOutOfBounds = errors.New("PSF sample outside transformed PSF bounds")

	// ErrDegenerateStatistics is returned when the robust statistics have
	// no weighted voxels left to estimate from.
	ErrDegenerateStatistics = errors.New("degenerate robust statistics")

	// ErrInvalidInput is returned for inconsistent arguments.
	ErrInvalidInput = errors.New("invalid input")
)

// Default values of the reconstruction parameters.
const (
	DefaultStep      = 0.0001
	DefaultDelta     = 1.0
	DefaultLambda    = 0.1
	DefaultAlpha     = 0.5
	DefaultSigmaBias = 12.0
)

// Params holds the engine configuration that does not change during a
// reconstruction.
type Params struct {
	// NumCores specifies how many CPU cores to use for the per-slice phases.
	// Zero or negative uses all available cores.
	NumCores int

	// Step is the integration step that turns the inlier and outlier
	// densities into comparable discretised likelihoods.
	Step float64

	// Registerer computes stack and slice alignments. Nil keeps the
	// current transformations.
	Registerer Registerer

	// Logger receives progress and diagnostics. Nil uses slog.Default().
	Logger *slog.Logger

	// DebugDir is where intermediate images are written in debug mode.
	DebugDir string
}

// Reconstructor owns the reconstructed volume, the slices with their
// transformations, the coefficient map and the robust EM state. It is not
// safe for concurrent use; the per-slice phases parallelise internally.
type Reconstructor struct {
	params *Params
	log    *slog.Logger

	// reconstructed is the current volume estimate; spare is the second
	// buffer used by the regulariser and swapped with it after each pass
	reconstructed *models.Volume
	spare         *models.Volume
	original      *models.Volume

	mask          *models.Volume
	volumeWeights *models.Volume
	confidence    *models.Volume

	templateCreated bool
	haveMask        bool

	slices     []models.Slice
	transforms []rigid.Transform
	states     []sliceState
	coeffs     *CoeffMap

	em EMParams

	minIntensity float64
	maxIntensity float64

	qualityFactor float64
	sigmaBias     float64
	delta         float64
	lambda        float64
	alpha         float64
	debug         bool
}

// NewReconstructor creates a reconstruction engine with default smoothing
// parameters, speedup off and debug output disabled.
func NewReconstructor(params *Params) *Reconstructor {
	if params == nil {
		params = &Params{}
	}
	if params.NumCores <= 0 {
		params.NumCores = runtime.NumCPU()
	}
	if params.Step <= 0 {
		params.Step = DefaultStep
	}
	if params.Registerer == nil {
		params.Registerer = IdentityRegisterer{}
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconstructor{
		params:        params,
		log:           logger,
		em:            newEMParams(params.Step),
		qualityFactor: 2,
		sigmaBias:     DefaultSigmaBias,
		delta:         DefaultDelta,
		lambda:        DefaultLambda,
		alpha:         DefaultAlpha,
	}
}

// SetSmoothingParameters sets the edge threshold delta and the smoothing
// strength lambda of the adaptive regulariser. The gradient step alpha is
// derived from lambda so that their product stays bounded.
func (r *Reconstructor) SetSmoothingParameters(delta, lambda float64) {
	r.delta = delta
	r.lambda = lambda * delta * delta
	r.alpha = 0.05 / lambda
	if r.alpha > 1 {
		r.alpha = 1
	}
	r.log.Info("smoothing parameters", "delta", r.delta, "lambda", lambda, "alpha", r.alpha)
}

// SetSigma sets the standard deviation in mm of the bias field smoothing.
func (r *Reconstructor) SetSigma(sigma float64) {
	r.sigmaBias = sigma
}

// SpeedupOn selects the coarse PSF discretisation.
func (r *Reconstructor) SpeedupOn() {
	r.qualityFactor = 1
}

// SpeedupOff selects the fine PSF discretisation.
func (r *Reconstructor) SpeedupOff() {
	r.qualityFactor = 2
}

// DebugOn enables debug logging of robust statistics and intermediate images.
func (r *Reconstructor) DebugOn() {
	r.debug = true
}

// DebugOff disables debug output.
func (r *Reconstructor) DebugOff() {
	r.debug = false
}

// GetReconstructed returns a copy of the current volume estimate.
func (r *Reconstructor) GetReconstructed() *models.Volume {
	if r.reconstructed == nil {
		return nil
	}
	return r.reconstructed.Clone()
}

// GetMask returns a copy of the reconstruction mask.
func (r *Reconstructor) GetMask() *models.Volume {
	if r.mask == nil {
		return nil
	}
	return r.mask.Clone()
}

// GetConfidence returns a copy of the confidence map of the last
// super-resolution update.
func (r *Reconstructor) GetConfidence() *models.Volume {
	if r.confidence == nil {
		return nil
	}
	return r.confidence.Clone()
}

// EMParameters returns the current robust statistics parameters.
func (r *Reconstructor) EMParameters() EMParams {
	return r.em
}

// NumSlices returns the number of slices taking part in reconstruction.
func (r *Reconstructor) NumSlices() int {
	return len(r.slices)
}

// Transformations returns a copy of the per-slice transformations.
func (r *Reconstructor) Transformations() []rigid.Transform {
	out := make([]rigid.Transform, len(r.transforms))
	copy(out, r.transforms)
	return out
}

// SliceWeights returns the posterior inlier probability of every slice.
func (r *Reconstructor) SliceWeights() []float64 {
	out := make([]float64, len(r.states))
	for i := range r.states {
		out[i] = r.states[i].weight
	}
	return out
}

// Scales returns the intensity scale factor of every slice.
func (r *Reconstructor) Scales() []float64 {
	out := make([]float64, len(r.states))
	for i := range r.states {
		out[i] = r.states[i].scale
	}
	return out
}
