package reconstruction

import (
	"math"

	"svrrecon/internal/models"
)

// EMParams holds the parameters of the two robust mixture models: the
// voxel-wise model (Gaussian inliers, uniform outliers) and the slice-wise
// model (Gaussian inlier and outlier slice potentials).
type EMParams struct {
	// Sigma is the variance of voxel inlier residuals
	Sigma float64
	// Mix is the voxel inlier proportion
	Mix float64
	// M is the density of the uniform voxel outlier distribution
	M float64

	// MeanS and SigmaS describe inlier slice potentials (SigmaS is a variance)
	MeanS  float64
	SigmaS float64
	// MeanS2 and SigmaS2 describe outlier slice potentials
	MeanS2  float64
	SigmaS2 float64
	// MixS is the slice inlier proportion
	MixS float64

	// Step is the integration step scaling both likelihoods
	Step float64
}

func newEMParams(step float64) EMParams {
	return EMParams{
		Mix:     0.9,
		SigmaS:  0.025,
		SigmaS2: 0.025,
		MixS:    0.9,
		Step:    step,
	}
}

// G is the zero-mean Gaussian likelihood of x for variance s.
func (p *EMParams) G(x, s float64) float64 {
	return p.Step * math.Exp(-x*x/(2*s)) / math.Sqrt(2*math.Pi*s)
}

// U is the likelihood of the uniform outlier distribution with density m.
func (p *EMParams) U(m float64) float64 {
	return m * p.Step
}

// MinVariance is the lower bound applied to every estimated variance.
func (p *EMParams) MinVariance() float64 {
	return p.Step * p.Step / (2 * math.Pi)
}

func (p *EMParams) boundVariance(s float64) float64 {
	if min := p.MinVariance(); s < min {
		return min
	}
	return s
}

// VoxelPosterior returns the posterior probability that a voxel with the
// given residual is an inlier.
func (p *EMParams) VoxelPosterior(residual float64) float64 {
	g := p.G(residual, p.Sigma) * p.Mix
	u := p.U(p.M) * (1 - p.Mix)
	if g+u <= 0 {
		return 0
	}
	return g / (g + u)
}

// SlicePosterior returns the posterior probability that a slice with the
// given potential is an inlier. It assumes MeanS < MeanS2.
func (p *EMParams) SlicePosterior(potential float64) float64 {
	var gs1, gs2 float64
	if potential < p.MeanS2 {
		gs1 = p.G(potential-p.MeanS, p.SigmaS)
	}
	if potential > p.MeanS {
		gs2 = p.G(potential-p.MeanS2, p.SigmaS2)
	}

	likelihood := gs1*p.MixS + gs2*(1-p.MixS)
	if likelihood > 0 {
		return gs1 * p.MixS / likelihood
	}

	// Both likelihoods underflowed: decide by position
	switch {
	case potential <= p.MeanS:
		return 1
	case potential >= p.MeanS2:
		return 0
	default:
		return 1
	}
}

// sliceState is the per-slice EM state.
type sliceState struct {
	// weights holds the voxel-wise inlier posterior
	weights *models.Volume
	// bias is the log-domain bias field
	bias *models.Volume
	// scale is the global intensity scale of the slice
	scale float64
	// weight is the slice-wise inlier posterior
	weight float64
}

// correct applies the bias field and scale of a slice to an intensity.
func correct(value, bias, scale float64) float64 {
	return value * math.Exp(-bias) * scale
}
