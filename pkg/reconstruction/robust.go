package reconstruction

import (
	"fmt"
	"math"

	"svrrecon/internal/models"
)

// InitializeEM allocates the per-slice EM state and records the intensity
// range of the slices. Padding is excluded from the minimum.
func (r *Reconstructor) InitializeEM() {
	r.states = make([]sliceState, len(r.slices))

	r.maxIntensity = 0
	r.minIntensity = math.Inf(1)
	for i := range r.slices {
		img := r.slices[i].Image
		r.states[i] = sliceState{
			weights: models.NewVolume(img.Grid),
			bias:    models.NewVolume(img.Grid),
			scale:   1,
			weight:  1,
		}

		for _, v := range img.Data {
			if v > r.maxIntensity {
				r.maxIntensity = v
			}
			if v > 0 && v < r.minIntensity {
				r.minIntensity = v
			}
		}
	}
	if math.IsInf(r.minIntensity, 1) {
		r.minIntensity = 0
	}
	r.log.Debug("intensity range", "min", r.minIntensity, "max", r.maxIntensity)
}

// InitializeEMValues resets voxel weights, bias fields, slice weights and
// scales for a new reconstruction pass.
func (r *Reconstructor) InitializeEMValues() {
	for i := range r.states {
		st := &r.states[i]
		slice := &r.slices[i]
		for v := range st.weights.Data {
			if slice.Valid(v) {
				st.weights.Data[v] = 1
			} else {
				st.weights.Data[v] = 0
			}
			st.bias.Data[v] = 0
		}
		st.weight = 1
		st.scale = 1
	}
}

// simulate returns the PSF-weighted prediction of a slice voxel from the
// current volume.
func (r *Reconstructor) simulate(contribs []Contribution) float64 {
	sim := 0.0
	for _, c := range contribs {
		sim += c.Weight * r.reconstructed.Data[c.Index]
	}
	return sim
}

// InitializeRobustStatistics estimates the initial voxel inlier variance
// from the residuals of the Gaussian reconstruction and resets the mixture
// parameters. Slices without mask overlap get zero weight.
func (r *Reconstructor) InitializeRobustStatistics() error {
	if r.coeffs == nil || len(r.states) != len(r.slices) {
		return fmt.Errorf("%w: coefficients and EM state must be initialised first", ErrInvalidInput)
	}

	workers := r.workers(len(r.slices))
	sigmas := make([]float64, workers)
	nums := make([]int, workers)
	mask := r.mask.Data

	r.parallel(len(r.slices), func(worker int, s span) {
		for idx := s.start; idx < s.end; idx++ {
			slice := &r.slices[idx]
			st := &r.states[idx]
			sc := &r.coeffs.Slices[idx]

			sliceInside := false
			for v := range slice.Image.Data {
				if !slice.Valid(v) {
					continue
				}
				contribs := sc.Voxel(v)
				inside := false
				for _, c := range contribs {
					if mask[c.Index] == 1 {
						inside = true
						break
					}
				}
				if !inside {
					continue
				}
				sliceInside = true
				e := correct(slice.Image.Data[v], st.bias.Data[v], st.scale) - r.simulate(contribs)
				sigmas[worker] += e * e
				nums[worker]++
			}
			if !sliceInside {
				st.weight = 0
			}
		}
	})

	sigma, num := 0.0, 0
	for w := range sigmas {
		sigma += sigmas[w]
		num += nums[w]
	}

	em := &r.em
	if num > 0 {
		em.Sigma = em.boundVariance(sigma / float64(num))
	} else {
		em.Sigma = em.MinVariance()
		r.log.Warn("no slice voxel overlaps the mask", "sigma", math.Sqrt(em.Sigma))
	}
	em.SigmaS = 0.025
	em.Mix = 0.9
	em.MixS = 0.9
	// Uniform outlier density over a slightly widened intensity range
	if span := 2.1*r.maxIntensity - 1.9*r.minIntensity; span > 0 {
		em.M = 1 / span
	}

	r.log.Debug("initializing robust statistics",
		"sigma", math.Sqrt(em.Sigma), "m", em.M, "mix", em.Mix, "mix_s", em.MixS)
	return nil
}

// EStep computes the voxel-wise inlier posteriors, the slice potentials,
// the slice-wise mixture parameters and the slice inlier posteriors.
func (r *Reconstructor) EStep() error {
	if r.coeffs == nil || len(r.states) != len(r.slices) {
		return fmt.Errorf("%w: coefficients and EM state must be initialised first", ErrInvalidInput)
	}

	potentials := make([]float64, len(r.slices))
	em := r.em

	r.parallel(len(r.slices), func(_ int, s span) {
		for idx := s.start; idx < s.end; idx++ {
			potentials[idx] = r.voxelPosteriors(idx, &em)
		}
	})

	r.updateSliceStatistics(potentials)

	if r.debug {
		r.log.Debug("slice robust statistics parameters",
			"means", []float64{r.em.MeanS, r.em.MeanS2},
			"sigmas", []float64{math.Sqrt(r.em.SigmaS), math.Sqrt(r.em.SigmaS2)},
			"proportions", []float64{r.em.MixS, 1 - r.em.MixS},
			"weights", r.SliceWeights())
	}
	return nil
}

// voxelPosteriors updates the voxel weights of one slice and returns its
// potential, or -1 when no voxel of the slice carries data.
func (r *Reconstructor) voxelPosteriors(idx int, em *EMParams) float64 {
	slice := &r.slices[idx]
	st := &r.states[idx]
	sc := &r.coeffs.Slices[idx]

	potential := 0.0
	num := 0
	for v := range slice.Image.Data {
		if !slice.Valid(v) {
			continue
		}
		contribs := sc.Voxel(v)
		if len(contribs) == 0 {
			st.weights.Data[v] = 0
			continue
		}

		e := correct(slice.Image.Data[v], st.bias.Data[v], st.scale) - r.simulate(contribs)
		weight := em.VoxelPosterior(e)
		st.weights.Data[v] = weight

		potential += (1 - weight) * (1 - weight)
		num++
	}

	if num == 0 {
		return -1
	}
	return math.Sqrt(potential / float64(num))
}

// updateSliceStatistics re-estimates the slice mixture model from the
// current potentials and recomputes every slice weight.
func (r *Reconstructor) updateSliceStatistics(potentials []float64) {
	em := &r.em

	// Means of the inlier and outlier potentials
	sum, den, sum2, den2 := 0.0, 0.0, 0.0, 0.0
	maxs, mins := 0.0, 1.0
	for i, p := range potentials {
		if p < 0 {
			continue
		}
		w := r.states[i].weight
		sum += p * w
		den += w
		sum2 += p * (1 - w)
		den2 += 1 - w

		if p > maxs {
			maxs = p
		}
		if p < mins {
			mins = p
		}
	}

	if den > 0 {
		em.MeanS = sum / den
	} else {
		em.MeanS = mins
	}
	if den2 > 0 {
		em.MeanS2 = sum2 / den2
	} else {
		em.MeanS2 = (maxs + em.MeanS) / 2
	}

	// Variances of the potentials
	sum, den, sum2, den2 = 0, 0, 0, 0
	for i, p := range potentials {
		if p < 0 {
			continue
		}
		w := r.states[i].weight
		sum += (p - em.MeanS) * (p - em.MeanS) * w
		den += w
		sum2 += (p - em.MeanS2) * (p - em.MeanS2) * (1 - w)
		den2 += 1 - w
	}

	if sum > 0 && den > 0 {
		em.SigmaS = em.boundVariance(sum / den)
	} else {
		em.SigmaS = 0.025
		r.log.Debug("all slices are equal or outliers", "sigma_s", math.Sqrt(em.SigmaS))
	}

	if sum2 > 0 && den2 > 0 {
		em.SigmaS2 = em.boundVariance(sum2 / den2)
	} else {
		em.SigmaS2 = em.boundVariance((em.MeanS2 - em.MeanS) * (em.MeanS2 - em.MeanS) / 4)
		r.log.Debug("all slices are equal or inliers", "sigma_s2", math.Sqrt(em.SigmaS2))
	}

	// Slice posteriors
	for i, p := range potentials {
		st := &r.states[i]
		switch {
		case p == -1:
			// No data in the region of interest
			st.weight = 0
		case den <= 0 || em.MeanS2 <= em.MeanS:
			st.weight = 1
		default:
			st.weight = em.SlicePosterior(p)
		}
	}

	// Slice inlier proportion
	total, num := 0.0, 0
	for i, p := range potentials {
		if p >= 0 {
			total += r.states[i].weight
			num++
		}
	}
	if num > 0 {
		em.MixS = total / float64(num)
	} else {
		em.MixS = 0.9
		r.log.Warn("all slices are outliers, resetting slice mixing proportion", "mix_s", em.MixS)
	}
}
