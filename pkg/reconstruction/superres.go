package reconstruction

import (
	"fmt"
	"math"

	"svrrecon/internal/models"
)

// srPartial collects the per-worker statistics of a super-resolution pass.
type srPartial struct {
	addon      []float64
	confidence []float64
	sigma      float64
	mix        float64
	num        int
	min, max   float64
}

// SuperresolutionAndMStep back-projects the weighted residuals of all
// slices into the volume, re-estimates the voxel-wise robust statistics and
// regularises the result. iter is the 1-based inner iteration; the inlier
// proportion is only re-estimated after the first one.
func (r *Reconstructor) SuperresolutionAndMStep(iter int) error {
	if r.coeffs == nil || len(r.states) != len(r.slices) {
		return fmt.Errorf("%w: coefficients and EM state must be initialised first", ErrInvalidInput)
	}

	vol := r.reconstructed

	// Keep the pre-update volume as the edge reference of the regulariser
	if r.original == nil || !r.original.SameGeometry(vol.Grid) {
		r.original = models.NewVolume(vol.Grid)
	}
	copy(r.original.Data, vol.Data)

	workers := r.workers(len(r.slices))
	partials := make([]srPartial, workers)
	for w := range partials {
		partials[w].addon = make([]float64, vol.Size())
		partials[w].confidence = make([]float64, vol.Size())
	}

	r.parallel(len(r.slices), func(worker int, s span) {
		p := &partials[worker]
		for idx := s.start; idx < s.end; idx++ {
			slice := &r.slices[idx]
			st := &r.states[idx]
			sc := &r.coeffs.Slices[idx]

			for v, value := range slice.Image.Data {
				if !slice.Valid(v) {
					continue
				}
				contribs := sc.Voxel(v)
				e := correct(value, st.bias.Data[v], st.scale) - r.simulate(contribs)
				w := st.weights.Data[v]

				p.sigma += e * e * w
				p.mix += w
				p.num++
				p.min = math.Min(p.min, e)
				p.max = math.Max(p.max, e)

				for _, c := range contribs {
					p.addon[c.Index] += c.Weight * e * w * st.weight
					p.confidence[c.Index] += c.Weight * w * st.weight
				}
			}
		}
	})

	addon := make([]float64, vol.Size())
	if r.confidence == nil || !r.confidence.SameGeometry(vol.Grid) {
		r.confidence = models.NewVolume(vol.Grid)
	}
	r.confidence.Fill(0)

	sigma, mix := 0.0, 0.0
	num := 0
	min, max := 0.0, 0.0
	for w := range partials {
		p := &partials[w]
		mergePartials(addon, [][]float64{p.addon})
		mergePartials(r.confidence.Data, [][]float64{p.confidence})
		sigma += p.sigma
		mix += p.mix
		num += p.num
		min = math.Min(min, p.min)
		max = math.Max(max, p.max)
	}

	// Gradient step, bounded to the observed intensity range
	lo, hi := 0.9*r.minIntensity, 1.1*r.maxIntensity
	for i := range vol.Data {
		v := vol.Data[i] + r.alpha*addon[i]
		if v < lo {
			v = lo
		}
		if v > hi {
			v = hi
		}
		vol.Data[i] = v
	}

	em := &r.em
	if mix <= 0 {
		return fmt.Errorf("%w: sigma=%g mix=%g", ErrDegenerateStatistics, sigma, mix)
	}
	em.Sigma = em.boundVariance(sigma / mix)
	if iter > 1 {
		em.Mix = mix / float64(num)
	}
	if max > min {
		em.M = 1 / (max - min)
	}

	if r.debug {
		r.log.Debug("voxel-wise robust statistics parameters",
			"sigma", math.Sqrt(em.Sigma), "mix", em.Mix, "m", em.M)
	}

	r.AdaptiveRegularization(iter, r.original)
	return nil
}
