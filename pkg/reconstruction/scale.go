package reconstruction

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Scale fits the intensity scale of every slice by weighted least squares
// against the simulated slice, then divides all scales by their geometric
// mean so that the set has no net effect on intensity.
func (r *Reconstructor) Scale() {
	r.parallel(len(r.slices), func(_ int, s span) {
		for idx := s.start; idx < s.end; idx++ {
			r.states[idx].scale = r.sliceScale(idx)
		}
	})

	scales := r.Scales()
	for _, s := range scales {
		if s <= 0 || math.IsNaN(s) {
			r.log.Warn("non-positive slice scale, skipping normalisation", "scales", scales)
			return
		}
	}
	if len(scales) > 0 {
		gm := stat.GeometricMean(scales, nil)
		for i := range r.states {
			r.states[i].scale /= gm
		}
	}

	if r.debug {
		r.log.Debug("slice scale", "scales", r.Scales())
	}
}

// sliceScale returns the least squares scale of one slice, or 1 when the
// slice has no weighted data.
func (r *Reconstructor) sliceScale(idx int) float64 {
	slice := &r.slices[idx]
	st := &r.states[idx]
	sc := &r.coeffs.Slices[idx]

	num, den := 0.0, 0.0
	for v, value := range slice.Image.Data {
		if !slice.Valid(v) {
			continue
		}
		sim := r.simulate(sc.Voxel(v))
		w := st.weights.Data[v]
		eb := math.Exp(-st.bias.Data[v])
		num += w * value * eb * sim
		den += w * value * eb * value * eb
	}

	if den > 0 {
		return num / den
	}
	return 1
}
