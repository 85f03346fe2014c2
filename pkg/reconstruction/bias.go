package reconstruction

import (
	"math"

	"svrrecon/internal/models"
	"svrrecon/pkg/filters"
)

// Bias updates the log-domain bias field of every slice from its weighted
// log residuals, smoothed with a Gaussian of SetSigma width, and recentres
// each field to zero mean over the valid voxels.
func (r *Reconstructor) Bias() {
	r.parallel(len(r.slices), func(_ int, s span) {
		for idx := s.start; idx < s.end; idx++ {
			r.sliceBias(idx)
		}
	})
}

func (r *Reconstructor) sliceBias(idx int) {
	slice := &r.slices[idx]
	st := &r.states[idx]
	sc := &r.coeffs.Slices[idx]
	img := slice.Image

	wb := models.NewVolume(img.Grid)
	wresidual := models.NewVolume(img.Grid)

	for v, value := range img.Data {
		if !slice.Valid(v) {
			continue
		}
		sim := r.simulate(sc.Voxel(v))
		corrected := correct(value, st.bias.Data[v], st.scale)

		// Stay away from zero where the logarithm is unstable
		if sim > 1 && corrected > 1 {
			wb.Data[v] = st.weights.Data[v] * corrected
			wresidual.Data[v] = math.Log(corrected/sim) * wb.Data[v]
		}
	}

	filters.GaussianBlur(wresidual, r.sigmaBias)
	filters.GaussianBlur(wb, r.sigmaBias)

	sum, num := 0.0, 0
	for v := range img.Data {
		if !slice.Valid(v) {
			continue
		}
		if wb.Data[v] > 0 {
			st.bias.Data[v] += wresidual.Data[v] / wb.Data[v]
		}
		sum += st.bias.Data[v]
		num++
	}

	if num == 0 {
		return
	}
	mean := sum / float64(num)
	for v := range img.Data {
		if slice.Valid(v) {
			st.bias.Data[v] -= mean
		}
	}
}
