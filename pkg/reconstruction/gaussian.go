package reconstruction

import (
	"fmt"

	"svrrecon/internal/models"
)

// GaussianReconstruction initialises the volume by PSF-weighted averaging
// of the bias and scale corrected slice intensities. Voxels that receive no
// PSF mass stay zero. Slice voxels without any contribution are padded so
// that later stages skip them.
func (r *Reconstructor) GaussianReconstruction() error {
	if r.coeffs == nil || len(r.states) != len(r.slices) {
		return fmt.Errorf("%w: coefficients and EM state must be initialised first", ErrInvalidInput)
	}
	r.log.Info("gaussian reconstruction", "slices", len(r.slices))

	vol := r.reconstructed
	partials := newPartials(r.workers(len(r.slices)), vol.Size())

	r.parallel(len(r.slices), func(worker int, s span) {
		acc := partials[worker]
		for idx := s.start; idx < s.end; idx++ {
			slice := &r.slices[idx]
			st := &r.states[idx]
			sc := &r.coeffs.Slices[idx]

			for v := range slice.Image.Data {
				if !slice.Valid(v) {
					continue
				}
				contribs := sc.Voxel(v)
				if len(contribs) == 0 {
					slice.Image.Data[v] = models.Padding
					continue
				}
				value := correct(slice.Image.Data[v], st.bias.Data[v], st.scale)
				for _, c := range contribs {
					acc[c.Index] += c.Weight * value
				}
			}
		}
	})

	vol.Fill(0)
	mergePartials(vol.Data, partials)

	// Normalise by the PSF mass each voxel received
	for i, w := range r.volumeWeights.Data {
		if w > 0 {
			vol.Data[i] /= w
		}
	}

	if r.debug {
		r.writeDebug("init.nii.gz", vol)
	}
	return nil
}
