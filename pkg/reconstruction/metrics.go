package reconstruction

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// QualityMetrics compares the corrected slice intensities with the slices
// simulated from the reconstructed volume. They are used to judge how well
// the volume explains the acquired data.
type QualityMetrics struct {
	// Voxels is the number of slice voxels compared
	Voxels int

	// RMSE (Root Mean Square Error) between acquired and simulated
	// intensities. Lower values indicate a better fit.
	RMSE float64

	// Correlation is the Pearson correlation of acquired and simulated
	// intensities.
	Correlation float64

	// SSIM (Structural Similarity Index) computed globally over all voxels,
	// with the dynamic range of the acquired intensities.
	SSIM float64

	// EntropyDiff is the difference in histogram entropy between acquired
	// and simulated intensities.
	EntropyDiff float64
}

// QualityMetrics evaluates the current reconstruction against the slices.
// Only voxels of inlier slices with at least one contribution inside the
// mask are used, so the result is the same before and after MaskVolume.
func (r *Reconstructor) QualityMetrics() QualityMetrics {
	var acquired, simulated []float64
	if r.coeffs == nil {
		return QualityMetrics{}
	}

	for idx := range r.slices {
		slice := &r.slices[idx]
		st := &r.states[idx]
		if st.weight < 0.5 {
			continue
		}
		sc := &r.coeffs.Slices[idx]
		for v, value := range slice.Image.Data {
			if !slice.Valid(v) {
				continue
			}
			sim, ok := r.simulateInMask(sc.Voxel(v))
			if !ok {
				continue
			}
			acquired = append(acquired, correct(value, st.bias.Data[v], st.scale))
			simulated = append(simulated, sim)
		}
	}

	m := QualityMetrics{Voxels: len(acquired)}
	if m.Voxels < 2 {
		return m
	}
	m.RMSE = calculateRMSE(acquired, simulated)
	m.Correlation = stat.Correlation(acquired, simulated, nil)
	m.SSIM = calculateSSIM(acquired, simulated, floats.Max(acquired)-floats.Min(acquired))
	m.EntropyDiff = math.Abs(calculateEntropy(acquired) - calculateEntropy(simulated))
	return m
}

// simulateInMask predicts a slice voxel from the volume voxels inside the
// mask only, renormalised by their PSF weight. It reports false when no
// contribution lies inside the mask.
func (r *Reconstructor) simulateInMask(contribs []Contribution) (float64, bool) {
	sim, weight := 0.0, 0.0
	for _, c := range contribs {
		if r.mask != nil && r.mask.Data[c.Index] == 0 {
			continue
		}
		sim += c.Weight * r.reconstructed.Data[c.Index]
		weight += c.Weight
	}
	if weight <= 0 {
		return 0, false
	}
	return sim / weight, true
}

// calculateRMSE computes the root mean square error
func calculateRMSE(original, reconstructed []float64) float64 {
	n := len(original)
	if n != len(reconstructed) || n == 0 {
		return 0
	}
	return floats.Distance(original, reconstructed, 2) / math.Sqrt(float64(n))
}

// calculateSSIM computes the Structural Similarity Index for intensities
// with dynamic range L
func calculateSSIM(original, reconstructed []float64, L float64) float64 {
	const k1 = 0.01
	const k2 = 0.03

	n := len(original)
	if n != len(reconstructed) || n == 0 {
		return 0
	}
	if L <= 0 {
		L = 1
	}
	c1 := (k1 * L) * (k1 * L)
	c2 := (k2 * L) * (k2 * L)

	muX, sigmaX := stat.MeanVariance(original, nil)
	muY, sigmaY := stat.MeanVariance(reconstructed, nil)
	sigmaXY := stat.Covariance(original, reconstructed, nil)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}

// calculateEntropy computes the Shannon entropy of a 256-bin histogram
func calculateEntropy(data []float64) float64 {
	n := len(data)
	if n == 0 {
		return 0
	}

	min, max := floats.Min(data), floats.Max(data)
	if max <= min {
		return 0
	}

	const numBins = 256
	hist := make([]float64, numBins)
	binWidth := (max - min) / numBins
	for _, v := range data {
		bin := int((v - min) / binWidth)
		if bin >= numBins {
			bin = numBins - 1
		}
		hist[bin]++
	}

	entropy := 0.0
	for _, count := range hist {
		if count > 0 {
			p := count / float64(n)
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}
