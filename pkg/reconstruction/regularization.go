package reconstruction

import (
	"math"

	"svrrecon/internal/models"
)

// directions are the 13 neighbour offsets of one half of the 26-neighbourhood.
// Each is also used negated, covering all 26 neighbours.
var directions = [13][3]int{
	{1, 0, -1}, {0, 1, -1}, {1, 1, -1}, {1, -1, -1},
	{1, 0, 0}, {0, 1, 0}, {1, 1, 0}, {1, -1, 0},
	{1, 0, 1}, {0, 1, 1}, {1, 1, 1}, {1, -1, 1},
	{0, 0, 1},
}

// directionFactors holds 1/(|dx|+|dy|+|dz|) for every direction.
var directionFactors = func() [13]float64 {
	var f [13]float64
	for i, d := range directions {
		f[i] = 1 / float64(abs(d[0])+abs(d[1])+abs(d[2]))
	}
	return f
}()

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// AdaptiveRegularization smooths the volume with an edge-preserving
// diffusion step. Edge-stopping coefficients are computed from original,
// the volume before the last update, and the confidence map gates which
// voxel pairs interact. All new values are computed from the current
// volume before any of them is stored.
func (r *Reconstructor) AdaptiveRegularization(iter int, original *models.Volume) {
	vol := r.reconstructed
	conf := r.confidence.Data
	dx, dy, dz := vol.Width, vol.Height, vol.Depth
	n := vol.Size()

	// Read pass: one coefficient image per direction
	var b [13][]float64
	for i := range b {
		b[i] = make([]float64, n)
	}
	r.parallel(dz, func(_ int, s span) {
		for z := s.start; z < s.end; z++ {
			for y := 0; y < dy; y++ {
				for x := 0; x < dx; x++ {
					idx := vol.Index(x, y, z)
					if conf[idx] <= 0 {
						continue
					}
					for i, d := range directions {
						xx, yy, zz := x+d[0], y+d[1], z+d[2]
						if !vol.Contains(xx, yy, zz) {
							continue
						}
						nidx := vol.Index(xx, yy, zz)
						if conf[nidx] <= 0 {
							continue
						}
						diff := (original.Data[nidx] - original.Data[idx]) * math.Sqrt(directionFactors[i]) / r.delta
						b[i][idx] = directionFactors[i] / math.Sqrt(1+diff*diff)
					}
				}
			}
		}
	})

	// Write pass into the spare buffer
	if r.spare == nil || !r.spare.SameGeometry(vol.Grid) {
		r.spare = models.NewVolume(vol.Grid)
	}
	out := r.spare.Data
	k := r.alpha * r.lambda / (r.delta * r.delta)

	r.parallel(dz, func(_ int, s span) {
		for z := s.start; z < s.end; z++ {
			for y := 0; y < dy; y++ {
				for x := 0; x < dx; x++ {
					idx := vol.Index(x, y, z)
					val, valW := 0.0, 0.0

					for i, d := range directions {
						// Forward neighbour uses the coefficient stored at x
						if xx, yy, zz := x+d[0], y+d[1], z+d[2]; vol.Contains(xx, yy, zz) {
							nidx := vol.Index(xx, yy, zz)
							val += b[i][idx] * vol.Data[nidx] * conf[nidx]
							valW += b[i][idx] * conf[nidx]
						}
						// Backward neighbour uses the coefficient stored at x-d
						if xx, yy, zz := x-d[0], y-d[1], z-d[2]; vol.Contains(xx, yy, zz) {
							nidx := vol.Index(xx, yy, zz)
							val += b[i][nidx] * vol.Data[nidx] * conf[nidx]
							valW += b[i][nidx] * conf[nidx]
						}
					}

					num := conf[idx]*vol.Data[idx] + k*val
					den := conf[idx] + k*valW
					if den > 0 {
						out[idx] = num / den
					} else {
						out[idx] = 0
					}
				}
			}
		}
	})

	r.reconstructed, r.spare = r.spare, r.reconstructed

	if k > 0.068 {
		r.log.Warn("regularization might not have smoothing effect, alpha*lambda/delta^2 should be below 0.068",
			"iteration", iter, "value", k)
	}
}
