// Package filters provides smoothing primitives for sampled volumes.
package filters

import (
	"math"

	"svrrecon/internal/models"
)

// GaussianKernel returns a normalised 1D Gaussian kernel with standard
// deviation sigma (in samples). The kernel radius is ceil(4*sigma).
func GaussianKernel(sigma float64) []float64 {
	radius := int(math.Ceil(4 * sigma))
	k := make([]float64, 2*radius+1)
	f := -0.5 / (sigma * sigma)
	sum := 0.0
	for i := range k {
		x := float64(i - radius)
		k[i] = math.Exp(f * x * x)
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// GaussianBlur smooths v in place with an isotropic Gaussian whose standard
// deviation sigma is given in mm. The kernel is converted to voxels per axis
// from the voxel spacing and applied separably. Near the border only the
// in-range part of the kernel is used and renormalised. Axes with a single
// voxel are left untouched, so 2D slices are blurred in-plane only.
func GaussianBlur(v *models.Volume, sigma float64) {
	if sigma <= 0 || len(v.Data) == 0 {
		return
	}

	tmp := make([]float64, len(v.Data))
	strides := [3]int{1, v.Width, v.Width * v.Height}
	sizes := [3]int{v.Width, v.Height, v.Depth}
	spacing := [3]float64{v.Dx, v.Dy, v.Dz}

	for axis := 0; axis < 3; axis++ {
		if sizes[axis] < 2 || spacing[axis] <= 0 {
			continue
		}
		k := GaussianKernel(sigma / spacing[axis])
		convolveAxis(v.Data, tmp, k, sizes, strides, axis)
		copy(v.Data, tmp)
	}
}

// convolveAxis convolves src along one axis into dst.
func convolveAxis(src, dst, k []float64, sizes [3]int, strides [3]int, axis int) {
	radius := len(k) / 2
	n := sizes[axis]
	stride := strides[axis]

	for i := range src {
		// Position of voxel i along the convolution axis
		pos := (i / stride) % n
		lo := pos - radius
		if lo < 0 {
			lo = 0
		}
		hi := pos + radius
		if hi > n-1 {
			hi = n - 1
		}

		sum, norm := 0.0, 0.0
		for p := lo; p <= hi; p++ {
			w := k[p-pos+radius]
			sum += w * src[i+(p-pos)*stride]
			norm += w
		}
		dst[i] = sum / norm
	}
}
