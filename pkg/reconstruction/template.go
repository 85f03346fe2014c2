package reconstruction

import (
	"fmt"

	"github.com/golang/geo/r3"

	"svrrecon/internal/models"
	"svrrecon/pkg/filters"
	"svrrecon/pkg/resample"
	"svrrecon/pkg/rigid"
)

// CreateTemplate sets up an empty volume covering the template stack,
// enlarged by one slice at each end in z, with isotropic voxel size
// resolution. A non-positive resolution selects the smallest voxel size of
// the stack. It returns the voxel size used.
func (r *Reconstructor) CreateTemplate(stack *models.Volume, resolution float64) float64 {
	d := resolution
	if d <= 0 {
		d = stack.Dx
		if stack.Dy < d {
			d = stack.Dy
		}
		if stack.Dz < d {
			d = stack.Dz
		}
	}

	enlarged := stack.Grid
	enlarged.Depth += 2
	enlarged.Origin = stack.ImageToWorld(r3.Vector{Z: -1})

	r.log.Info("constructing volume", "voxel_size", d)

	r.reconstructed = models.NewVolume(resample.Isotropic(enlarged, d))
	r.templateCreated = true
	r.haveMask = false
	r.mask = nil
	return d
}

// SetMask resamples mask into the template grid. The mask is first
// smoothed with a Gaussian of sigma mm when sigma is positive and then
// binarised at 0.5. A nil mask selects the whole volume.
func (r *Reconstructor) SetMask(mask *models.Volume, sigma float64) error {
	if !r.templateCreated {
		return fmt.Errorf("setting mask: %w", ErrNoTemplate)
	}

	if mask == nil {
		r.mask = models.NewVolume(r.reconstructed.Grid)
		r.mask.Fill(1)
	} else {
		m := mask.Clone()
		if sigma > 0 {
			filters.GaussianBlur(m, sigma)
		}
		for i, v := range m.Data {
			if v > 0.5 {
				m.Data[i] = 1
			} else {
				m.Data[i] = 0
			}
		}

		target := models.NewVolume(r.reconstructed.Grid)
		r.mask = resample.NearestNeighbor{TargetPadding: -1, SourcePadding: 0}.Run(m, target, rigid.Identity())
	}
	r.haveMask = true

	if r.debug {
		r.writeDebug("mask.nii.gz", r.mask)
	}
	return nil
}

// TransformMask resamples mask into the grid of image. t maps image world
// coordinates into mask world coordinates. Voxels outside the mask get 0.
func (r *Reconstructor) TransformMask(image, mask *models.Volume, t rigid.Transform) *models.Volume {
	return resample.NearestNeighbor{TargetPadding: -1, SourcePadding: 0}.Run(mask, image, t)
}

// CropImage returns the part of image inside the bounding box of the
// positive voxels of mask. mask must share the grid of image.
func (r *Reconstructor) CropImage(image, mask *models.Volume) (*models.Volume, error) {
	if !image.SameGeometry(mask.Grid) {
		return nil, fmt.Errorf("%w: mask and image grids differ", ErrInvalidInput)
	}

	x1, y1, z1 := image.Width, image.Height, image.Depth
	x2, y2, z2 := -1, -1, -1
	for z := 0; z < mask.Depth; z++ {
		for y := 0; y < mask.Height; y++ {
			for x := 0; x < mask.Width; x++ {
				if mask.At(x, y, z) <= 0 {
					continue
				}
				x1, x2 = min(x1, x), max(x2, x)
				y1, y2 = min(y1, y), max(y2, y)
				z1, z2 = min(z1, z), max(z2, z)
			}
		}
	}
	if x2 < 0 {
		return nil, fmt.Errorf("cropping image: %w", ErrNoROIOverlap)
	}

	r.log.Debug("region of interest", "from", []int{x1, y1, z1}, "to", []int{x2, y2, z2})
	return image.Region(x1, y1, z1, x2+1, y2+1, z2+1), nil
}
