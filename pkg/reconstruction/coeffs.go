package reconstruction

import (
	"context"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"svrrecon/internal/models"
)

// Contribution is the weight with which one volume voxel contributes to
// the PSF footprint of a slice voxel.
type Contribution struct {
	X, Y, Z int
	// Index is the flat volume index of (X,Y,Z)
	Index  int
	Weight float64
}

// SliceCoeffs stores the contributions of one slice in a flat arena.
// The contributions of slice voxel i are contribs[offsets[i]:offsets[i+1]].
type SliceCoeffs struct {
	offsets  []int
	contribs []Contribution

	// Inside is set when at least one PSF sample of the slice touched the mask
	Inside bool
}

// Voxel returns the contributions of flat slice voxel i.
func (s *SliceCoeffs) Voxel(i int) []Contribution {
	return s.contribs[s.offsets[i]:s.offsets[i+1]]
}

// Len returns the total number of contributions of the slice.
func (s *SliceCoeffs) Len() int {
	return len(s.contribs)
}

// CoeffMap maps every slice voxel to the volume voxels under its PSF.
// It is rebuilt from scratch whenever the transformations change.
type CoeffMap struct {
	Slices []SliceCoeffs
}

// Coefficients returns the coefficient map built by the last CoeffInit.
func (r *Reconstructor) Coefficients() *CoeffMap {
	return r.coeffs
}

// newPSF discretises the acquisition PSF of a slice with spacing dx, dy
// and thickness dz on an isotropic grid of voxel size size. In-plane the
// PSF approximates the sinc main lobe with a Gaussian; through-plane it is
// a Gaussian with FWHM equal to the slice thickness. Samples sum to one.
func newPSF(dx, dy, dz, size float64) *models.Volume {
	dim := func(d float64) int {
		n := models.Round(2 * d / size)
		if n < 1 {
			n = 1
		}
		return n
	}
	psf := models.NewVolume(models.NewGrid(dim(dx), dim(dy), dim(dz), size, size, size))

	sigmax := 1.2 * dx / 2.3548
	sigmay := 1.2 * dy / 2.3548
	sigmaz := dz / 2.3548

	for k := 0; k < psf.Depth; k++ {
		for j := 0; j < psf.Height; j++ {
			for i := 0; i < psf.Width; i++ {
				o := psfOffset(psf, i, j, k)
				psf.Set(i, j, k, math.Exp(-o.X*o.X/(2*sigmax*sigmax)-o.Y*o.Y/(2*sigmay*sigmay)-o.Z*o.Z/(2*sigmaz*sigmaz)))
			}
		}
	}
	floats.Scale(1/floats.Sum(psf.Data), psf.Data)
	return psf
}

// psfOffset returns the offset in mm of PSF sample (i,j,k) from the PSF centre.
func psfOffset(psf *models.Volume, i, j, k int) r3.Vector {
	return r3.Vector{
		X: (float64(i) - 0.5*float64(psf.Width-1)) * psf.Dx,
		Y: (float64(j) - 0.5*float64(psf.Height-1)) * psf.Dy,
		Z: (float64(k) - 0.5*float64(psf.Depth-1)) * psf.Dz,
	}
}

// cubeDim returns the edge length, in volume voxels of size res, of the
// scratch cube that holds a transformed PSF. A PSF sample lies at most half
// the PSF diagonal from the slice voxel centre whatever the rotation; the
// margin covers rounding of the centre cell and the upper trilinear corner.
func cubeDim(psf *models.Volume, res float64) int {
	w, h, d := float64(psf.Width)*psf.Dx, float64(psf.Height)*psf.Dy, float64(psf.Depth)*psf.Dz
	half := int(math.Ceil(0.5*math.Sqrt(w*w+h*h+d*d)/res)) + 2
	return 2*half + 1
}

// CoeffInit builds the coefficient map for the current transformations,
// the per-slice mask overlap flags and the per-voxel total PSF weight used
// by GaussianReconstruction.
func (r *Reconstructor) CoeffInit() error {
	if !r.templateCreated {
		return ErrNoTemplate
	}
	if !r.haveMask {
		if err := r.SetMask(nil, 0); err != nil {
			return err
		}
	}

	n := len(r.slices)
	r.log.Info("initialising matrix coefficients", "slices", n, "quality", r.qualityFactor)

	coeffs := &CoeffMap{Slices: make([]SliceCoeffs, n)}
	partials := newPartials(r.workers(n), r.reconstructed.Size())

	g, ctx := errgroup.WithContext(context.Background())
	for w, s := range partition(n, r.params.NumCores) {
		g.Go(func() error {
			for i := s.start; i < s.end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				sc, err := r.sliceCoeffs(i, partials[w])
				if err != nil {
					return fmt.Errorf("coefficients of slice %d: %w", i, err)
				}
				coeffs.Slices[i] = sc
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	r.volumeWeights = models.NewVolume(r.reconstructed.Grid)
	mergePartials(r.volumeWeights.Data, partials)
	r.coeffs = coeffs

	if r.debug {
		r.writeDebug("volume_weights.nii.gz", r.volumeWeights)
		if n > 0 {
			img := r.slices[0].Image
			r.writeDebug("PSF.nii.gz", newPSF(img.Dx, img.Dy, img.Dz, r.reconstructed.Dx/r.qualityFactor))
		}
	}
	return nil
}

// sliceCoeffs computes the contributions of one slice. The PSF mass
// distributed to each volume voxel is also added to weights.
func (r *Reconstructor) sliceCoeffs(idx int, weights []float64) (SliceCoeffs, error) {
	slice := &r.slices[idx]
	img := slice.Image
	vol := r.reconstructed
	mask := r.mask.Data
	tr := r.transforms[idx].Affine()

	// PSF in slice space at a fraction of the volume resolution
	psf := newPSF(img.Dx, img.Dy, img.Dz, vol.Dx/r.qualityFactor)
	offsets := make([]r3.Vector, len(psf.Data))
	for k := 0; k < psf.Depth; k++ {
		for j := 0; j < psf.Height; j++ {
			for i := 0; i < psf.Width; i++ {
				o := psfOffset(psf, i, j, k)
				// Slice image units; z stays through-plane whatever the orientation
				offsets[psf.Index(i, j, k)] = r3.Vector{X: o.X / img.Dx, Y: o.Y / img.Dy, Z: o.Z / img.Dz}
			}
		}
	}

	dim := cubeDim(psf, vol.Dx)
	centre := (dim - 1) / 2
	tpsf := make([]float64, dim*dim*dim)

	nvox := img.Size()
	sc := SliceCoeffs{offsets: make([]int, nvox+1)}

	for j := 0; j < img.Height; j++ {
		for i := 0; i < img.Width; i++ {
			v := img.Index(i, j, 0)
			sc.offsets[v] = len(sc.contribs)
			if !slice.Valid(v) {
				continue
			}

			// Centre of the slice voxel in volume voxel coordinates
			c := vol.WorldToImage(tr.Apply(img.ImageToWorld(r3.Vector{X: float64(i), Y: float64(j)})))
			tx, ty, tz := models.Round(c.X), models.Round(c.Y), models.Round(c.Z)

			for k := range tpsf {
				tpsf[k] = 0
			}

			for s, o := range offsets {
				p := r3.Vector{X: o.X + float64(i), Y: o.Y + float64(j), Z: o.Z}
				q := vol.WorldToImage(tr.Apply(img.ImageToWorld(p)))

				nx := int(math.Floor(q.X))
				ny := int(math.Floor(q.Y))
				nz := int(math.Floor(q.Z))

				// Trilinear weights of the in-volume corners and the mask test
				sum := 0.0
				inside := false
				for l := nx; l <= nx+1; l++ {
					for m := ny; m <= ny+1; m++ {
						for n := nz; n <= nz+1; n++ {
							if !vol.Contains(l, m, n) {
								continue
							}
							sum += (1 - math.Abs(float64(l)-q.X)) * (1 - math.Abs(float64(m)-q.Y)) * (1 - math.Abs(float64(n)-q.Z))
							if mask[vol.Index(l, m, n)] == 1 {
								inside = true
							}
						}
					}
				}
				if sum <= 0 || !inside {
					continue
				}
				sc.Inside = true

				for l := nx; l <= nx+1; l++ {
					for m := ny; m <= ny+1; m++ {
						for n := nz; n <= nz+1; n++ {
							if !vol.Contains(l, m, n) {
								continue
							}
							w := (1 - math.Abs(float64(l)-q.X)) * (1 - math.Abs(float64(m)-q.Y)) * (1 - math.Abs(float64(n)-q.Z))

							aa, bb, cc := l-tx+centre, m-ty+centre, n-tz+centre
							if aa < 0 || aa >= dim || bb < 0 || bb >= dim || cc < 0 || cc >= dim {
								return SliceCoeffs{}, fmt.Errorf("%w: voxel (%d,%d) maps to (%d,%d,%d) in a cube of size %d",
									ErrPSFOutOfBounds, i, j, aa, bb, cc, dim)
							}

							value := psf.Data[s] * w / sum
							tpsf[(cc*dim+bb)*dim+aa] += value
							weights[vol.Index(l, m, n)] += value
						}
					}
				}
			}

			// Emit the non-empty cells in absolute volume coordinates
			for cc := 0; cc < dim; cc++ {
				for bb := 0; bb < dim; bb++ {
					for aa := 0; aa < dim; aa++ {
						value := tpsf[(cc*dim+bb)*dim+aa]
						if value <= 0 {
							continue
						}
						x, y, z := aa+tx-centre, bb+ty-centre, cc+tz-centre
						sc.contribs = append(sc.contribs, Contribution{
							X:      x,
							Y:      y,
							Z:      z,
							Index:  vol.Index(x, y, z),
							Weight: value,
						})
					}
				}
			}
		}
	}
	sc.offsets[nvox] = len(sc.contribs)
	return sc, nil
}
