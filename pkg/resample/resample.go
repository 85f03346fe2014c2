// Package resample maps volumes between sampling grids.
package resample

import (
	"math"

	"github.com/golang/geo/r3"

	"svrrecon/internal/models"
	"svrrecon/pkg/rigid"
)

// NearestNeighbor resamples a source volume into the grid of a target
// volume through a rigid transformation. The transformation maps target
// world coordinates to source world coordinates.
type NearestNeighbor struct {
	// TargetPadding marks target voxels that are not resampled. Target
	// voxels with a value at or below it receive SourcePadding.
	TargetPadding float64

	// SourcePadding is written wherever the source holds no information,
	// i.e. outside the source grid.
	SourcePadding float64
}

// Run returns a new volume on the target grid.
func (nn NearestNeighbor) Run(src, target *models.Volume, t rigid.Transform) *models.Volume {
	out := models.NewVolume(target.Grid)
	a := t.Affine()

	for z := 0; z < target.Depth; z++ {
		for y := 0; y < target.Height; y++ {
			for x := 0; x < target.Width; x++ {
				idx := target.Index(x, y, z)
				if target.Data[idx] <= nn.TargetPadding {
					out.Data[idx] = nn.SourcePadding
					continue
				}

				w := target.ImageToWorld(r3.Vector{X: float64(x), Y: float64(y), Z: float64(z)})
				p := src.WorldToImage(a.Apply(w))
				sx, sy, sz := models.Round(p.X), models.Round(p.Y), models.Round(p.Z)
				if src.Contains(sx, sy, sz) {
					out.Data[idx] = src.At(sx, sy, sz)
				} else {
					out.Data[idx] = nn.SourcePadding
				}
			}
		}
	}
	return out
}

// Isotropic returns a grid with voxel size d covering the same extent as g.
// The centre and orientation are kept; each dimension becomes
// round(n*spacing/d), and at least one voxel.
func Isotropic(g models.Grid, d float64) models.Grid {
	center := g.Center()

	dim := func(n int, spacing float64) int {
		m := int(math.Round(float64(n) * spacing / d))
		if m < 1 {
			m = 1
		}
		return m
	}

	out := g
	out.Width = dim(g.Width, g.Dx)
	out.Height = dim(g.Height, g.Dy)
	out.Depth = dim(g.Depth, g.Dz)
	out.Dx, out.Dy, out.Dz = d, d, d

	// Place voxel (0,0,0) so that the grid centre stays where it was
	half := r3.Vector{
		X: float64(out.Width-1) / 2 * d,
		Y: float64(out.Height-1) / 2 * d,
		Z: float64(out.Depth-1) / 2 * d,
	}
	out.Origin = center.
		Sub(out.XAxis.Mul(half.X)).
		Sub(out.YAxis.Mul(half.Y)).
		Sub(out.ZAxis.Mul(half.Z))
	return out
}
