package models

import (
	"math"

	"github.com/golang/geo/r3"
)

// Grid describes the sampling lattice of an image: its size in voxels, the
// voxel spacing in mm and the mapping from voxel coordinates to world space.
//
// Origin is the world position of voxel (0,0,0). XAxis, YAxis and ZAxis are
// unit vectors giving the world orientation of the three image axes.
type Grid struct {
	Width, Height, Depth int

	Dx, Dy, Dz float64

	Origin              r3.Vector
	XAxis, YAxis, ZAxis r3.Vector
}

// NewGrid creates an axis-aligned grid with its origin at the world origin.
func NewGrid(width, height, depth int, dx, dy, dz float64) Grid {
	return Grid{
		Width:  width,
		Height: height,
		Depth:  depth,
		Dx:     dx,
		Dy:     dy,
		Dz:     dz,
		XAxis:  r3.Vector{X: 1},
		YAxis:  r3.Vector{Y: 1},
		ZAxis:  r3.Vector{Z: 1},
	}
}

// Size returns the number of voxels in the grid.
func (g Grid) Size() int {
	return g.Width * g.Height * g.Depth
}

// Index returns the flat index of voxel (x,y,z) in row-major order.
func (g Grid) Index(x, y, z int) int {
	return z*g.Width*g.Height + y*g.Width + x
}

// Contains reports whether (x,y,z) lies inside the grid.
func (g Grid) Contains(x, y, z int) bool {
	return x >= 0 && x < g.Width && y >= 0 && y < g.Height && z >= 0 && z < g.Depth
}

// ImageToWorld maps real-valued voxel coordinates to world coordinates.
func (g Grid) ImageToWorld(p r3.Vector) r3.Vector {
	w := g.Origin
	w = w.Add(g.XAxis.Mul(p.X * g.Dx))
	w = w.Add(g.YAxis.Mul(p.Y * g.Dy))
	w = w.Add(g.ZAxis.Mul(p.Z * g.Dz))
	return w
}

// WorldToImage maps world coordinates to real-valued voxel coordinates.
func (g Grid) WorldToImage(p r3.Vector) r3.Vector {
	d := p.Sub(g.Origin)
	return r3.Vector{
		X: d.Dot(g.XAxis) / g.Dx,
		Y: d.Dot(g.YAxis) / g.Dy,
		Z: d.Dot(g.ZAxis) / g.Dz,
	}
}

// Center returns the world position of the geometric centre of the grid.
func (g Grid) Center() r3.Vector {
	return g.ImageToWorld(r3.Vector{
		X: float64(g.Width-1) / 2,
		Y: float64(g.Height-1) / 2,
		Z: float64(g.Depth-1) / 2,
	})
}

// SubGrid returns the grid covering voxels [x0,x1) x [y0,y1) x [z0,z1)
// with the same world placement as the corresponding voxels of g.
func (g Grid) SubGrid(x0, y0, z0, x1, y1, z1 int) Grid {
	sub := g
	sub.Width = x1 - x0
	sub.Height = y1 - y0
	sub.Depth = z1 - z0
	sub.Origin = g.ImageToWorld(r3.Vector{X: float64(x0), Y: float64(y0), Z: float64(z0)})
	return sub
}

// SameGeometry reports whether two grids sample the same lattice.
func (g Grid) SameGeometry(o Grid) bool {
	const eps = 1e-6
	near := func(a, b r3.Vector) bool { return a.Sub(b).Norm() < eps }
	return g.Width == o.Width && g.Height == o.Height && g.Depth == o.Depth &&
		math.Abs(g.Dx-o.Dx) < eps && math.Abs(g.Dy-o.Dy) < eps && math.Abs(g.Dz-o.Dz) < eps &&
		near(g.Origin, o.Origin) && near(g.XAxis, o.XAxis) && near(g.YAxis, o.YAxis) && near(g.ZAxis, o.ZAxis)
}

// Round returns the nearest integer to v, rounding halves up. It is the
// voxel rounding used by nearest-neighbour lookups.
func Round(v float64) int {
	return int(math.Floor(v + 0.5))
}
