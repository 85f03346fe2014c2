package models

import "math"

// Volume is a dense scalar field sampled on a Grid. Data is stored in
// row-major order (x fastest, then y, then z).
type Volume struct {
	Grid
	Data []float64
}

// NewVolume allocates a zero-filled volume on the given grid.
func NewVolume(g Grid) *Volume {
	return &Volume{Grid: g, Data: make([]float64, g.Size())}
}

// At returns the value of voxel (x,y,z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set assigns the value of voxel (x,y,z).
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// Fill assigns value to every voxel.
func (v *Volume) Fill(value float64) {
	for i := range v.Data {
		v.Data[i] = value
	}
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	c := &Volume{Grid: v.Grid, Data: make([]float64, len(v.Data))}
	copy(c.Data, v.Data)
	return c
}

// Region copies voxels [x0,x1) x [y0,y1) x [z0,z1) into a new volume that
// keeps their world placement.
func (v *Volume) Region(x0, y0, z0, x1, y1, z1 int) *Volume {
	out := NewVolume(v.SubGrid(x0, y0, z0, x1, y1, z1))
	for z := z0; z < z1; z++ {
		for y := y0; y < y1; y++ {
			src := v.Index(x0, y, z)
			dst := out.Index(0, y-y0, z-z0)
			copy(out.Data[dst:dst+out.Width], v.Data[src:src+out.Width])
		}
	}
	return out
}

// MinMax returns the smallest and largest voxel values. An empty volume
// returns (0, 0).
func (v *Volume) MinMax() (min, max float64) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	min, max = math.Inf(1), math.Inf(-1)
	for _, val := range v.Data {
		if val < min {
			min = val
		}
		if val > max {
			max = val
		}
	}
	return min, max
}
