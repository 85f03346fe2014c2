package models

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
)

func TestGridIndexAndContains(t *testing.T) {
	g := NewGrid(4, 3, 2, 1, 1, 1)

	if g.Size() != 24 {
		t.Errorf("expected 24 voxels, got %d", g.Size())
	}
	if got := g.Index(1, 2, 1); got != 1+2*4+12 {
		t.Errorf("Index(1,2,1) = %d, want %d", got, 1+2*4+12)
	}
	if !g.Contains(3, 2, 1) || g.Contains(4, 0, 0) || g.Contains(0, -1, 0) {
		t.Error("Contains reports wrong bounds")
	}
}

func TestGridWorldRoundTrip(t *testing.T) {
	g := NewGrid(10, 10, 5, 0.5, 0.5, 3)
	g.Origin = r3.Vector{X: -10, Y: 4, Z: 2}
	// Rotate the in-plane axes by 90 degrees
	g.XAxis = r3.Vector{Y: 1}
	g.YAxis = r3.Vector{X: -1}

	p := r3.Vector{X: 2, Y: 3.5, Z: 1}
	w := g.ImageToWorld(p)
	want := r3.Vector{X: -10 - 1.75, Y: 4 + 1, Z: 5}
	if w.Sub(want).Norm() > 1e-12 {
		t.Errorf("ImageToWorld(%v) = %v, want %v", p, w, want)
	}
	if back := g.WorldToImage(w); back.Sub(p).Norm() > 1e-12 {
		t.Errorf("WorldToImage(ImageToWorld(%v)) = %v", p, back)
	}
}

func TestSubGridKeepsPlacement(t *testing.T) {
	g := NewGrid(8, 8, 4, 1, 2, 3)
	sub := g.SubGrid(2, 3, 1, 5, 7, 4)

	if sub.Width != 3 || sub.Height != 4 || sub.Depth != 3 {
		t.Errorf("unexpected sub-grid size %dx%dx%d", sub.Width, sub.Height, sub.Depth)
	}
	a := sub.ImageToWorld(r3.Vector{X: 1, Y: 1, Z: 1})
	b := g.ImageToWorld(r3.Vector{X: 3, Y: 4, Z: 2})
	if a.Sub(b).Norm() > 1e-12 {
		t.Errorf("sub-grid voxel at %v, parent voxel at %v", a, b)
	}
	if sub.SameGeometry(g) {
		t.Error("expected different geometry")
	}
	if !g.SameGeometry(NewGrid(8, 8, 4, 1, 2, 3)) {
		t.Error("expected identical grids to match")
	}
}

func TestRound(t *testing.T) {
	tests := []struct {
		in   float64
		want int
	}{
		{0.49, 0},
		{0.5, 1},
		{-0.5, 0},
		{-0.51, -1},
		{2.5, 3},
	}
	for _, tt := range tests {
		if got := Round(tt.in); got != tt.want {
			t.Errorf("Round(%g) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestVolumeRegionAndClone(t *testing.T) {
	v := NewVolume(NewGrid(4, 4, 3, 1, 1, 1))
	for i := range v.Data {
		v.Data[i] = float64(i)
	}

	r := v.Region(1, 1, 1, 3, 4, 3)
	if r.Width != 2 || r.Height != 3 || r.Depth != 2 {
		t.Fatalf("unexpected region size %dx%dx%d", r.Width, r.Height, r.Depth)
	}
	for z := 0; z < r.Depth; z++ {
		for y := 0; y < r.Height; y++ {
			for x := 0; x < r.Width; x++ {
				if r.At(x, y, z) != v.At(x+1, y+1, z+1) {
					t.Fatalf("region voxel (%d,%d,%d) = %g, want %g", x, y, z, r.At(x, y, z), v.At(x+1, y+1, z+1))
				}
			}
		}
	}

	c := v.Clone()
	c.Set(0, 0, 0, -3)
	if v.At(0, 0, 0) == -3 {
		t.Error("Clone shares storage with the original")
	}
	if lo, hi := c.MinMax(); lo != -3 || hi != 47 {
		t.Errorf("MinMax = (%g, %g), want (-3, 47)", lo, hi)
	}

	c.Fill(2)
	if lo, hi := c.MinMax(); lo != 2 || hi != 2 {
		t.Errorf("expected a filled volume, got range (%g, %g)", lo, hi)
	}

	var empty Volume
	if lo, hi := empty.MinMax(); lo != 0 || hi != 0 || math.IsInf(lo, 0) {
		t.Errorf("expected (0, 0) for an empty volume, got (%g, %g)", lo, hi)
	}
}

func TestSliceValid(t *testing.T) {
	s := Slice{Image: NewVolume(NewGrid(2, 1, 1, 1, 1, 1))}
	s.Image.Data[1] = Padding

	if !s.Valid(0) || s.Valid(1) {
		t.Error("Valid does not honour padding")
	}
}
