package models

// Slice represents a single acquired plane cut out of an input stack
type Slice struct {
	// Image holds the slice intensities on a single-plane grid. Voxels
	// holding Padding are excluded from reconstruction.
	Image *Volume

	// Stack is the index of the stack the slice was taken from
	Stack int

	// Index is the position of this slice within its stack
	Index int

	// Thickness is the physical slice thickness in mm
	Thickness float64
}

// Padding marks slice voxels that take no part in reconstruction.
const Padding = -1.0

// Valid reports whether flat voxel i of the slice carries data.
func (s *Slice) Valid(i int) bool {
	return s.Image.Data[i] != Padding
}
