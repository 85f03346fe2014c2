// Package rigid implements rigid-body transformations of 3D world space:
// a rotation followed by a translation, parameterised by three translations
// in mm and three rotation angles in degrees.
package rigid

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Transform is a rigid transformation. The rotation is applied about the
// world origin as Rz*Ry*Rx, followed by the translation.
type Transform struct {
	Tx float64 `yaml:"tx"`
	Ty float64 `yaml:"ty"`
	Tz float64 `yaml:"tz"`
	Rx float64 `yaml:"rx"`
	Ry float64 `yaml:"ry"`
	Rz float64 `yaml:"rz"`
}

// Identity returns the identity transformation.
func Identity() Transform {
	return Transform{}
}

// Affine is the 3x4 upper part of a homogeneous rigid matrix. It is the
// form used when the same transformation is applied to many points.
type Affine [3][4]float64

// Apply maps p through the affine matrix.
func (a *Affine) Apply(p r3.Vector) r3.Vector {
	return r3.Vector{
		X: a[0][0]*p.X + a[0][1]*p.Y + a[0][2]*p.Z + a[0][3],
		Y: a[1][0]*p.X + a[1][1]*p.Y + a[1][2]*p.Z + a[1][3],
		Z: a[2][0]*p.X + a[2][1]*p.Y + a[2][2]*p.Z + a[2][3],
	}
}

// Affine returns the 3x4 matrix of the transformation.
func (t Transform) Affine() Affine {
	rx := t.Rx * math.Pi / 180
	ry := t.Ry * math.Pi / 180
	rz := t.Rz * math.Pi / 180
	sa, ca := math.Sincos(rx)
	sb, cb := math.Sincos(ry)
	sg, cg := math.Sincos(rz)

	return Affine{
		{cb * cg, cg*sa*sb - ca*sg, ca*cg*sb + sa*sg, t.Tx},
		{cb * sg, ca*cg + sa*sb*sg, ca*sb*sg - cg*sa, t.Ty},
		{-sb, cb * sa, ca * cb, t.Tz},
	}
}

// Apply maps the world point p through the transformation.
func (t Transform) Apply(p r3.Vector) r3.Vector {
	a := t.Affine()
	return a.Apply(p)
}

// Matrix returns the 4x4 homogeneous matrix of the transformation.
func (t Transform) Matrix() *mat.Dense {
	a := t.Affine()
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			m.Set(i, j, a[i][j])
		}
	}
	m.Set(3, 3, 1)
	return m
}

// FromMatrix recovers the parameters of a rigid homogeneous matrix. The
// matrix must be 4x4 with an orthonormal rotation block.
func FromMatrix(m mat.Matrix) (Transform, error) {
	r, c := m.Dims()
	if r != 4 || c != 4 {
		return Transform{}, fmt.Errorf("rigid matrix must be 4x4, got %dx%d", r, c)
	}

	t := Transform{
		Tx: m.At(0, 3),
		Ty: m.At(1, 3),
		Tz: m.At(2, 3),
	}

	// Decompose R = Rz*Ry*Rx
	cb := math.Hypot(m.At(0, 0), m.At(1, 0))
	ry := math.Atan2(-m.At(2, 0), cb)
	var rx, rz float64
	if cb > 1e-9 {
		rx = math.Atan2(m.At(2, 1), m.At(2, 2))
		rz = math.Atan2(m.At(1, 0), m.At(0, 0))
	} else {
		// Gimbal lock: only rx-rz is determined
		rx = math.Atan2(-m.At(1, 2), m.At(1, 1))
		rz = 0
	}

	t.Rx = rx * 180 / math.Pi
	t.Ry = ry * 180 / math.Pi
	t.Rz = rz * 180 / math.Pi
	return t, nil
}

// Invert returns the inverse transformation.
func (t Transform) Invert() (Transform, error) {
	var inv mat.Dense
	if err := inv.Inverse(t.Matrix()); err != nil {
		return Transform{}, fmt.Errorf("inverting rigid transformation: %w", err)
	}
	return FromMatrix(&inv)
}

// Compose returns the transformation that applies b first and then a.
func Compose(a, b Transform) Transform {
	var m mat.Dense
	m.Mul(a.Matrix(), b.Matrix())
	// A product of rigid matrices is always rigid and 4x4
	t, _ := FromMatrix(&m)
	return t
}

// IsIdentity reports whether the transformation leaves every point in
// place up to a small tolerance.
func (t Transform) IsIdentity() bool {
	const eps = 1e-9
	for _, v := range []float64{t.Tx, t.Ty, t.Tz, t.Rx, t.Ry, t.Rz} {
		if math.Abs(v) > eps {
			return false
		}
	}
	return true
}

// String formats the parameters for log output.
func (t Transform) String() string {
	return fmt.Sprintf("t=(%.3f, %.3f, %.3f) r=(%.3f, %.3f, %.3f)", t.Tx, t.Ty, t.Tz, t.Rx, t.Ry, t.Rz)
}
