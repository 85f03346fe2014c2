package filters

import (
	"math"
	"testing"

	"svrrecon/internal/models"
)

func TestGaussianKernelIsNormalised(t *testing.T) {
	for _, sigma := range []float64{0.5, 1, 2.5} {
		k := GaussianKernel(sigma)
		if len(k)%2 != 1 {
			t.Errorf("sigma %.1f: kernel length %d is even", sigma, len(k))
		}
		sum := 0.0
		for _, w := range k {
			sum += w
		}
		if math.Abs(sum-1) > 1e-12 {
			t.Errorf("sigma %.1f: kernel sums to %f", sigma, sum)
		}
		if k[len(k)/2] < k[0] {
			t.Errorf("sigma %.1f: kernel is not peaked at the centre", sigma)
		}
	}
}

func TestGaussianBlurPreservesConstant(t *testing.T) {
	v := models.NewVolume(models.NewGrid(9, 7, 5, 1, 1, 2))
	v.Fill(3.5)
	GaussianBlur(v, 2)
	for i, val := range v.Data {
		if math.Abs(val-3.5) > 1e-9 {
			t.Fatalf("voxel %d: expected 3.5, got %f", i, val)
		}
	}
}

func TestGaussianBlurSpreadsImpulseInPlane(t *testing.T) {
	// Single-plane image: only x and y are blurred. The kernel radius is 4,
	// so no row renormalised at the border reaches the impulse.
	v := models.NewVolume(models.NewGrid(21, 21, 1, 1, 1, 3))
	v.Set(10, 10, 0, 1)
	GaussianBlur(v, 1)

	sum := 0.0
	for _, val := range v.Data {
		sum += val
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("blurred impulse mass = %f, want 1", sum)
	}
	if v.At(10, 10, 0) >= 1 || v.At(11, 10, 0) <= 0 {
		t.Errorf("impulse not spread: centre %f, neighbour %f", v.At(10, 10, 0), v.At(11, 10, 0))
	}
	if math.Abs(v.At(9, 10, 0)-v.At(10, 9, 0)) > 1e-12 {
		t.Error("blur is not isotropic for equal spacing")
	}
	if math.Abs(v.At(7, 12, 0)-v.At(13, 8, 0)) > 1e-12 {
		t.Error("blur is not symmetric about the impulse")
	}
}

func TestGaussianBlurRenormalisesAtBorder(t *testing.T) {
	// An impulse next to the border gains mass from the truncated kernels
	v := models.NewVolume(models.NewGrid(11, 1, 1, 1, 1, 1))
	v.Set(1, 0, 0, 1)
	GaussianBlur(v, 1)

	sum := 0.0
	for _, val := range v.Data {
		sum += val
	}
	if sum <= 1 {
		t.Errorf("expected border renormalisation to increase the mass, got %f", sum)
	}
}

func TestGaussianBlurZeroSigmaIsNoop(t *testing.T) {
	v := models.NewVolume(models.NewGrid(4, 4, 1, 1, 1, 1))
	v.Set(1, 1, 0, 5)
	GaussianBlur(v, 0)
	if v.At(1, 1, 0) != 5 {
		t.Errorf("expected unchanged voxel, got %f", v.At(1, 1, 0))
	}
}
