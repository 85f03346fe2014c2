package visualization

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"svrrecon/internal/models"
)

// createTestVolume creates a volume filled by fn
func createTestVolume(width, height, depth int, fn func(x, y, z int) float64) *models.Volume {
	vol := models.NewVolume(models.NewGrid(width, height, depth, 1, 1, 1))
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				vol.Set(x, y, z, fn(x, y, z))
			}
		}
	}
	return vol
}

// TestNewViewerWindow verifies that the window ignores background voxels
func TestNewViewerWindow(t *testing.T) {
	vol := createTestVolume(4, 4, 2, func(x, _, _ int) float64 { return 100 + float64(x) })
	vol.Set(0, 0, 0, -1)

	lo, hi := NewViewer(vol, -1).Window()
	if lo != 100 || hi != 103 {
		t.Errorf("Expected window [100,103], got [%g,%g]", lo, hi)
	}

	empty := createTestVolume(2, 2, 1, func(int, int, int) float64 { return -1 })
	lo, hi = NewViewer(empty, -1).Window()
	if lo != 0 || hi != 1 {
		t.Errorf("Expected default window [0,1], got [%g,%g]", lo, hi)
	}
}

// TestExtractSlice verifies that planes are correctly extracted from the volume
func TestExtractSlice(t *testing.T) {
	width, height, depth := 10, 8, 5

	// Each plane along Z has a unique value
	vol := createTestVolume(width, height, depth, func(_, _, z int) float64 { return float64(z) })
	viewer := NewViewer(vol, -1)

	for z := 0; z < depth; z++ {
		img, err := viewer.ExtractSlice("z", z)
		if err != nil {
			t.Fatalf("Failed to extract Z slice at position %d: %v", z, err)
		}

		bounds := img.Bounds()
		if bounds.Dx() != width || bounds.Dy() != height {
			t.Errorf("Expected Z slice dimensions %dx%d, got %dx%d",
				width, height, bounds.Dx(), bounds.Dy())
		}

		gray16Img, ok := img.(*image.Gray16)
		if !ok {
			t.Fatalf("Expected *image.Gray16, got %T", img)
		}
		expected := uint16(float64(z) / float64(depth-1) * 65535)
		got := gray16Img.Gray16At(width/2, height/2).Y
		if diff := int(got) - int(expected); diff > 1 || diff < -1 {
			t.Errorf("Expected Z slice value ~%d at center, got %d", expected, got)
		}
	}

	imgX, err := viewer.ExtractSlice("x", width/2)
	if err != nil {
		t.Fatalf("Failed to extract X slice: %v", err)
	}
	if b := imgX.Bounds(); b.Dx() != depth || b.Dy() != height {
		t.Errorf("Expected X slice dimensions %dx%d, got %dx%d", depth, height, b.Dx(), b.Dy())
	}

	imgY, err := viewer.ExtractSlice("y", height/2)
	if err != nil {
		t.Fatalf("Failed to extract Y slice: %v", err)
	}
	if b := imgY.Bounds(); b.Dx() != width || b.Dy() != depth {
		t.Errorf("Expected Y slice dimensions %dx%d, got %dx%d", width, depth, b.Dx(), b.Dy())
	}

	if _, err := viewer.ExtractSlice("invalid", 0); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
	if _, err := viewer.ExtractSlice("z", depth+1); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
	if _, err := viewer.ExtractSlice("x", -1); err == nil {
		t.Error("Expected error for negative position, got nil")
	}
}

// TestWindowClamps verifies that values outside the window saturate
func TestWindowClamps(t *testing.T) {
	vol := createTestVolume(3, 1, 1, func(x, _, _ int) float64 { return float64(x) * 10 })
	viewer := NewViewer(vol, -1)
	viewer.SetWindow(5, 15)

	img, err := viewer.ExtractSlice("z", 0)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}
	g := img.(*image.Gray16)
	want := []uint16{0, 32768, 65535}
	for x, w := range want {
		if got := g.Gray16At(x, 0).Y; got != w {
			t.Errorf("pixel %d: expected %d, got %d", x, w, got)
		}
	}
}

// TestSaveSliceSequence verifies that a sequence of slices can be saved
func TestSaveSliceSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	tempDir := t.TempDir()
	vol := createTestVolume(5, 5, 3, func(x, _, _ int) float64 { return float64(x) })
	viewer := NewViewer(vol, -1)

	outputDir := filepath.Join(tempDir, "slices")
	if err := viewer.SaveSliceSequence("z", outputDir); err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}
	for z := 0; z < 3; z++ {
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_z_%03d.jpg", z))
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			t.Errorf("Expected slice file does not exist: %s", filename)
		}
	}

	if err := viewer.SaveSliceSequence("invalid", outputDir); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
}

// TestSaveOrthogonalViews verifies the lossless preview export
func TestSaveOrthogonalViews(t *testing.T) {
	tempDir := t.TempDir()
	vol := createTestVolume(6, 4, 2, func(x, y, _ int) float64 { return float64(x + y) })

	paths, err := NewViewer(vol, -1).SaveOrthogonalViews(tempDir, "preview")
	if err != nil {
		t.Fatalf("Failed to save views: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("Expected 3 views, got %d", len(paths))
	}

	f, err := os.Open(filepath.Join(tempDir, "preview_z.png"))
	if err != nil {
		t.Fatalf("Failed to open view: %v", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("Failed to decode view: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 6 || b.Dy() != 4 {
		t.Errorf("Expected a 6x4 view, got %dx%d", b.Dx(), b.Dy())
	}
}
