package reconstruction

import (
	"context"
	"fmt"

	"github.com/golang/geo/r3"

	"svrrecon/internal/models"
	"svrrecon/pkg/rigid"
)

// RegistrationMode selects the parameter heuristics of a registration.
type RegistrationMode int

const (
	// StackMode aligns whole thick-slice stacks to the template stack
	StackMode RegistrationMode = iota
	// SliceMode aligns a single slice to the reconstructed volume
	SliceMode
)

func (m RegistrationMode) String() string {
	switch m {
	case StackMode:
		return "stack"
	case SliceMode:
		return "slice"
	default:
		return fmt.Sprintf("RegistrationMode(%d)", int(m))
	}
}

// RegistrationOptions configures one registration call.
type RegistrationOptions struct {
	Mode RegistrationMode
	// TargetPadding marks target voxels ignored by the similarity measure
	TargetPadding float64
}

// Registerer computes the rigid transformation aligning source to target,
// starting from initial. The returned transformation maps target world
// coordinates to source world coordinates.
type Registerer interface {
	Register(ctx context.Context, target, source *models.Volume, initial rigid.Transform, opts RegistrationOptions) (rigid.Transform, error)
}

// IdentityRegisterer keeps the initial transformation. It is used when the
// inputs are already aligned or alignment is computed elsewhere.
type IdentityRegisterer struct{}

// Register returns initial unchanged.
func (IdentityRegisterer) Register(ctx context.Context, _, _ *models.Volume, initial rigid.Transform, _ RegistrationOptions) (rigid.Transform, error) {
	if err := ctx.Err(); err != nil {
		return rigid.Transform{}, err
	}
	return initial, nil
}

// maskLookup returns the mask value at a world position, or 0 outside the
// mask grid.
func (r *Reconstructor) maskLookup(w r3.Vector) float64 {
	p := r.mask.WorldToImage(w)
	x, y, z := models.Round(p.X), models.Round(p.Y), models.Round(p.Z)
	if !r.mask.Contains(x, y, z) {
		return 0
	}
	return r.mask.At(x, y, z)
}

// StackRegistrations registers every stack except the template to the
// template stack. When a mask is set, the template is zeroed outside it.
func (r *Reconstructor) StackRegistrations(ctx context.Context, stacks []*models.Volume, transforms []rigid.Transform, templateNumber int) error {
	if len(stacks) != len(transforms) || templateNumber < 0 || templateNumber >= len(stacks) {
		return fmt.Errorf("%w: %d stacks, %d transformations, template %d", ErrInvalidInput, len(stacks), len(transforms), templateNumber)
	}

	target := stacks[templateNumber].Clone()
	if r.haveMask {
		for z := 0; z < target.Depth; z++ {
			for y := 0; y < target.Height; y++ {
				for x := 0; x < target.Width; x++ {
					w := target.ImageToWorld(r3.Vector{X: float64(x), Y: float64(y), Z: float64(z)})
					if r.maskLookup(w) == 0 {
						target.Set(x, y, z, 0)
					}
				}
			}
		}
	}

	for i := range stacks {
		if i == templateNumber {
			continue
		}
		t, err := r.params.Registerer.Register(ctx, target, stacks[i], transforms[i], RegistrationOptions{Mode: StackMode, TargetPadding: 0})
		if err != nil {
			return fmt.Errorf("registering stack %d: %w", i, err)
		}
		transforms[i] = t
		r.log.Debug("stack registered", "stack", i, "transformation", t.String())

		if r.debug {
			r.writeDebugTransform(fmt.Sprintf("stack-transformation%d.yaml", i), t)
		}
	}
	return nil
}

// InvertStackTransformations replaces every transformation by its inverse.
func (r *Reconstructor) InvertStackTransformations(transforms []rigid.Transform) error {
	for i := range transforms {
		inv, err := transforms[i].Invert()
		if err != nil {
			return fmt.Errorf("stack %d: %w", i, err)
		}
		transforms[i] = inv
	}
	return nil
}

// MatchStackIntensities rescales every stack so that its mean intensity
// inside the mask equals averageValue. Only positive voxels are rescaled.
// transforms map stack world coordinates into template space.
func (r *Reconstructor) MatchStackIntensities(stacks []*models.Volume, transforms []rigid.Transform, averageValue float64) error {
	if !r.haveMask {
		return fmt.Errorf("matching intensities: %w", ErrNoTemplate)
	}
	if len(stacks) != len(transforms) {
		return fmt.Errorf("%w: %d stacks, %d transformations", ErrInvalidInput, len(stacks), len(transforms))
	}

	averages := make([]float64, len(stacks))
	for ind, stack := range stacks {
		a := transforms[ind].Affine()
		sum, num := 0.0, 0
		for z := 0; z < stack.Depth; z++ {
			for y := 0; y < stack.Height; y++ {
				for x := 0; x < stack.Width; x++ {
					w := a.Apply(stack.ImageToWorld(r3.Vector{X: float64(x), Y: float64(y), Z: float64(z)}))
					if r.maskLookup(w) == 1 {
						sum += stack.At(x, y, z)
						num++
					}
				}
			}
		}
		if num == 0 {
			return fmt.Errorf("stack %d: %w", ind, ErrNoROIOverlap)
		}
		averages[ind] = sum / float64(num)
	}
	r.log.Debug("stack average intensities", "averages", averages, "target", averageValue)

	for ind, stack := range stacks {
		factor := averageValue / averages[ind]
		for i, v := range stack.Data {
			if v > 0 {
				stack.Data[i] = v * factor
			}
		}
		if r.debug {
			r.writeDebug(fmt.Sprintf("rescaled-stack%d.nii.gz", ind), stack)
		}
	}
	return nil
}

// CreateSlicesAndTransformations cuts every stack into single-plane slices
// of the given thickness. Each slice starts with its stack transformation.
func (r *Reconstructor) CreateSlicesAndTransformations(stacks []*models.Volume, transforms []rigid.Transform, thickness []float64) error {
	if len(stacks) != len(transforms) || len(stacks) != len(thickness) {
		return fmt.Errorf("%w: %d stacks, %d transformations, %d thicknesses",
			ErrInvalidInput, len(stacks), len(transforms), len(thickness))
	}

	r.slices = r.slices[:0]
	r.transforms = r.transforms[:0]
	for i, stack := range stacks {
		for j := 0; j < stack.Depth; j++ {
			img := stack.Region(0, 0, j, stack.Width, stack.Height, j+1)
			img.Dz = thickness[i]
			r.slices = append(r.slices, models.Slice{
				Image:     img,
				Stack:     i,
				Index:     j,
				Thickness: thickness[i],
			})
			r.transforms = append(r.transforms, transforms[i])
		}
	}
	r.coeffs = nil
	r.states = nil
	r.log.Info("created slices", "slices", len(r.slices))
	return nil
}

// MaskSlices pads every slice voxel whose centre falls outside the mask.
func (r *Reconstructor) MaskSlices() {
	if !r.haveMask {
		r.log.Warn("could not mask slices because no mask has been set")
		return
	}

	for idx := range r.slices {
		img := r.slices[idx].Image
		a := r.transforms[idx].Affine()
		for y := 0; y < img.Height; y++ {
			for x := 0; x < img.Width; x++ {
				w := a.Apply(img.ImageToWorld(r3.Vector{X: float64(x), Y: float64(y)}))
				if r.maskLookup(w) == 0 {
					img.Set(x, y, 0, models.Padding)
				}
			}
		}
	}
	r.log.Info("masked slices", "slices", len(r.slices))
}

// SliceToVolumeRegistration realigns every slice that carries data to the
// current volume estimate.
func (r *Reconstructor) SliceToVolumeRegistration(ctx context.Context) error {
	if !r.templateCreated {
		return fmt.Errorf("slice registration: %w", ErrNoTemplate)
	}

	for idx := range r.slices {
		if err := ctx.Err(); err != nil {
			return err
		}
		img := r.slices[idx].Image
		if _, max := img.MinMax(); max <= models.Padding {
			continue
		}
		t, err := r.params.Registerer.Register(ctx, img, r.reconstructed, r.transforms[idx], RegistrationOptions{Mode: SliceMode, TargetPadding: models.Padding})
		if err != nil {
			return fmt.Errorf("registering slice %d: %w", idx, err)
		}
		r.transforms[idx] = t
	}
	return nil
}
