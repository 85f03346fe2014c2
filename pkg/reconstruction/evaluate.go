package reconstruction

// MaskVolume sets every voxel outside the mask to -1.
func (r *Reconstructor) MaskVolume() {
	if r.mask == nil || r.reconstructed == nil {
		return
	}
	for i, m := range r.mask.Data {
		if m == 0 {
			r.reconstructed.Data[i] = -1
		}
	}
}

// Evaluation classifies the slices after a reconstruction pass.
type Evaluation struct {
	Iteration int
	// Included slices overlap the mask and are inliers
	Included []int
	// Excluded slices overlap the mask and are outliers
	Excluded []int
	// Outside slices do not overlap the mask
	Outside []int
}

// Evaluate reports which slices are included in, excluded from or outside
// the reconstruction and logs the counts.
func (r *Reconstructor) Evaluate(iter int) Evaluation {
	ev := Evaluation{Iteration: iter}
	for i := range r.slices {
		inside := r.coeffs != nil && r.coeffs.Slices[i].Inside
		switch {
		case !inside:
			ev.Outside = append(ev.Outside, i)
		case r.states[i].weight >= 0.5:
			ev.Included = append(ev.Included, i)
		default:
			ev.Excluded = append(ev.Excluded, i)
		}
	}

	r.log.Info("evaluation",
		"iteration", iter,
		"included", len(ev.Included),
		"excluded", len(ev.Excluded),
		"outside", len(ev.Outside))
	if len(ev.Excluded) > 0 {
		r.log.Debug("excluded slices", "iteration", iter, "slices", ev.Excluded)
	}
	return ev
}
