package device

// WarpSize is the lane width of one reduction wave. Work-groups wider
// than a warp stage partial results through shared scratch.
const WarpSize = 32

// WorkGroup is one group of a launched grid: a lane count, the group's
// position within the grid, and a shared scratch area. The SIMT execution
// of lanes is rendered as host loops over lane indices; the butterfly
// reduction helpers keep the lane-exchange structure of the hardware
// shuffle explicit.
type WorkGroup struct {
	Grid    Dim3
	Group   Dim3
	Lanes   int
	scratch []float32
}

// Scratch returns the group-shared scratch slice, sized at launch.
func (w *WorkGroup) Scratch() []float32 { return w.scratch }

// ShuffleXorSum reduces per-lane values with an XOR-pair butterfly: at
// each step every lane accumulates the value of the lane whose index
// differs in one bit, so all lanes converge on the total. len(vals) must
// be a power of two.
func ShuffleXorSum(vals []float32) float32 {
	if len(vals)&(len(vals)-1) != 0 {
		panic("device: butterfly reduction needs a power-of-two lane count")
	}
	for mask := len(vals) / 2; mask > 0; mask /= 2 {
		for lane := 0; lane < mask; lane++ {
			t := vals[lane] + vals[lane^mask]
			vals[lane] = t
			vals[lane^mask] = t
		}
	}
	return vals[0]
}

// ShuffleXorMax is the max-reduction butterfly.
func ShuffleXorMax(vals []float32) float32 {
	if len(vals)&(len(vals)-1) != 0 {
		panic("device: butterfly reduction needs a power-of-two lane count")
	}
	for mask := len(vals) / 2; mask > 0; mask /= 2 {
		for lane := 0; lane < mask; lane++ {
			a, b := vals[lane], vals[lane^mask]
			if b > a {
				a = b
			}
			vals[lane] = a
			vals[lane^mask] = a
		}
	}
	return vals[0]
}

// ReduceSum combines the group's per-lane partials: warp-level butterfly
// per WarpSize wave, then a second pass across wave leaders through the
// shared scratch when the group is wider than one warp.
func (w *WorkGroup) ReduceSum(lanes []float32) float32 {
	if len(lanes) <= WarpSize {
		return ShuffleXorSum(lanes)
	}
	waves := (len(lanes) + WarpSize - 1) / WarpSize
	if len(w.scratch) < waves {
		panic("device: scratch too small for cross-warp reduction")
	}
	for v := 0; v < waves; v++ {
		end := (v + 1) * WarpSize
		if end > len(lanes) {
			end = len(lanes)
		}
		w.scratch[v] = ShuffleXorSum(lanes[v*WarpSize : end])
	}
	var total float32
	for v := 0; v < waves; v++ {
		total += w.scratch[v]
	}
	return total
}
