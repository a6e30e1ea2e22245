package device

// RowSplit shards a weight tensor's rows across devices: boundaries[i] is
// the first row owned by device i, boundaries[D] equals the row count.
// Boundaries are multiples of the format's row alignment so no device's
// shard splits a quantization super-block. Computed once when the tensor
// is assigned to split storage; immutable afterwards.
type RowSplit struct {
	boundaries []int
}

// MakeRowSplit derives the split table from per-device capacity ratios.
// ratios need not be normalized; non-positive entries exclude a device
// from the shard. rowAlign must be at least 1.
func MakeRowSplit(nrows int, ratios []float32, rowAlign int) RowSplit {
	if rowAlign < 1 {
		panic("device: row alignment must be positive")
	}
	if nrows%rowAlign != 0 {
		panic("device: row count not aligned to the format's row alignment")
	}
	var total float64
	for _, r := range ratios {
		if r > 0 {
			total += float64(r)
		}
	}
	b := make([]int, len(ratios)+1)
	if total == 0 {
		// everything on device 0
		for i := 1; i <= len(ratios); i++ {
			b[i] = nrows
		}
		return RowSplit{boundaries: b}
	}
	var acc float64
	for i, r := range ratios {
		if r > 0 {
			acc += float64(r)
		}
		row := int(acc / total * float64(nrows))
		row -= row % rowAlign
		if row < b[i] {
			row = b[i]
		}
		b[i+1] = row
	}
	b[len(ratios)] = nrows
	return RowSplit{boundaries: b}
}

// Devices returns the number of shards.
func (s RowSplit) Devices() int { return len(s.boundaries) - 1 }

// Range returns the half-open row range owned by device i.
func (s RowSplit) Range(i int) (lo, hi int) {
	return s.boundaries[i], s.boundaries[i+1]
}

// Rows returns the total row count the table spans.
func (s RowSplit) Rows() int { return s.boundaries[len(s.boundaries)-1] }

// Owner returns the device owning the given row.
func (s RowSplit) Owner(row int) int {
	for i := 0; i < s.Devices(); i++ {
		if row < s.boundaries[i+1] {
			return i
		}
	}
	return s.Devices() - 1
}
