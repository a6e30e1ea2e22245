package quant

import (
	"encoding/binary"
	"math/bits"
	"sync"

	"github.com/tephra-ml/tephra/internal/floatx"
)

// Grid-coded family: values are drawn from a fixed codebook of
// representative 8-value (IQ2) or 4-value (IQ3) vectors, with a shared
// 7+1-bit sign-pattern table and a 4-bit per-group sub-scale. The codebook
// and sign tables are process-wide immutable data, materialized once and
// shared read-only by every kernel that touches these formats.

// IQ2 block layout: d | qs[32]uint16. Each run of 4 code words encodes 32
// values: word0|word1 hold four 8-bit grid indices, word2|word3 hold four
// 7-bit sign selectors plus the 4-bit sub-scale in the top bits.
const (
	iq2DOff    = 0
	iq2QsOff   = 2
	iq2GridMax = 43
)

// IQ3 block layout: d | qs[64] grid indices | sas[32] (8 uint32 words, one
// per 32-value group: four 7-bit sign selectors + 4-bit sub-scale).
const (
	iq3DOff    = 0
	iq3QsOff   = 2
	iq3SasOff  = 2 + QKK/4
	iq3GridMax = 49
)

var (
	gridOnce sync.Once

	// iq2Grid holds 256 codebook vectors of 8 magnitudes each, packed one
	// magnitude per byte. iq3Grid holds 256 vectors of 4 magnitudes.
	iq2Grid [256]uint64
	iq3Grid [256]uint32

	// ksigns maps a 7-bit sign selector to 8 sign bits; the eighth bit is
	// the parity of the selector, so every pattern has even weight.
	ksigns [128]uint8
)

var iq2Alphabet = [3]byte{8, 25, 43}
var iq3Alphabet = [8]byte{3, 7, 13, 19, 25, 33, 41, 49}

func initGrids() {
	gridOnce.Do(func() {
		for i := range ksigns {
			ksigns[i] = uint8(i) | uint8(bits.OnesCount8(uint8(i))&1)<<7
		}
		// Codebook selection is deterministic: a fixed-seed splitmix64
		// stream picks distinct vectors over the format's magnitude
		// alphabet. The exact vectors are arbitrary; encoder and decoder
		// share this one table.
		s := uint64(0x9E3779B97F4A7C15)
		seen := make(map[uint64]bool, 256)
		for i := 0; i < 256; {
			v := splitmix64(&s)
			var g uint64
			for j := 0; j < 8; j++ {
				g |= uint64(iq2Alphabet[(v>>(uint(j)*2))%3]) << (8 * uint(j))
			}
			if !seen[g] {
				seen[g] = true
				iq2Grid[i] = g
				i++
			}
		}
		seen3 := make(map[uint32]bool, 256)
		for i := 0; i < 256; {
			v := splitmix64(&s)
			var g uint32
			for j := 0; j < 4; j++ {
				g |= uint32(iq3Alphabet[(v>>(uint(j)*3))%8]) << (8 * uint(j))
			}
			if !seen3[g] {
				seen3[g] = true
				iq3Grid[i] = g
				i++
			}
		}
	})
}

func splitmix64(s *uint64) uint64 {
	*s += 0x9E3779B97F4A7C15
	z := *s
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

func dequantizeRowIQ2(src []byte, dst []float32, n int) {
	initGrids()
	for b := 0; b < n/QKK; b++ {
		blk := src[b*iq2BlockBytes:]
		d := floatx.FromFP16(floatx.GetFP16(blk[iq2DOff:]))
		qs := blk[iq2QsOff:]
		y := dst[b*QKK:]
		for g := 0; g < QKK/32; g++ {
			w := qs[g*8 : g*8+8]
			auxA := binary.LittleEndian.Uint32(w[0:4])
			auxB := binary.LittleEndian.Uint32(w[4:8])
			db := d * (0.5 + float32(auxB>>28)) * 0.25
			for l := 0; l < 4; l++ {
				grid := iq2Grid[byte(auxA>>(8*uint(l)))]
				signs := ksigns[(auxB>>(7*uint(l)))&127]
				for j := 0; j < 8; j++ {
					v := db * float32(byte(grid>>(8*uint(j))))
					if signs&(1<<uint(j)) != 0 {
						v = -v
					}
					y[g*32+l*8+j] = v
				}
			}
		}
	}
}

func dequantizeRowIQ3(src []byte, dst []float32, n int) {
	initGrids()
	for b := 0; b < n/QKK; b++ {
		blk := src[b*iq3BlockBytes:]
		d := floatx.FromFP16(floatx.GetFP16(blk[iq3DOff:]))
		qs := blk[iq3QsOff : iq3QsOff+QKK/4]
		sas := blk[iq3SasOff:]
		y := dst[b*QKK:]
		for g := 0; g < QKK/32; g++ {
			aux := binary.LittleEndian.Uint32(sas[g*4 : g*4+4])
			db := d * (0.5 + float32(aux>>28)) * 0.5
			for l := 0; l < 4; l++ {
				grid1 := iq3Grid[qs[g*8+2*l]]
				grid2 := iq3Grid[qs[g*8+2*l+1]]
				signs := ksigns[(aux>>(7*uint(l)))&127]
				for j := 0; j < 4; j++ {
					v := db * float32(byte(grid1>>(8*uint(j))))
					if signs&(1<<uint(j)) != 0 {
						v = -v
					}
					y[g*32+l*8+j] = v
				}
				for j := 4; j < 8; j++ {
					v := db * float32(byte(grid2>>(8*uint(j-4))))
					if signs&(1<<uint(j)) != 0 {
						v = -v
					}
					y[g*32+l*8+j] = v
				}
			}
		}
	}
}

// signSelector derives the 7-bit sign selector for an 8-value run. The
// eighth sign is the table's parity bit; when the desired pattern cannot
// meet the parity constraint, the sign of the smallest-magnitude element
// is flipped, which costs the least reconstruction error.
func signSelector(x []float32) uint8 {
	var want uint8
	for j := 0; j < 8; j++ {
		if x[j] < 0 {
			want |= 1 << uint(j)
		}
	}
	low := want & 127
	if ksigns[low] != want {
		jmin := 0
		va := x[0]
		if va < 0 {
			va = -va
		}
		for j := 1; j < 8; j++ {
			a := x[j]
			if a < 0 {
				a = -a
			}
			if a < va {
				va = a
				jmin = j
			}
		}
		want ^= 1 << uint(jmin)
		low = want & 127
	}
	return low
}

func quantizeRowIQ2(src []float32, dst []byte, n int) {
	initGrids()
	for b := 0; b < n/QKK; b++ {
		x := src[b*QKK : b*QKK+QKK]
		blk := dst[b*iq2BlockBytes:]

		// Block scale: largest per-group magnitude mapped to the top
		// sub-scale code against the largest codebook magnitude.
		var maxScale float32
		var groupScale [8]float32
		for g := 0; g < 8; g++ {
			s := amax(x[g*32:g*32+32]) / iq2GridMax
			groupScale[g] = s
			if s > maxScale {
				maxScale = s
			}
		}
		d := maxScale / (15.5 * 0.25)
		dh := floatx.ToFP16(d)
		floatx.PutFP16(blk[iq2DOff:], dh)
		d = floatx.FromFP16(dh)

		qs := blk[iq2QsOff:]
		for g := 0; g < 8; g++ {
			s4 := 0
			if d != 0 {
				s4 = clampInt(roundf(groupScale[g]/(d*0.25)-0.5), 0, 15)
			}
			db := d * (0.5 + float32(s4)) * 0.25

			var auxA, auxB uint32
			auxB = uint32(s4) << 28
			for l := 0; l < 4; l++ {
				run := x[g*32+l*8 : g*32+l*8+8]
				sel := signSelector(run)
				signs := ksigns[sel]
				idx := nearestIQ2(run, signs, db)
				auxA |= uint32(idx) << (8 * uint(l))
				auxB |= uint32(sel) << (7 * uint(l))
			}
			binary.LittleEndian.PutUint32(qs[g*8:], auxA)
			binary.LittleEndian.PutUint32(qs[g*8+4:], auxB)
		}
	}
}

func nearestIQ2(x []float32, signs uint8, db float32) int {
	best, bestErr := 0, float32(0)
	for c := 0; c < 256; c++ {
		grid := iq2Grid[c]
		var err float32
		for j := 0; j < 8; j++ {
			v := db * float32(byte(grid>>(8*uint(j))))
			if signs&(1<<uint(j)) != 0 {
				v = -v
			}
			diff := x[j] - v
			err += diff * diff
		}
		if c == 0 || err < bestErr {
			best, bestErr = c, err
		}
	}
	return best
}

func quantizeRowIQ3(src []float32, dst []byte, n int) {
	initGrids()
	for b := 0; b < n/QKK; b++ {
		x := src[b*QKK : b*QKK+QKK]
		blk := dst[b*iq3BlockBytes:]

		var maxScale float32
		var groupScale [8]float32
		for g := 0; g < 8; g++ {
			s := amax(x[g*32:g*32+32]) / iq3GridMax
			groupScale[g] = s
			if s > maxScale {
				maxScale = s
			}
		}
		d := maxScale / (15.5 * 0.5)
		dh := floatx.ToFP16(d)
		floatx.PutFP16(blk[iq3DOff:], dh)
		d = floatx.FromFP16(dh)

		qs := blk[iq3QsOff : iq3QsOff+QKK/4]
		sas := blk[iq3SasOff:]
		for g := 0; g < 8; g++ {
			s4 := 0
			if d != 0 {
				s4 = clampInt(roundf(groupScale[g]/(d*0.5)-0.5), 0, 15)
			}
			db := d * (0.5 + float32(s4)) * 0.5

			aux := uint32(s4) << 28
			for l := 0; l < 4; l++ {
				run := x[g*32+l*8 : g*32+l*8+8]
				sel := signSelector(run)
				signs := ksigns[sel]
				qs[g*8+2*l] = byte(nearestIQ3(run[:4], signs, db))
				qs[g*8+2*l+1] = byte(nearestIQ3(run[4:], signs>>4, db))
				aux |= uint32(sel) << (7 * uint(l))
			}
			binary.LittleEndian.PutUint32(sas[g*4:], aux)
		}
	}
}

func nearestIQ3(x []float32, signs uint8, db float32) int {
	best, bestErr := 0, float32(0)
	for c := 0; c < 256; c++ {
		grid := iq3Grid[c]
		var err float32
		for j := 0; j < 4; j++ {
			v := db * float32(byte(grid>>(8*uint(j))))
			if signs&(1<<uint(j)) != 0 {
				v = -v
			}
			diff := x[j] - v
			err += diff * diff
		}
		if c == 0 || err < bestErr {
			best, bestErr = c, err
		}
	}
	return best
}
