// Package kernels holds the numeric kernels of the backend: quantized
// dot products, the tiled and dense matrix multiplies, and the
// elementwise, normalization and positional transforms. All kernels are
// stateless; parallel execution is supplied by the device package.
package kernels

import (
	"encoding/binary"
	"fmt"

	"github.com/tephra-ml/tephra/internal/floatx"
	"github.com/tephra-ml/tephra/internal/quant"
)

// dp4a is the 4-way signed-integer multiply-accumulate: it treats both
// words as four int8 lanes and adds the four lane products to acc.
func dp4a(a, b uint32, acc int32) int32 {
	acc += int32(int8(a)) * int32(int8(b))
	acc += int32(int8(a>>8)) * int32(int8(b>>8))
	acc += int32(int8(a>>16)) * int32(int8(b>>16))
	acc += int32(int8(a>>24)) * int32(int8(b>>24))
	return acc
}

func loadWord(b []byte, i int) uint32 {
	return binary.LittleEndian.Uint32(b[4*i:])
}

// q8Block exposes the i-th Q8_1 block of an activation row: the two
// scale fields and the 8 packed code words.
func q8Block(row []byte, i int) (d, s float32, qs []byte) {
	d, s = quant.Q8_1BlockScale(row, i)
	return d, s, quant.Q8_1BlockQs(row, i)
}

// VecDotQ8_1 computes the dot product of a quantized weight row against a
// Q8_1-encoded activation row of n values. The weight row's length must be
// a multiple of its block size; violations panic.
func VecDotQ8_1(dt quant.DType, wrow, q8row []byte, n int) float32 {
	if n%dt.BlockSize() != 0 {
		panic(fmt.Sprintf("kernels: row length %d not a multiple of %s block size", n, dt))
	}
	switch dt {
	case quant.Q4_0:
		return vecDotQ4_0(wrow, q8row, n)
	case quant.Q4_1:
		return vecDotQ4_1(wrow, q8row, n)
	case quant.Q5_0:
		return vecDotQ5_0(wrow, q8row, n)
	case quant.Q5_1:
		return vecDotQ5_1(wrow, q8row, n)
	case quant.Q8_0:
		return vecDotQ8_0(wrow, q8row, n)
	case quant.Q2_K:
		return vecDotQ2K(wrow, q8row, n)
	case quant.Q3_K:
		return vecDotQ3K(wrow, q8row, n)
	case quant.Q4_K:
		return vecDotQ4K(wrow, q8row, n)
	case quant.Q5_K:
		return vecDotQ5K(wrow, q8row, n)
	case quant.Q6_K:
		return vecDotQ6K(wrow, q8row, n)
	case quant.IQ2:
		return vecDotIQ2(wrow, q8row, n)
	case quant.IQ3:
		return vecDotIQ3(wrow, q8row, n)
	default:
		panic(fmt.Sprintf("kernels: no integer dot kernel for %s", dt))
	}
}

// Q4_0 x Q8_1: sum d4*(q-8)*d8*u = d4*d8*sumi - 8*d4*s8, with the stored
// activation sum folding the -8 bias in one term.
func vecDotQ4_0(wrow, q8row []byte, n int) float32 {
	var total float32
	for b := 0; b < n/quant.QK; b++ {
		blk := wrow[b*quant.Q4_0.BlockBytes():]
		d4 := floatx.FromFP16(floatx.GetFP16(blk))
		qs := blk[2 : 2+quant.QK/2]
		d8, s8, u := q8Block(q8row, b)

		var sumi int32
		for i := 0; i < 4; i++ {
			v := loadWord(qs, i)
			sumi = dp4a(v&0x0F0F0F0F, loadWord(u, i), sumi)
			sumi = dp4a(v>>4&0x0F0F0F0F, loadWord(u, i+4), sumi)
		}
		total += d4*d8*float32(sumi) - 8*d4*s8
	}
	return total
}

// Q4_1 x Q8_1: d4*d8*sumi + m4*s8.
func vecDotQ4_1(wrow, q8row []byte, n int) float32 {
	var total float32
	for b := 0; b < n/quant.QK; b++ {
		blk := wrow[b*quant.Q4_1.BlockBytes():]
		d4 := floatx.FromFP16(floatx.GetFP16(blk))
		m4 := floatx.FromFP16(floatx.GetFP16(blk[2:]))
		qs := blk[4 : 4+quant.QK/2]
		d8, s8, u := q8Block(q8row, b)

		var sumi int32
		for i := 0; i < 4; i++ {
			v := loadWord(qs, i)
			sumi = dp4a(v&0x0F0F0F0F, loadWord(u, i), sumi)
			sumi = dp4a(v>>4&0x0F0F0F0F, loadWord(u, i+4), sumi)
		}
		total += d4*d8*float32(sumi) + m4*s8
	}
	return total
}

// spliceQ5Low merges the 4 low-half high bits of qh into the nibble word
// for values j..j+3: qh bit j lands at byte j's bit 4.
func spliceQ5Low(vl, qh uint32) uint32 {
	v := vl & 0x0F0F0F0F
	v |= qh << 4 & 0x00000010
	v |= qh << 11 & 0x00001000
	v |= qh << 18 & 0x00100000
	v |= qh << 25 & 0x10000000
	return v
}

// spliceQ5High merges the 4 upper-half high bits into the high-nibble
// word for values 16+j..16+j+3: those live at qh bits 16+j onward, so qh
// arrives shifted by the word index only.
func spliceQ5High(vl, qh uint32) uint32 {
	v := vl >> 4 & 0x0F0F0F0F
	v |= qh >> 12 & 0x00000010
	v |= qh >> 5 & 0x00001000
	v |= qh << 2 & 0x00100000
	v |= qh << 9 & 0x10000000
	return v
}

// Q5_0 x Q8_1: d5*d8*sumi - 16*d5*s8.
func vecDotQ5_0(wrow, q8row []byte, n int) float32 {
	var total float32
	for b := 0; b < n/quant.QK; b++ {
		blk := wrow[b*quant.Q5_0.BlockBytes():]
		d5 := floatx.FromFP16(floatx.GetFP16(blk))
		qh := binary.LittleEndian.Uint32(blk[2:6])
		qs := blk[6 : 6+quant.QK/2]
		d8, s8, u := q8Block(q8row, b)

		var sumi int32
		for i := 0; i < 4; i++ {
			vl := loadWord(qs, i)
			h := qh >> uint(4*i)
			sumi = dp4a(spliceQ5Low(vl, h), loadWord(u, i), sumi)
			sumi = dp4a(spliceQ5High(vl, h), loadWord(u, i+4), sumi)
		}
		total += d5*d8*float32(sumi) - 16*d5*s8
	}
	return total
}

// Q5_1 x Q8_1: d5*d8*sumi + m5*s8.
func vecDotQ5_1(wrow, q8row []byte, n int) float32 {
	var total float32
	for b := 0; b < n/quant.QK; b++ {
		blk := wrow[b*quant.Q5_1.BlockBytes():]
		d5 := floatx.FromFP16(floatx.GetFP16(blk))
		m5 := floatx.FromFP16(floatx.GetFP16(blk[2:]))
		qh := binary.LittleEndian.Uint32(blk[4:8])
		qs := blk[8 : 8+quant.QK/2]
		d8, s8, u := q8Block(q8row, b)

		var sumi int32
		for i := 0; i < 4; i++ {
			vl := loadWord(qs, i)
			h := qh >> uint(4*i)
			sumi = dp4a(spliceQ5Low(vl, h), loadWord(u, i), sumi)
			sumi = dp4a(spliceQ5High(vl, h), loadWord(u, i+4), sumi)
		}
		total += d5*d8*float32(sumi) + m5*s8
	}
	return total
}

// Q8_0 x Q8_1: d*d8*sumi.
func vecDotQ8_0(wrow, q8row []byte, n int) float32 {
	var total float32
	for b := 0; b < n/quant.QK; b++ {
		blk := wrow[b*quant.Q8_0.BlockBytes():]
		d := floatx.FromFP16(floatx.GetFP16(blk))
		qs := blk[2 : 2+quant.QK]
		d8, _, u := q8Block(q8row, b)

		var sumi int32
		for i := 0; i < 8; i++ {
			sumi = dp4a(loadWord(qs, i), loadWord(u, i), sumi)
		}
		total += d * d8 * float32(sumi)
	}
	return total
}
