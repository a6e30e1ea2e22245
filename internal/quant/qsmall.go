package quant

import (
	"encoding/binary"

	"github.com/tephra-ml/tephra/internal/floatx"
)

// Small-block family: 32 values per block, one or two fp16 scale factors,
// nibble-packed codes. The nibble layout pairs value j with value j+16 in
// one byte (low nibble j, high nibble j+16) so the dot kernels can unpack
// four lanes per 32-bit load.

func dequantizeRowQ4_0(src []byte, dst []float32, n int) {
	for b := 0; b < n/QK; b++ {
		blk := src[b*q4_0BlockBytes:]
		d := floatx.FromFP16(floatx.GetFP16(blk))
		qs := blk[2 : 2+QK/2]
		y := dst[b*QK:]
		for j := 0; j < QK/2; j++ {
			y[j] = d * float32(int(qs[j]&0x0F)-8)
			y[j+QK/2] = d * float32(int(qs[j]>>4)-8)
		}
	}
}

func quantizeRowQ4_0(src []float32, dst []byte, n int) {
	for b := 0; b < n/QK; b++ {
		x := src[b*QK : b*QK+QK]
		blk := dst[b*q4_0BlockBytes:]

		// Keep the sign of the largest-magnitude value so the code for it
		// lands exactly on -8.
		var amax, max float32
		for _, v := range x {
			a := v
			if a < 0 {
				a = -a
			}
			if a > amax {
				amax = a
				max = v
			}
		}
		d := max / -8
		var id float32
		if d != 0 {
			id = 1 / d
		}
		dh := floatx.ToFP16(d)
		floatx.PutFP16(blk, dh)
		d = floatx.FromFP16(dh)
		if d != 0 {
			id = 1 / d
		}

		qs := blk[2 : 2+QK/2]
		for j := 0; j < QK/2; j++ {
			q0 := clampInt(roundf(x[j]*id)+8, 0, 15)
			q1 := clampInt(roundf(x[j+QK/2]*id)+8, 0, 15)
			qs[j] = byte(q0) | byte(q1)<<4
		}
	}
}

func dequantizeRowQ4_1(src []byte, dst []float32, n int) {
	for b := 0; b < n/QK; b++ {
		blk := src[b*q4_1BlockBytes:]
		d := floatx.FromFP16(floatx.GetFP16(blk))
		m := floatx.FromFP16(floatx.GetFP16(blk[2:]))
		qs := blk[4 : 4+QK/2]
		y := dst[b*QK:]
		for j := 0; j < QK/2; j++ {
			y[j] = d*float32(qs[j]&0x0F) + m
			y[j+QK/2] = d*float32(qs[j]>>4) + m
		}
	}
}

func quantizeRowQ4_1(src []float32, dst []byte, n int) {
	for b := 0; b < n/QK; b++ {
		x := src[b*QK : b*QK+QK]
		blk := dst[b*q4_1BlockBytes:]

		min, max := x[0], x[0]
		for _, v := range x[1:] {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		d := (max - min) / 15
		floatx.PutFP16(blk, floatx.ToFP16(d))
		floatx.PutFP16(blk[2:], floatx.ToFP16(min))
		d = floatx.FromFP16(floatx.GetFP16(blk))
		m := floatx.FromFP16(floatx.GetFP16(blk[2:]))
		var id float32
		if d != 0 {
			id = 1 / d
		}

		qs := blk[4 : 4+QK/2]
		for j := 0; j < QK/2; j++ {
			q0 := clampInt(roundf((x[j]-m)*id), 0, 15)
			q1 := clampInt(roundf((x[j+QK/2]-m)*id), 0, 15)
			qs[j] = byte(q0) | byte(q1)<<4
		}
	}
}

func dequantizeRowQ5_0(src []byte, dst []float32, n int) {
	for b := 0; b < n/QK; b++ {
		blk := src[b*q5_0BlockBytes:]
		d := floatx.FromFP16(floatx.GetFP16(blk))
		qh := binary.LittleEndian.Uint32(blk[2:6])
		qs := blk[6 : 6+QK/2]
		y := dst[b*QK:]
		for j := 0; j < QK/2; j++ {
			q0 := int(qs[j]&0x0F) | int((qh>>uint(j))&1)<<4
			q1 := int(qs[j]>>4) | int((qh>>uint(j+QK/2))&1)<<4
			y[j] = d * float32(q0-16)
			y[j+QK/2] = d * float32(q1-16)
		}
	}
}

func quantizeRowQ5_0(src []float32, dst []byte, n int) {
	for b := 0; b < n/QK; b++ {
		x := src[b*QK : b*QK+QK]
		blk := dst[b*q5_0BlockBytes:]

		var amax, max float32
		for _, v := range x {
			a := v
			if a < 0 {
				a = -a
			}
			if a > amax {
				amax = a
				max = v
			}
		}
		d := max / -16
		floatx.PutFP16(blk, floatx.ToFP16(d))
		d = floatx.FromFP16(floatx.GetFP16(blk))
		var id float32
		if d != 0 {
			id = 1 / d
		}

		var qh uint32
		qs := blk[6 : 6+QK/2]
		for j := 0; j < QK/2; j++ {
			q0 := clampInt(roundf(x[j]*id)+16, 0, 31)
			q1 := clampInt(roundf(x[j+QK/2]*id)+16, 0, 31)
			qs[j] = byte(q0&0x0F) | byte(q1&0x0F)<<4
			qh |= uint32(q0>>4) << uint(j)
			qh |= uint32(q1>>4) << uint(j+QK/2)
		}
		binary.LittleEndian.PutUint32(blk[2:6], qh)
	}
}

func dequantizeRowQ5_1(src []byte, dst []float32, n int) {
	for b := 0; b < n/QK; b++ {
		blk := src[b*q5_1BlockBytes:]
		d := floatx.FromFP16(floatx.GetFP16(blk))
		m := floatx.FromFP16(floatx.GetFP16(blk[2:]))
		qh := binary.LittleEndian.Uint32(blk[4:8])
		qs := blk[8 : 8+QK/2]
		y := dst[b*QK:]
		for j := 0; j < QK/2; j++ {
			q0 := int(qs[j]&0x0F) | int((qh>>uint(j))&1)<<4
			q1 := int(qs[j]>>4) | int((qh>>uint(j+QK/2))&1)<<4
			y[j] = d*float32(q0) + m
			y[j+QK/2] = d*float32(q1) + m
		}
	}
}

func quantizeRowQ5_1(src []float32, dst []byte, n int) {
	for b := 0; b < n/QK; b++ {
		x := src[b*QK : b*QK+QK]
		blk := dst[b*q5_1BlockBytes:]

		min, max := x[0], x[0]
		for _, v := range x[1:] {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		d := (max - min) / 31
		floatx.PutFP16(blk, floatx.ToFP16(d))
		floatx.PutFP16(blk[2:], floatx.ToFP16(min))
		d = floatx.FromFP16(floatx.GetFP16(blk))
		m := floatx.FromFP16(floatx.GetFP16(blk[2:]))
		var id float32
		if d != 0 {
			id = 1 / d
		}

		var qh uint32
		qs := blk[8 : 8+QK/2]
		for j := 0; j < QK/2; j++ {
			q0 := clampInt(roundf((x[j]-m)*id), 0, 31)
			q1 := clampInt(roundf((x[j+QK/2]-m)*id), 0, 31)
			qs[j] = byte(q0&0x0F) | byte(q1&0x0F)<<4
			qh |= uint32(q0>>4) << uint(j)
			qh |= uint32(q1>>4) << uint(j+QK/2)
		}
		binary.LittleEndian.PutUint32(blk[4:8], qh)
	}
}

func dequantizeRowQ8_0(src []byte, dst []float32, n int) {
	for b := 0; b < n/QK; b++ {
		blk := src[b*q8_0BlockBytes:]
		d := floatx.FromFP16(floatx.GetFP16(blk))
		qs := blk[2 : 2+QK]
		y := dst[b*QK:]
		for j := 0; j < QK; j++ {
			y[j] = d * float32(int8(qs[j]))
		}
	}
}

func quantizeRowQ8_0(src []float32, dst []byte, n int) {
	for b := 0; b < n/QK; b++ {
		x := src[b*QK : b*QK+QK]
		blk := dst[b*q8_0BlockBytes:]

		var amax float32
		for _, v := range x {
			if v < 0 {
				v = -v
			}
			if v > amax {
				amax = v
			}
		}
		d := amax / 127
		floatx.PutFP16(blk, floatx.ToFP16(d))
		d = floatx.FromFP16(floatx.GetFP16(blk))
		var id float32
		if d != 0 {
			id = 1 / d
		}
		qs := blk[2 : 2+QK]
		for j := 0; j < QK; j++ {
			qs[j] = byte(int8(clampInt(roundf(x[j]*id), -127, 127)))
		}
	}
}

func dequantizeRowQ8_1(src []byte, dst []float32, n int) {
	for b := 0; b < n/QK; b++ {
		blk := src[b*q8_1BlockBytes:]
		d := floatx.FromFP16(floatx.GetFP16(blk))
		qs := blk[4 : 4+QK]
		y := dst[b*QK:]
		for j := 0; j < QK; j++ {
			y[j] = d * float32(int8(qs[j]))
		}
	}
}

// quantizeRowQ8_1 is the multiply-time activation encoder. Alongside the
// scale it stores s = d * sum(q), which lets the asymmetric weight-format
// dot kernels fold their min/offset term without re-decoding weights.
func quantizeRowQ8_1(src []float32, dst []byte, n int) {
	for b := 0; b < n/QK; b++ {
		x := src[b*QK : b*QK+QK]
		blk := dst[b*q8_1BlockBytes:]

		var amax float32
		for _, v := range x {
			if v < 0 {
				v = -v
			}
			if v > amax {
				amax = v
			}
		}
		d := amax / 127
		dh := floatx.ToFP16(d)
		d = floatx.FromFP16(dh)
		var id float32
		if d != 0 {
			id = 1 / d
		}

		qs := blk[4 : 4+QK]
		sum := 0
		for j := 0; j < QK; j++ {
			q := clampInt(roundf(x[j]*id), -127, 127)
			qs[j] = byte(int8(q))
			sum += q
		}
		floatx.PutFP16(blk, dh)
		floatx.PutFP16(blk[2:], floatx.ToFP16(d*float32(sum)))
	}
}

// Q8_1BlockScale returns the d and s fields of the i-th Q8_1 block of an
// encoded activation row.
func Q8_1BlockScale(row []byte, i int) (d, s float32) {
	blk := row[i*q8_1BlockBytes:]
	return floatx.FromFP16(floatx.GetFP16(blk)), floatx.FromFP16(floatx.GetFP16(blk[2:]))
}

// Q8_1BlockQs returns the 32 codes of the i-th Q8_1 block.
func Q8_1BlockQs(row []byte, i int) []byte {
	blk := row[i*q8_1BlockBytes:]
	return blk[4 : 4+QK]
}
