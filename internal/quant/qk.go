package quant

import "github.com/tephra-ml/tephra/internal/floatx"

// Super-block ("k-quant") family: 256-value blocks subdivided into 8 or 16
// sub-blocks, each with its own scale (and, for the asymmetric formats, its
// own min) packed into a shared 6-bit table. The bit interleaving of those
// tables is part of the wire format and is reproduced exactly.

// Q2_K block layout: scales[16] | qs[64] | d | dmin.
const (
	q2kScalesOff = 0
	q2kQsOff     = 16
	q2kDOff      = 80
	q2kDminOff   = 82
)

// Q3_K block layout: hmask[32] | qs[64] | scales[12] | d.
const (
	q3kHmaskOff  = 0
	q3kQsOff     = 32
	q3kScalesOff = 96
	q3kDOff      = 108
)

// Q4_K block layout: d | dmin | scales[12] | qs[128].
const (
	q4kDOff      = 0
	q4kDminOff   = 2
	q4kScalesOff = 4
	q4kQsOff     = 16
)

// Q5_K block layout: d | dmin | scales[12] | qh[32] | qs[128].
const (
	q5kDOff      = 0
	q5kDminOff   = 2
	q5kScalesOff = 4
	q5kQhOff     = 16
	q5kQsOff     = 48
)

// Q6_K block layout: ql[128] | qh[64] | scales[16] | d.
const (
	q6kQlOff     = 0
	q6kQhOff     = 128
	q6kScalesOff = 192
	q6kDOff      = 208
)

// getScaleMinK4 extracts the 6-bit scale and min of sub-block j from the
// shared 12-byte table used by Q4_K and Q5_K. Even/odd handling and the
// borrowed high bits are format-defined; see packScaleMinK4 for the inverse.
func getScaleMinK4(j int, scales []byte) (uint8, uint8) {
	if j < 4 {
		return scales[j] & 63, scales[j+4] & 63
	}
	d := (scales[j+4] & 0x0F) | ((scales[j-4] >> 6) << 4)
	m := (scales[j+4] >> 4) | ((scales[j] >> 6) << 4)
	return d, m
}

// packScaleMinK4 packs 8 six-bit scales and 8 six-bit mins into the shared
// 12-byte table, inverse of getScaleMinK4.
func packScaleMinK4(sc, mn *[8]uint8, scales []byte) {
	for j := 0; j < 4; j++ {
		scales[j] = sc[j] | (sc[j+4]>>4)<<6
		scales[j+4] = mn[j] | (mn[j+4]>>4)<<6
		scales[j+8] = (sc[j+4] & 0x0F) | (mn[j+4]&0x0F)<<4
	}
}

// unpackScalesQ3K expands the 12-byte Q3_K scale table into 16 signed
// sub-block scales (stored as 6-bit values biased by 32).
func unpackScalesQ3K(scales []byte, out *[16]int8) {
	for j := 0; j < 4; j++ {
		hi := scales[j+8]
		out[j] = int8(scales[j]&0x0F|(hi&0x03)<<4) - 32
		out[j+4] = int8(scales[j+4]&0x0F|(hi>>2&0x03)<<4) - 32
		out[j+8] = int8(scales[j]>>4|(hi>>4&0x03)<<4) - 32
		out[j+12] = int8(scales[j+4]>>4|(hi>>6&0x03)<<4) - 32
	}
}

// packScalesQ3K packs 16 six-bit biased scale values, inverse of
// unpackScalesQ3K. us values must already carry the +32 bias.
func packScalesQ3K(us *[16]uint8, scales []byte) {
	for j := 0; j < 4; j++ {
		scales[j] = us[j]&0x0F | (us[j+8]&0x0F)<<4
		scales[j+4] = us[j+4]&0x0F | (us[j+12]&0x0F)<<4
		scales[j+8] = us[j]>>4&0x03 | (us[j+4]>>4&0x03)<<2 |
			(us[j+8]>>4&0x03)<<4 | (us[j+12]>>4&0x03)<<6
	}
}

func dequantizeRowQ2K(src []byte, dst []float32, n int) {
	for b := 0; b < n/QKK; b++ {
		blk := src[b*q2_KBlockBytes:]
		d := floatx.FromFP16(floatx.GetFP16(blk[q2kDOff:]))
		dmin := floatx.FromFP16(floatx.GetFP16(blk[q2kDminOff:]))
		scales := blk[q2kScalesOff : q2kScalesOff+16]
		qs := blk[q2kQsOff : q2kQsOff+QKK/4]
		y := dst[b*QKK:]
		for v := 0; v < QKK; v++ {
			sc := scales[v/16]
			code := qs[32*(v/128)+v%32] >> (2 * uint(v%128/32)) & 3
			y[v] = d*float32(sc&0x0F)*float32(code) - dmin*float32(sc>>4)
		}
	}
}

func quantizeRowQ2K(src []float32, dst []byte, n int) {
	for b := 0; b < n/QKK; b++ {
		x := src[b*QKK : b*QKK+QKK]
		blk := dst[b*q2_KBlockBytes:]

		var subScale, subMin [16]float32
		var maxScale, maxMin float32
		for i := 0; i < 16; i++ {
			lo, hi := minMax(x[i*16 : i*16+16])
			m := float32(0)
			if lo < 0 {
				m = -lo
			}
			subMin[i] = m
			s := (hi + m) / 3
			if s < 0 {
				s = 0
			}
			subScale[i] = s
			if s > maxScale {
				maxScale = s
			}
			if m > maxMin {
				maxMin = m
			}
		}

		d := maxScale / 15
		dmin := maxMin / 15
		dh, dmh := floatx.ToFP16(d), floatx.ToFP16(dmin)
		floatx.PutFP16(blk[q2kDOff:], dh)
		floatx.PutFP16(blk[q2kDminOff:], dmh)
		d, dmin = floatx.FromFP16(dh), floatx.FromFP16(dmh)

		scales := blk[q2kScalesOff : q2kScalesOff+16]
		qs := blk[q2kQsOff : q2kQsOff+QKK/4]
		for i := range qs {
			qs[i] = 0
		}
		for i := 0; i < 16; i++ {
			ls, lm := 0, 0
			if d != 0 {
				ls = clampInt(roundf(subScale[i]/d), 0, 15)
			}
			if dmin != 0 {
				lm = clampInt(roundf(subMin[i]/dmin), 0, 15)
			}
			scales[i] = byte(ls) | byte(lm)<<4

			step := d * float32(ls)
			off := dmin * float32(lm)
			for l := 0; l < 16; l++ {
				v := i*16 + l
				q := 0
				if step != 0 {
					q = clampInt(roundf((x[v]+off)/step), 0, 3)
				}
				qs[32*(v/128)+v%32] |= byte(q) << (2 * uint(v%128/32))
			}
		}
	}
}

func dequantizeRowQ3K(src []byte, dst []float32, n int) {
	for b := 0; b < n/QKK; b++ {
		blk := src[b*q3_KBlockBytes:]
		d := floatx.FromFP16(floatx.GetFP16(blk[q3kDOff:]))
		hmask := blk[q3kHmaskOff : q3kHmaskOff+QKK/8]
		qs := blk[q3kQsOff : q3kQsOff+QKK/4]
		var sc [16]int8
		unpackScalesQ3K(blk[q3kScalesOff:q3kScalesOff+12], &sc)
		y := dst[b*QKK:]
		for v := 0; v < QKK; v++ {
			low := int(qs[32*(v/128)+v%32]>>(2*uint(v%128/32))) & 3
			// high bit set means the -4 bias is cancelled
			q := low - 4
			if hmask[v%32]&(1<<uint(v/32)) != 0 {
				q = low
			}
			y[v] = d * float32(sc[v/16]) * float32(q)
		}
	}
}

func quantizeRowQ3K(src []float32, dst []byte, n int) {
	for b := 0; b < n/QKK; b++ {
		x := src[b*QKK : b*QKK+QKK]
		blk := dst[b*q3_KBlockBytes:]

		var subScale [16]float32
		var maxScale float32
		for i := 0; i < 16; i++ {
			s := amax(x[i*16:i*16+16]) / 4
			subScale[i] = s
			if s > maxScale {
				maxScale = s
			}
		}

		d := maxScale / 31
		dh := floatx.ToFP16(d)
		floatx.PutFP16(blk[q3kDOff:], dh)
		d = floatx.FromFP16(dh)

		var us [16]uint8
		hmask := blk[q3kHmaskOff : q3kHmaskOff+QKK/8]
		qs := blk[q3kQsOff : q3kQsOff+QKK/4]
		for i := range hmask {
			hmask[i] = 0
		}
		for i := range qs {
			qs[i] = 0
		}
		for i := 0; i < 16; i++ {
			ls := 0
			if d != 0 {
				ls = clampInt(roundf(subScale[i]/d), 0, 31)
			}
			us[i] = uint8(ls + 32)
			step := d * float32(ls)
			for l := 0; l < 16; l++ {
				v := i*16 + l
				q := 4
				if step != 0 {
					q = clampInt(roundf(x[v]/step)+4, 0, 7)
				}
				qs[32*(v/128)+v%32] |= byte(q&3) << (2 * uint(v%128/32))
				if q&4 != 0 {
					hmask[v%32] |= 1 << uint(v/32)
				}
			}
		}
		packScalesQ3K(&us, blk[q3kScalesOff:q3kScalesOff+12])
	}
}

func dequantizeRowQ4K(src []byte, dst []float32, n int) {
	for b := 0; b < n/QKK; b++ {
		blk := src[b*q4_KBlockBytes:]
		d := floatx.FromFP16(floatx.GetFP16(blk[q4kDOff:]))
		dmin := floatx.FromFP16(floatx.GetFP16(blk[q4kDminOff:]))
		scales := blk[q4kScalesOff : q4kScalesOff+12]
		qs := blk[q4kQsOff : q4kQsOff+QKK/2]

		y := dst[b*QKK:]
		is := 0
		yi := 0
		q := qs
		for j := 0; j < QKK; j += 64 {
			sc1, m1 := getScaleMinK4(is+0, scales)
			sc2, m2 := getScaleMinK4(is+1, scales)
			d1, mm1 := d*float32(sc1), dmin*float32(m1)
			d2, mm2 := d*float32(sc2), dmin*float32(m2)
			for l := 0; l < 32; l++ {
				y[yi] = d1*float32(q[l]&0x0F) - mm1
				yi++
			}
			for l := 0; l < 32; l++ {
				y[yi] = d2*float32(q[l]>>4) - mm2
				yi++
			}
			q = q[32:]
			is += 2
		}
	}
}

func quantizeRowQ4K(src []float32, dst []byte, n int) {
	for b := 0; b < n/QKK; b++ {
		x := src[b*QKK : b*QKK+QKK]
		blk := dst[b*q4_KBlockBytes:]
		quantizeSuperAsym(x, blk[q4kDOff:], blk[q4kDminOff:], blk[q4kScalesOff:q4kScalesOff+12], 15,
			func(sub int, l int, q int) {
				qs := blk[q4kQsOff : q4kQsOff+QKK/2]
				v := sub*32 + l
				idx := 32*(v/64) + v%32
				if v%64 < 32 {
					qs[idx] = qs[idx]&0xF0 | byte(q)
				} else {
					qs[idx] = qs[idx]&0x0F | byte(q)<<4
				}
			})
	}
}

func dequantizeRowQ5K(src []byte, dst []float32, n int) {
	for b := 0; b < n/QKK; b++ {
		blk := src[b*q5_KBlockBytes:]
		d := floatx.FromFP16(floatx.GetFP16(blk[q5kDOff:]))
		dmin := floatx.FromFP16(floatx.GetFP16(blk[q5kDminOff:]))
		scales := blk[q5kScalesOff : q5kScalesOff+12]
		qh := blk[q5kQhOff : q5kQhOff+QKK/8]
		qs := blk[q5kQsOff : q5kQsOff+QKK/2]

		y := dst[b*QKK:]
		is := 0
		yi := 0
		q := qs
		u1, u2 := byte(1), byte(2)
		for j := 0; j < QKK; j += 64 {
			sc1, m1 := getScaleMinK4(is+0, scales)
			sc2, m2 := getScaleMinK4(is+1, scales)
			d1, mm1 := d*float32(sc1), dmin*float32(m1)
			d2, mm2 := d*float32(sc2), dmin*float32(m2)
			for l := 0; l < 32; l++ {
				hi := float32(0)
				if qh[l]&u1 != 0 {
					hi = 16
				}
				y[yi] = d1*(float32(q[l]&0x0F)+hi) - mm1
				yi++
			}
			for l := 0; l < 32; l++ {
				hi := float32(0)
				if qh[l]&u2 != 0 {
					hi = 16
				}
				y[yi] = d2*(float32(q[l]>>4)+hi) - mm2
				yi++
			}
			q = q[32:]
			is += 2
			u1 <<= 2
			u2 <<= 2
		}
	}
}

func quantizeRowQ5K(src []float32, dst []byte, n int) {
	for b := 0; b < n/QKK; b++ {
		x := src[b*QKK : b*QKK+QKK]
		blk := dst[b*q5_KBlockBytes:]
		qh := blk[q5kQhOff : q5kQhOff+QKK/8]
		for i := range qh {
			qh[i] = 0
		}
		quantizeSuperAsym(x, blk[q5kDOff:], blk[q5kDminOff:], blk[q5kScalesOff:q5kScalesOff+12], 31,
			func(sub int, l int, q int) {
				qs := blk[q5kQsOff : q5kQsOff+QKK/2]
				v := sub*32 + l
				idx := 32*(v/64) + v%32
				if v%64 < 32 {
					qs[idx] = qs[idx]&0xF0 | byte(q&0x0F)
					if q&0x10 != 0 {
						qh[v%32] |= 1 << uint(2*(v/64))
					}
				} else {
					qs[idx] = qs[idx]&0x0F | byte(q&0x0F)<<4
					if q&0x10 != 0 {
						qh[v%32] |= 1 << uint(2*(v/64)+1)
					}
				}
			})
	}
}

// quantizeSuperAsym is the shared Q4_K/Q5_K encoder: 8 sub-blocks of 32
// values, 6-bit scale/min table, asymmetric reconstruction d*sc*q - dmin*mn.
// qmax is the largest code (15 or 31); store is called per value with the
// chosen code.
func quantizeSuperAsym(x []float32, dOut, dminOut, scales []byte, qmax int, store func(sub, l, q int)) {
	var subScale, subMin [8]float32
	var maxScale, maxMin float32
	for i := 0; i < 8; i++ {
		lo, hi := minMax(x[i*32 : i*32+32])
		m := float32(0)
		if lo < 0 {
			m = -lo
		}
		subMin[i] = m
		s := (hi + m) / float32(qmax)
		if s < 0 {
			s = 0
		}
		subScale[i] = s
		if s > maxScale {
			maxScale = s
		}
		if m > maxMin {
			maxMin = m
		}
	}

	d := maxScale / 63
	dmin := maxMin / 63
	dh, dmh := floatx.ToFP16(d), floatx.ToFP16(dmin)
	floatx.PutFP16(dOut, dh)
	floatx.PutFP16(dminOut, dmh)
	d, dmin = floatx.FromFP16(dh), floatx.FromFP16(dmh)

	var sc, mn [8]uint8
	for i := 0; i < 8; i++ {
		if d != 0 {
			sc[i] = uint8(clampInt(roundf(subScale[i]/d), 0, 63))
		}
		if dmin != 0 {
			mn[i] = uint8(clampInt(roundf(subMin[i]/dmin), 0, 63))
		}
	}
	packScaleMinK4(&sc, &mn, scales)

	for i := 0; i < 8; i++ {
		step := d * float32(sc[i])
		off := dmin * float32(mn[i])
		for l := 0; l < 32; l++ {
			q := 0
			if step != 0 {
				q = clampInt(roundf((x[i*32+l]+off)/step), 0, qmax)
			}
			store(i, l, q)
		}
	}
}

func dequantizeRowQ6K(src []byte, dst []float32, n int) {
	for b := 0; b < n/QKK; b++ {
		blk := src[b*q6_KBlockBytes:]
		d := floatx.FromFP16(floatx.GetFP16(blk[q6kDOff:]))
		ql := blk[q6kQlOff : q6kQlOff+QKK/2]
		qh := blk[q6kQhOff : q6kQhOff+QKK/4]
		scales := blk[q6kScalesOff : q6kScalesOff+QKK/16]

		y := dst[b*QKK:]
		yi := 0
		qlp, qhp, scp := ql, qh, scales
		for j := 0; j < QKK; j += 128 {
			for l := 0; l < 32; l++ {
				is := l / 16
				q1 := int8((qlp[l+0]&0x0F)|((qhp[l]>>0)&3)<<4) - 32
				q2 := int8((qlp[l+32]&0x0F)|((qhp[l]>>2)&3)<<4) - 32
				q3 := int8((qlp[l+0]>>4)|((qhp[l]>>4)&3)<<4) - 32
				q4 := int8((qlp[l+32]>>4)|((qhp[l]>>6)&3)<<4) - 32
				y[yi+0] = d * float32(int8(scp[is+0])) * float32(q1)
				y[yi+32] = d * float32(int8(scp[is+2])) * float32(q2)
				y[yi+64] = d * float32(int8(scp[is+4])) * float32(q3)
				y[yi+96] = d * float32(int8(scp[is+6])) * float32(q4)
				yi++
			}
			yi += 96
			qlp = qlp[64:]
			qhp = qhp[32:]
			scp = scp[8:]
		}
	}
}

func quantizeRowQ6K(src []float32, dst []byte, n int) {
	for b := 0; b < n/QKK; b++ {
		x := src[b*QKK : b*QKK+QKK]
		blk := dst[b*q6_KBlockBytes:]

		var subScale [16]float32
		var maxScale float32
		for i := 0; i < 16; i++ {
			s := amax(x[i*16:i*16+16]) / 32
			subScale[i] = s
			if s > maxScale {
				maxScale = s
			}
		}
		d := maxScale / 127
		dh := floatx.ToFP16(d)
		floatx.PutFP16(blk[q6kDOff:], dh)
		d = floatx.FromFP16(dh)

		ql := blk[q6kQlOff : q6kQlOff+QKK/2]
		qh := blk[q6kQhOff : q6kQhOff+QKK/4]
		scales := blk[q6kScalesOff : q6kScalesOff+QKK/16]
		for i := range ql {
			ql[i] = 0
		}
		for i := range qh {
			qh[i] = 0
		}
		for i := 0; i < 16; i++ {
			sc := 0
			if d != 0 {
				sc = clampInt(roundf(subScale[i]/d), 0, 127)
			}
			scales[i] = byte(int8(sc))
			step := d * float32(sc)
			for l := 0; l < 16; l++ {
				v := i*16 + l
				q := 32
				if step != 0 {
					q = clampInt(roundf(x[v]/step)+32, 0, 63)
				}
				g := v / 128 // 128-value group
				r := v % 128
				lane := r % 32
				slot := r / 32 // 0..3 within the group
				low := byte(q & 0x0F)
				hi := byte(q >> 4)
				switch slot {
				case 0:
					ql[g*64+lane] |= low
					qh[g*32+lane] |= hi << 0
				case 1:
					ql[g*64+lane+32] |= low
					qh[g*32+lane] |= hi << 2
				case 2:
					ql[g*64+lane] |= low << 4
					qh[g*32+lane] |= hi << 4
				case 3:
					ql[g*64+lane+32] |= low << 4
					qh[g*32+lane] |= hi << 6
				}
			}
		}
	}
}

func minMax(x []float32) (lo, hi float32) {
	lo, hi = x[0], x[0]
	for _, v := range x[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func amax(x []float32) float32 {
	var m float32
	for _, v := range x {
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	return m
}
