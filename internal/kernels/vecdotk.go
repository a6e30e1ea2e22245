package kernels

import (
	"encoding/binary"

	"github.com/tephra-ml/tephra/internal/quant"
)

// Super-block dot kernels. One 256-value weight block spans 8 activation
// blocks; sums accumulate in int32 per sub-block and the scale tables are
// applied once per activation block. The asymmetric formats fold their
// min term through the per-block code sums instead of decoding weights.

const q8PerSuper = quant.QKK / quant.QK

func vecDotQ2K(wrow, q8row []byte, n int) float32 {
	var total float32
	for b := 0; b < n/quant.QKK; b++ {
		d, dmin, scales, qs := quant.Q2KBlock(wrow, b)
		var sumd, summ float32
		for j := 0; j < q8PerSuper; j++ {
			d8, _, u := q8Block(q8row, b*q8PerSuper+j)
			base := 32 * (j / 4)
			shift := 2 * uint(j%4)
			var si, su [2]int32
			for l := 0; l < 32; l++ {
				code := int32(qs[base+l]>>shift) & 3
				uv := int32(int8(u[l]))
				si[l/16] += code * uv
				su[l/16] += uv
			}
			sc0, sc1 := scales[2*j], scales[2*j+1]
			sumd += d8 * (float32(sc0&0x0F)*float32(si[0]) + float32(sc1&0x0F)*float32(si[1]))
			summ += d8 * (float32(sc0>>4)*float32(su[0]) + float32(sc1>>4)*float32(su[1]))
		}
		total += d*sumd - dmin*summ
	}
	return total
}

func vecDotQ3K(wrow, q8row []byte, n int) float32 {
	var total float32
	for b := 0; b < n/quant.QKK; b++ {
		d, hmask, qs, scRaw := quant.Q3KBlock(wrow, b)
		var sc [16]int8
		quant.ScalesQ3K(scRaw, &sc)
		for j := 0; j < q8PerSuper; j++ {
			d8, _, u := q8Block(q8row, b*q8PerSuper+j)
			base := 32 * (j / 4)
			shift := 2 * uint(j%4)
			hbit := byte(1) << uint(j)
			var si [2]int32
			for l := 0; l < 32; l++ {
				q := int32(qs[base+l]>>shift)&3 - 4
				if hmask[l]&hbit != 0 {
					q += 4
				}
				si[l/16] += q * int32(int8(u[l]))
			}
			total += d * d8 * (float32(sc[2*j])*float32(si[0]) + float32(sc[2*j+1])*float32(si[1]))
		}
	}
	return total
}

func vecDotQ4K(wrow, q8row []byte, n int) float32 {
	var total float32
	for b := 0; b < n/quant.QKK; b++ {
		d, dmin, scales, qs := quant.Q4KBlock(wrow, b)
		var sumd, summ float32
		for j := 0; j < q8PerSuper; j++ {
			d8, _, u := q8Block(q8row, b*q8PerSuper+j)
			sc, mn := quant.ScaleMinK4(j, scales)
			base := 32 * (j / 2)
			hiNibble := j%2 == 1
			var si, su int32
			for l := 0; l < 32; l++ {
				var code int32
				if hiNibble {
					code = int32(qs[base+l] >> 4)
				} else {
					code = int32(qs[base+l] & 0x0F)
				}
				uv := int32(int8(u[l]))
				si += code * uv
				su += uv
			}
			sumd += d8 * float32(sc) * float32(si)
			summ += d8 * float32(mn) * float32(su)
		}
		total += d*sumd - dmin*summ
	}
	return total
}

func vecDotQ5K(wrow, q8row []byte, n int) float32 {
	var total float32
	for b := 0; b < n/quant.QKK; b++ {
		d, dmin, scales, qh, qs := quant.Q5KBlock(wrow, b)
		var sumd, summ float32
		for j := 0; j < q8PerSuper; j++ {
			d8, _, u := q8Block(q8row, b*q8PerSuper+j)
			sc, mn := quant.ScaleMinK4(j, scales)
			base := 32 * (j / 2)
			hiNibble := j%2 == 1
			hbit := byte(1) << uint(2*(j/2)+j%2)
			var si, su int32
			for l := 0; l < 32; l++ {
				var code int32
				if hiNibble {
					code = int32(qs[base+l] >> 4)
				} else {
					code = int32(qs[base+l] & 0x0F)
				}
				if qh[l]&hbit != 0 {
					code += 16
				}
				uv := int32(int8(u[l]))
				si += code * uv
				su += uv
			}
			sumd += d8 * float32(sc) * float32(si)
			summ += d8 * float32(mn) * float32(su)
		}
		total += d*sumd - dmin*summ
	}
	return total
}

func vecDotQ6K(wrow, q8row []byte, n int) float32 {
	var total float32
	for b := 0; b < n/quant.QKK; b++ {
		d, ql, qh, scales := quant.Q6KBlock(wrow, b)
		for j := 0; j < q8PerSuper; j++ {
			d8, _, u := q8Block(q8row, b*q8PerSuper+j)
			g, slot := j/4, j%4
			lbase := g*64 + slot%2*32
			hshift := 2 * uint(slot)
			hiNibble := slot >= 2
			var si, su [2]int32
			for l := 0; l < 32; l++ {
				var lo int32
				if hiNibble {
					lo = int32(ql[lbase+l] >> 4)
				} else {
					lo = int32(ql[lbase+l] & 0x0F)
				}
				code := lo | int32(qh[g*32+l]>>hshift&3)<<4
				uv := int32(int8(u[l]))
				si[l/16] += code * uv
				su[l/16] += uv
			}
			sc0 := float32(int8(scales[2*j]))
			sc1 := float32(int8(scales[2*j+1]))
			total += d * d8 * (sc0*float32(si[0]-32*su[0]) + sc1*float32(si[1]-32*su[1]))
		}
	}
	return total
}

func vecDotIQ2(wrow, q8row []byte, n int) float32 {
	grid, _, signs := quant.IQTables()
	var total float32
	for b := 0; b < n/quant.QKK; b++ {
		d, qs := quant.IQ2Block(wrow, b)
		for g := 0; g < q8PerSuper; g++ {
			d8, _, u := q8Block(q8row, b*q8PerSuper+g)
			auxA := binary.LittleEndian.Uint32(qs[g*8:])
			auxB := binary.LittleEndian.Uint32(qs[g*8+4:])
			db := d * (0.5 + float32(auxB>>28)) * 0.25
			var sumi int32
			for l := 0; l < 4; l++ {
				gv := grid[byte(auxA>>(8*uint(l)))]
				sgn := signs[auxB>>(7*uint(l))&127]
				for j := 0; j < 8; j++ {
					w := int32(byte(gv >> (8 * uint(j))))
					if sgn&(1<<uint(j)) != 0 {
						w = -w
					}
					sumi += w * int32(int8(u[l*8+j]))
				}
			}
			total += db * d8 * float32(sumi)
		}
	}
	return total
}

func vecDotIQ3(wrow, q8row []byte, n int) float32 {
	_, grid, signs := quant.IQTables()
	var total float32
	for b := 0; b < n/quant.QKK; b++ {
		d, qs, sas := quant.IQ3Block(wrow, b)
		for g := 0; g < q8PerSuper; g++ {
			d8, _, u := q8Block(q8row, b*q8PerSuper+g)
			aux := binary.LittleEndian.Uint32(sas[g*4:])
			db := d * (0.5 + float32(aux>>28)) * 0.5
			var sumi int32
			for l := 0; l < 4; l++ {
				g1 := grid[qs[g*8+2*l]]
				g2 := grid[qs[g*8+2*l+1]]
				sgn := signs[aux>>(7*uint(l))&127]
				for j := 0; j < 4; j++ {
					w := int32(byte(g1 >> (8 * uint(j))))
					if sgn&(1<<uint(j)) != 0 {
						w = -w
					}
					sumi += w * int32(int8(u[l*8+j]))
				}
				for j := 4; j < 8; j++ {
					w := int32(byte(g2 >> (8 * uint(j-4))))
					if sgn&(1<<uint(j)) != 0 {
						w = -w
					}
					sumi += w * int32(int8(u[l*8+j]))
				}
			}
			total += db * d8 * float32(sumi)
		}
	}
	return total
}
