package quant

import "github.com/tephra-ml/tephra/internal/floatx"

// Block views give the dot-product kernels direct access to the packed
// fields of one block without re-deriving layout offsets. All returned
// slices alias the row.

// ScaleMinK4 is the exported form of the shared Q4_K/Q5_K 6-bit
// scale/min table lookup.
func ScaleMinK4(j int, scales []byte) (sc, mn uint8) {
	return getScaleMinK4(j, scales)
}

// ScalesQ3K expands the Q3_K scale table into 16 signed sub-block scales.
func ScalesQ3K(scales []byte, out *[16]int8) {
	unpackScalesQ3K(scales, out)
}

// Q2KBlock returns the fields of the b-th Q2_K block of a row.
func Q2KBlock(row []byte, b int) (d, dmin float32, scales, qs []byte) {
	blk := row[b*q2_KBlockBytes:]
	d = floatx.FromFP16(floatx.GetFP16(blk[q2kDOff:]))
	dmin = floatx.FromFP16(floatx.GetFP16(blk[q2kDminOff:]))
	return d, dmin, blk[q2kScalesOff : q2kScalesOff+16], blk[q2kQsOff : q2kQsOff+QKK/4]
}

// Q3KBlock returns the fields of the b-th Q3_K block of a row.
func Q3KBlock(row []byte, b int) (d float32, hmask, qs, scales []byte) {
	blk := row[b*q3_KBlockBytes:]
	d = floatx.FromFP16(floatx.GetFP16(blk[q3kDOff:]))
	return d, blk[q3kHmaskOff : q3kHmaskOff+QKK/8], blk[q3kQsOff : q3kQsOff+QKK/4],
		blk[q3kScalesOff : q3kScalesOff+12]
}

// Q4KBlock returns the fields of the b-th Q4_K block of a row.
func Q4KBlock(row []byte, b int) (d, dmin float32, scales, qs []byte) {
	blk := row[b*q4_KBlockBytes:]
	d = floatx.FromFP16(floatx.GetFP16(blk[q4kDOff:]))
	dmin = floatx.FromFP16(floatx.GetFP16(blk[q4kDminOff:]))
	return d, dmin, blk[q4kScalesOff : q4kScalesOff+12], blk[q4kQsOff : q4kQsOff+QKK/2]
}

// Q5KBlock returns the fields of the b-th Q5_K block of a row.
func Q5KBlock(row []byte, b int) (d, dmin float32, scales, qh, qs []byte) {
	blk := row[b*q5_KBlockBytes:]
	d = floatx.FromFP16(floatx.GetFP16(blk[q5kDOff:]))
	dmin = floatx.FromFP16(floatx.GetFP16(blk[q5kDminOff:]))
	return d, dmin, blk[q5kScalesOff : q5kScalesOff+12],
		blk[q5kQhOff : q5kQhOff+QKK/8], blk[q5kQsOff : q5kQsOff+QKK/2]
}

// Q6KBlock returns the fields of the b-th Q6_K block of a row. scales
// holds 16 signed int8 sub-block scales.
func Q6KBlock(row []byte, b int) (d float32, ql, qh, scales []byte) {
	blk := row[b*q6_KBlockBytes:]
	d = floatx.FromFP16(floatx.GetFP16(blk[q6kDOff:]))
	return d, blk[q6kQlOff : q6kQlOff+QKK/2], blk[q6kQhOff : q6kQhOff+QKK/4],
		blk[q6kScalesOff : q6kScalesOff+QKK/16]
}

// IQ2Block returns the scale and packed code words of the b-th IQ2 block.
func IQ2Block(row []byte, b int) (d float32, qs []byte) {
	blk := row[b*iq2BlockBytes:]
	return floatx.FromFP16(floatx.GetFP16(blk[iq2DOff:])), blk[iq2QsOff:iq2BlockBytes]
}

// IQ3Block returns the scale, grid indices and sign/scale words of the
// b-th IQ3 block.
func IQ3Block(row []byte, b int) (d float32, qs, sas []byte) {
	blk := row[b*iq3BlockBytes:]
	return floatx.FromFP16(floatx.GetFP16(blk[iq3DOff:])),
		blk[iq3QsOff : iq3QsOff+QKK/4], blk[iq3SasOff:iq3BlockBytes]
}

// IQTables materializes and returns the shared grid-format codebooks and
// sign table. The tables are read-only after initialization.
func IQTables() (iq2 *[256]uint64, iq3 *[256]uint32, signs *[128]uint8) {
	initGrids()
	return &iq2Grid, &iq3Grid, &ksigns
}
