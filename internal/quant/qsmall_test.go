package quant

import (
	"encoding/binary"
	"testing"

	"github.com/tephra-ml/tephra/internal/floatx"
)

// The nibble layout pairs value j with value j+16 in one byte. Build a
// Q4_0 block by hand and check the pairing.
func TestQ4_0NibblePairing(t *testing.T) {
	raw := make([]byte, q4_0BlockBytes)
	floatx.PutFP16(raw, floatx.ToFP16(1.0))
	qs := raw[2:]
	for j := 0; j < QK/2; j++ {
		qs[j] = byte(j%16) | byte((j+1)%16)<<4
	}
	y := make([]float32, QK)
	if err := DequantizeRow(Q4_0, raw, y, len(y)); err != nil {
		t.Fatalf("DequantizeRow: %v", err)
	}
	for j := 0; j < QK/2; j++ {
		if want := float32(j%16 - 8); y[j] != want {
			t.Fatalf("value %d: got %g, want %g", j, y[j], want)
		}
		if want := float32((j+1)%16 - 8); y[j+QK/2] != want {
			t.Fatalf("value %d: got %g, want %g", j+QK/2, y[j+QK/2], want)
		}
	}
}

// Q5_0 splices bit j of qh into value j and bit j+16 into value j+16.
func TestQ5_0HighBits(t *testing.T) {
	raw := make([]byte, q5_0BlockBytes)
	floatx.PutFP16(raw, floatx.ToFP16(1.0))
	binary.LittleEndian.PutUint32(raw[2:6], 1<<3|1<<19)
	y := make([]float32, QK)
	if err := DequantizeRow(Q5_0, raw, y, len(y)); err != nil {
		t.Fatalf("DequantizeRow: %v", err)
	}
	// code 16 with a -16 bias decodes to 0, code 0 to -16
	if y[3] != 0 || y[19] != 0 {
		t.Fatalf("high-bit values: got %g, %g, want 0, 0", y[3], y[19])
	}
	if y[4] != -16 || y[20] != -16 {
		t.Fatalf("low values: got %g, %g, want -16, -16", y[4], y[20])
	}
}

// Q8_1 stores d*sum(q) alongside the scale so dot kernels can fold the
// other operand's min term without a second pass.
func TestQ8_1SumField(t *testing.T) {
	n := 3 * QK
	x := testRow(n, 12345)
	raw := make([]byte, Q8_1.RowBytes(n))
	if err := QuantizeRow(Q8_1, x, raw, len(x)); err != nil {
		t.Fatalf("QuantizeRow: %v", err)
	}
	for b := 0; b < n/QK; b++ {
		d := floatx.FromFP16(floatx.GetFP16(raw[b*q8_1BlockBytes:]))
		s := floatx.FromFP16(floatx.GetFP16(raw[b*q8_1BlockBytes+2:]))
		sum := 0
		for _, q := range raw[b*q8_1BlockBytes+4 : b*q8_1BlockBytes+4+QK] {
			sum += int(int8(q))
		}
		want := d * float32(sum)
		diff := s - want
		if diff < 0 {
			diff = -diff
		}
		aw := want
		if aw < 0 {
			aw = -aw
		}
		tol := aw*1e-3 + 1e-3
		if diff > tol {
			t.Fatalf("block %d: stored sum %g, want %g", b, s, want)
		}
	}
}

func TestQ8_1BlockHelpers(t *testing.T) {
	n := 2 * QK
	x := testRow(n, 9)
	raw := make([]byte, Q8_1.RowBytes(n))
	if err := QuantizeRow(Q8_1, x, raw, len(x)); err != nil {
		t.Fatalf("QuantizeRow: %v", err)
	}
	for b := 0; b < 2; b++ {
		d, s := Q8_1BlockScale(raw, b)
		if want := floatx.FromFP16(floatx.GetFP16(raw[b*q8_1BlockBytes:])); d != want {
			t.Fatalf("block %d: scale %g, want %g", b, d, want)
		}
		if want := floatx.FromFP16(floatx.GetFP16(raw[b*q8_1BlockBytes+2:])); s != want {
			t.Fatalf("block %d: sum %g, want %g", b, s, want)
		}
		qs := Q8_1BlockQs(raw, b)
		if len(qs) != QK {
			t.Fatalf("block %d: qs length %d", b, len(qs))
		}
		if &qs[0] != &raw[b*q8_1BlockBytes+4] {
			t.Fatalf("block %d: qs does not alias block payload", b)
		}
	}
}
