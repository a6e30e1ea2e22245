package backend

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/tephra-ml/tephra/internal/device"
	"github.com/tephra-ml/tephra/internal/quant"
	"github.com/tephra-ml/tephra/internal/tensor"
)

func TestUploadPlacement(t *testing.T) {
	b := testBackend(t, Config{Devices: 2, SplitMode: "rows"})

	weight := tensor.New(quant.F32, 8, 6)
	weight.Name = "w"
	if err := b.Upload(weight); err != nil {
		t.Fatalf("Upload weight: %v", err)
	}
	if weight.Loc != tensor.Split {
		t.Fatalf("weight placement = %v, want split", weight.Loc)
	}
	if got := weight.SplitRows.Rows(); got != 6 {
		t.Fatalf("split spans %d rows, want 6", got)
	}

	act := tensor.New(quant.F32, 8)
	if err := b.Upload(act); err != nil {
		t.Fatalf("Upload activation: %v", err)
	}
	if act.Loc != tensor.OnDevice {
		t.Fatalf("activation placement = %v, want device", act.Loc)
	}
	if err := b.Upload(act); err == nil {
		t.Fatal("second Upload of the same tensor did not fail")
	}
}

func TestSetGetSplitTensor(t *testing.T) {
	b := testBackend(t, Config{Devices: 2, SplitMode: "rows"})

	src := tensor.New(quant.F32, 4, 8)
	payload := make([]byte, src.ByteSize())
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	copy(src.Data, payload)
	if err := b.Upload(src); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	got := make([]byte, len(payload))
	if err := b.GetTensor(src, 0, got); err != nil {
		t.Fatalf("GetTensor: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("round trip through split storage lost bytes")
	}

	// an unaligned write straddling the shard boundary
	patch := []byte{9, 8, 7, 6, 5}
	off := int64(src.RowBytes()*4 - 2)
	if err := b.SetTensor(src, off, patch); err != nil {
		t.Fatalf("SetTensor: %v", err)
	}
	back := make([]byte, len(patch))
	if err := b.GetTensor(src, off, back); err != nil {
		t.Fatalf("GetTensor after patch: %v", err)
	}
	if !bytes.Equal(back, patch) {
		t.Fatalf("patched bytes = %v, want %v", back, patch)
	}

	if err := b.GetTensor(src, src.ByteSize()-1, make([]byte, 2)); err == nil {
		t.Fatal("out-of-range read did not fail")
	}
}

func TestCopyTensorAcrossPlacements(t *testing.T) {
	b := testBackend(t, Config{Devices: 2, SplitMode: "rows"})

	src := tensor.New(quant.F32, 4, 4)
	src.SetFloats(testRow(16, 42))
	want := make([]byte, src.ByteSize())
	copy(want, src.Data)
	if err := b.Upload(src); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	dst := tensor.New(quant.F32, 4, 4)
	if err := b.CopyTensor(dst, src); err != nil {
		t.Fatalf("CopyTensor: %v", err)
	}
	if !bytes.Equal(dst.Data, want) {
		t.Fatal("copy out of split storage differs from the original")
	}

	if err := b.CopyTensor(tensor.New(quant.F32, 8), src); err == nil {
		t.Fatal("size-mismatched copy did not fail")
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "devices: 2\nsplit_mode: rows\ntensor_ratios: [3, 1]\nscratch_bytes: 1024\nlog_level: debug\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Devices != 2 || cfg.SplitMode != "rows" || cfg.ScratchBytes != 1024 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	dc, err := cfg.DeviceConfig()
	if err != nil {
		t.Fatalf("DeviceConfig: %v", err)
	}
	if dc.Split != device.SplitRows || len(dc.Ratios) != 2 || dc.Ratios[0] != 3 {
		t.Fatalf("unexpected device config: %+v", dc)
	}

	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err != nil {
		t.Fatalf("missing file should yield a zero config, got %v", err)
	}

	if _, err := (Config{SplitMode: "columns"}).DeviceConfig(); err == nil {
		t.Fatal("unknown split mode did not fail")
	}

	if err := os.WriteFile(path, []byte(":\nnot yaml"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("malformed yaml did not fail")
	}
}
