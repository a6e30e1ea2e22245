package backend

import (
	"fmt"

	"github.com/tephra-ml/tephra/internal/device"
	"github.com/tephra-ml/tephra/internal/tensor"
)

// Upload moves a host tensor's payload into device storage per the
// context's placement config: 2-D weights shard across devices in
// row-split mode, everything else lands on the main device.
func (b *Backend) Upload(t *tensor.Tensor) error {
	if t.Loc != tensor.OnHost {
		return fmt.Errorf("backend: upload of non-host tensor %q", t.Name)
	}
	if !t.IsContiguous() {
		return fmt.Errorf("backend: upload of non-contiguous tensor %q", t.Name)
	}

	devs := b.ctx.Devices()
	if b.ctx.Split() == device.SplitRows && len(devs) > 1 &&
		t.NE[1] > 1 && t.NE[2] == 1 && t.NE[3] == 1 {
		rows := int(t.NE[1])
		rowBytes := int(t.RowBytes())
		split := device.MakeRowSplit(rows, b.ctx.Ratios(), 1)
		shards := make([]*device.Buffer, split.Devices())
		for d := range shards {
			lo, hi := split.Range(d)
			if lo == hi {
				continue
			}
			buf := device.NewBuffer(devs[d], (hi-lo)*rowBytes)
			copy(buf.Bytes(), t.Data[lo*rowBytes:hi*rowBytes])
			shards[d] = buf
		}
		t.Loc = tensor.Split
		t.Shards = shards
		t.SplitRows = split
		t.Data = nil
		b.log.Debug("tensor sharded", "tensor", t.Name, "rows", rows, "devices", split.Devices())
		return nil
	}

	buf := device.NewBuffer(b.ctx.Main(), len(t.Data))
	copy(buf.Bytes(), t.Data)
	t.Loc = tensor.OnDevice
	t.Buf = buf
	t.Data = nil
	return nil
}

// SetTensor writes data into the tensor's storage at the given logical
// byte offset. Split tensors route each row range to its owning shard.
func (b *Backend) SetTensor(t *tensor.Tensor, off int64, data []byte) error {
	if off < 0 || off+int64(len(data)) > t.ByteSize() {
		return fmt.Errorf("backend: set range [%d, %d) outside tensor %q (%d bytes)",
			off, off+int64(len(data)), t.Name, t.ByteSize())
	}
	if t.Loc != tensor.Split {
		copy(t.Payload()[off:], data)
		return nil
	}
	forEachShardRange(t, off, int64(len(data)), func(d int, shardOff, logOff, n int64) {
		copy(t.Shards[d].Bytes()[shardOff:shardOff+n], data[logOff-off:logOff-off+n])
	})
	return nil
}

// GetTensor reads from the tensor's storage at the given logical byte
// offset into data.
func (b *Backend) GetTensor(t *tensor.Tensor, off int64, data []byte) error {
	if off < 0 || off+int64(len(data)) > t.ByteSize() {
		return fmt.Errorf("backend: get range [%d, %d) outside tensor %q (%d bytes)",
			off, off+int64(len(data)), t.Name, t.ByteSize())
	}
	if t.Loc != tensor.Split {
		copy(data, t.Payload()[off:off+int64(len(data))])
		return nil
	}
	forEachShardRange(t, off, int64(len(data)), func(d int, shardOff, logOff, n int64) {
		copy(data[logOff-off:logOff-off+n], t.Shards[d].Bytes()[shardOff:shardOff+n])
	})
	return nil
}

// forEachShardRange visits the shard-local byte ranges that intersect
// the logical range [off, off+n) of a split tensor.
func forEachShardRange(t *tensor.Tensor, off, n int64, visit func(d int, shardOff, logOff, n int64)) {
	rowBytes := t.RowBytes()
	end := off + n
	for d := 0; d < t.SplitRows.Devices(); d++ {
		lo, hi := t.SplitRows.Range(d)
		sLo, sHi := int64(lo)*rowBytes, int64(hi)*rowBytes
		from, to := max64(off, sLo), min64(end, sHi)
		if from >= to {
			continue
		}
		visit(d, from-sLo, from, to-from)
	}
}

// CopyTensor copies src's payload into dst, staging through a pooled
// host buffer so any placement pairing works, split storage included.
func (b *Backend) CopyTensor(dst, src *tensor.Tensor) error {
	if dst.ByteSize() != src.ByteSize() {
		return fmt.Errorf("backend: copy size mismatch: %d vs %d bytes", dst.ByteSize(), src.ByteSize())
	}
	n := int(src.ByteSize())
	pool := b.ctx.Pool(b.ctx.MainIndex())
	stage := pool.Get(n)
	defer pool.Put(stage)
	if err := b.GetTensor(src, 0, stage.Bytes()[:n]); err != nil {
		return err
	}
	return b.SetTensor(dst, 0, stage.Bytes()[:n])
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
