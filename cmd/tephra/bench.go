package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/urfave/cli/v3"

	"github.com/tephra-ml/tephra/internal/backend"
	"github.com/tephra-ml/tephra/internal/quant"
	"github.com/tephra-ml/tephra/internal/tensor"
)

func benchCmd() *cli.Command {
	var (
		weightsPath string
		typeName    string
		rows        int64
		width       int64
		ncols       int64
		warmupRuns  int64
		benchRuns   int64
	)

	flags := append(commonBackendFlags(),
		&cli.StringFlag{
			Name:        "weights",
			Aliases:     []string{"w"},
			Usage:       "path to a raw weights blob (rows x width in the given type)",
			Destination: &weightsPath,
		},
		&cli.StringFlag{
			Name:        "type",
			Aliases:     []string{"t"},
			Usage:       "weight encoding (q4_0, q8_0, q4_k, f32, ...)",
			Value:       "q4_0",
			Destination: &typeName,
		},
		&cli.Int64Flag{
			Name:        "rows",
			Usage:       "weight rows",
			Value:       4096,
			Destination: &rows,
		},
		&cli.Int64Flag{
			Name:        "width",
			Aliases:     []string{"k"},
			Usage:       "weight row width",
			Value:       4096,
			Destination: &width,
		},
		&cli.Int64Flag{
			Name:        "ncols",
			Usage:       "activation columns per multiply",
			Value:       1,
			Destination: &ncols,
		},
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       5,
			Destination: &benchRuns,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Benchmark a matrix multiply against a weights blob",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dt, err := quant.ParseDType(typeName)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			w := tensor.New(dt, width, rows)
			w.Name = "bench.weight"
			if weightsPath != "" {
				f, err := os.Open(weightsPath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: open weights: %v", err), 1)
				}
				defer f.Close()
				m, err := mmap.Map(f, mmap.RDONLY, 0)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: map weights: %v", err), 1)
				}
				defer func() { _ = m.Unmap() }()
				if int64(len(m)) < w.ByteSize() {
					return cli.Exit(fmt.Sprintf("error: %s holds %d bytes, need %d for %dx%d %s",
						weightsPath, len(m), w.ByteSize(), rows, width, dt), 1)
				}
				copy(w.Data, m)
			} else {
				if !dt.IsQuantized() && dt != quant.F32 {
					return cli.Exit(fmt.Sprintf("error: synthetic weights need --weights for type %s", dt), 1)
				}
				fillSynthetic(w)
			}

			log := buildLogger()
			b, err := backend.Open(backendConfig(cmd), log)
			if err != nil {
				return err
			}
			defer b.Close()
			if err := b.Upload(w); err != nil {
				return err
			}

			x := tensor.New(quant.F32, width, ncols)
			xf := x.Floats()
			for i := range xf {
				xf[i] = float32(i%13) / 13
			}
			dst := tensor.New(quant.F32, rows, ncols)
			op := &tensor.Op{Kind: tensor.OpMatMul, Src0: w, Src1: x, Dst: dst}

			fmt.Println("=== tephra bench ===")
			fmt.Printf("Weights:  %dx%d %s (%.1f MB)\n", rows, width, dt, float64(w.ByteSize())/(1024*1024))
			fmt.Printf("Columns:  %d\n", ncols)
			fmt.Printf("Devices:  %d (split %s)\n", devices, splitMode)
			fmt.Printf("CPUs:     %d (GOMAXPROCS %d)\n", runtime.NumCPU(), runtime.GOMAXPROCS(0))
			fmt.Println()

			for i := int64(0); i < warmupRuns; i++ {
				if err := b.Execute(op); err != nil {
					return err
				}
			}

			flops := 2 * float64(rows) * float64(width) * float64(ncols)
			var best, total time.Duration
			for i := int64(0); i < benchRuns; i++ {
				start := time.Now()
				if err := b.Execute(op); err != nil {
					return err
				}
				elapsed := time.Since(start)
				total += elapsed
				if best == 0 || elapsed < best {
					best = elapsed
				}
				fmt.Printf("run %d: %s (%.2f GFLOP/s)\n", i+1,
					elapsed.Round(time.Microsecond), flops/elapsed.Seconds()/1e9)
			}
			fmt.Println()
			avg := total / time.Duration(benchRuns)
			fmt.Printf("best: %s (%.2f GFLOP/s), avg: %s\n",
				best.Round(time.Microsecond), flops/best.Seconds()/1e9, avg.Round(time.Microsecond))
			return nil
		},
	}
}

// fillSynthetic loads deterministic values so a bench needs no input file.
func fillSynthetic(w *tensor.Tensor) {
	k := int(w.NE[0])
	if w.Type == quant.F32 {
		vals := w.Floats()
		for i := range vals {
			vals[i] = float32((i*7)%17)/17 - 0.5
		}
		return
	}
	vals := make([]float32, k)
	rowBytes := int(w.RowBytes())
	for r := 0; r < int(w.Rows()); r++ {
		for i := range vals {
			vals[i] = float32((r*31+i*7)%17)/17 - 0.5
		}
		if err := quant.QuantizeRow(w.Type, vals, w.Data[r*rowBytes:(r+1)*rowBytes], k); err != nil {
			panic(err)
		}
	}
}
