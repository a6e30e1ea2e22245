package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/urfave/cli/v3"

	"github.com/tephra-ml/tephra/internal/quant"
)

func quantizeCmd() *cli.Command {
	var (
		inPath   string
		outPath  string
		typeName string
		width    int64
	)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Encode a raw little-endian f32 blob into a quantized format",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "raw f32 input blob",
				Required:    true,
				Destination: &inPath,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "output file",
				Required:    true,
				Destination: &outPath,
			},
			&cli.StringFlag{
				Name:        "type",
				Aliases:     []string{"t"},
				Usage:       "target encoding (q4_0, q8_0, q4_k, ...)",
				Value:       "q8_0",
				Destination: &typeName,
			},
			&cli.Int64Flag{
				Name:        "width",
				Aliases:     []string{"k"},
				Usage:       "row width in elements",
				Value:       4096,
				Destination: &width,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dt, err := quant.ParseDType(typeName)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if !dt.IsQuantized() {
				return cli.Exit(fmt.Sprintf("error: %s is not a quantized encoding", dt), 1)
			}
			k := int(width)
			if k%dt.BlockSize() != 0 {
				return cli.Exit(fmt.Sprintf("error: width %d not a multiple of %s block size %d",
					k, dt, dt.BlockSize()), 1)
			}

			f, err := os.Open(inPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open input: %v", err), 1)
			}
			defer f.Close()
			m, err := mmap.Map(f, mmap.RDONLY, 0)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: map input: %v", err), 1)
			}
			defer func() { _ = m.Unmap() }()
			if len(m)%(4*k) != 0 {
				return cli.Exit(fmt.Sprintf("error: input size %d is not whole f32 rows of width %d",
					len(m), k), 1)
			}
			rows := len(m) / (4 * k)

			out, err := os.Create(outPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: create output: %v", err), 1)
			}
			defer out.Close()

			start := time.Now()
			vals := make([]float32, k)
			enc := make([]byte, quant.RowBytes(dt, k))
			for r := 0; r < rows; r++ {
				rowBytes := m[r*4*k : (r+1)*4*k]
				for i := 0; i < k; i++ {
					vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(rowBytes[i*4:]))
				}
				if err := quant.QuantizeRow(dt, vals, enc, k); err != nil {
					return cli.Exit(fmt.Sprintf("error: quantize row %d: %v", r, err), 1)
				}
				if _, err := out.Write(enc); err != nil {
					return cli.Exit(fmt.Sprintf("error: write output: %v", err), 1)
				}
			}

			inMB := float64(len(m)) / (1024 * 1024)
			outMB := float64(rows*quant.RowBytes(dt, k)) / (1024 * 1024)
			fmt.Printf("%s: %d rows x %d -> %s, %.1f MB -> %.1f MB (%.2fx) in %s\n",
				dt, rows, k, outPath, inMB, outMB, inMB/outMB,
				time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}
