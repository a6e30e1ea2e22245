package main

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/tephra-ml/tephra/internal/backend"
)

func devicesCmd() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "Enumerate devices and print them as JSON",
		Flags: commonBackendFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			b, err := backend.Open(backendConfig(cmd), buildLogger())
			if err != nil {
				return err
			}
			defer b.Close()

			type row struct {
				ID         int    `json:"id"`
				Name       string `json:"name"`
				Capability string `json:"capability"`
				Cores      int    `json:"cores"`
				TotalMem   uint64 `json:"total_mem"`
			}
			devs := b.Context().Devices()
			out := make([]row, len(devs))
			for i, d := range devs {
				out[i] = row{
					ID:         d.ID,
					Name:       d.Name,
					Capability: d.Cap.String(),
					Cores:      d.Cores,
					TotalMem:   d.TotalMem,
				}
			}
			data, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}
