package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/magma/internal/api"
	"github.com/samcharles93/magma/internal/cudriver"
)

func devicesCmd() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List visible GPUs and their compute capabilities",
		Flags: loggingFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyLoggingConfig(cmd, LoadConfig())

			drv, err := cudriver.New()
			if err != nil {
				return err
			}
			devices, err := api.CUDADevices(drv)()
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Println("no CUDA devices found")
				return nil
			}
			for _, d := range devices {
				fmt.Printf("%d: %s (sm_%d)\n", d.Ordinal, d.Name, d.ComputeCapability)
			}
			return nil
		},
	}
}
