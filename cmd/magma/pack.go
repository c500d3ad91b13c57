package main

import (
	"context"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/magma/pkg/descriptor"
)

func packCmd() *cli.Command {
	var out string

	return &cli.Command{
		Name:      "pack",
		Usage:     "Compress a JSON descriptor into its opaque wire form",
		ArgsUsage: "<descriptor json file>",
		Flags: append(loggingFlags(),
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output file (default: <input>.bin)",
				Destination: &out,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyLoggingConfig(cmd, LoadConfig())
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one descriptor JSON file")
			}
			in := cmd.Args().First()

			raw, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			var d descriptor.Descriptor
			if err := json.Unmarshal(raw, &d); err != nil {
				return fmt.Errorf("parse %s: %w", in, err)
			}
			opaque, err := descriptor.Encode(&d)
			if err != nil {
				return err
			}

			if out == "" {
				out = in + ".bin"
			}
			if err := os.WriteFile(out, opaque, 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s (%d bytes, %d uncompressed)\n", out, len(opaque), len(raw))
			return nil
		},
	}
}
