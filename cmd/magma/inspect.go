package main

import (
	"context"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/magma/pkg/descriptor"
)

func inspectCmd() *cli.Command {
	var compact bool

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Decode an opaque kernel-call descriptor file",
		ArgsUsage: "<descriptor file>",
		Flags: append(loggingFlags(),
			&cli.BoolFlag{
				Name:        "compact",
				Usage:       "print compact JSON instead of indented",
				Destination: &compact,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyLoggingConfig(cmd, LoadConfig())
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one descriptor file")
			}

			f, err := descriptor.OpenFile(cmd.Args().First())
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			d, serialized, err := descriptor.Decode(f.Data)
			if err != nil {
				return err
			}

			var out []byte
			if compact {
				out, err = json.Marshal(d)
			} else {
				out, err = json.MarshalIndent(d, "", "  ")
			}
			if err != nil {
				return err
			}
			if _, err := os.Stdout.Write(append(out, '\n')); err != nil {
				return err
			}
			buildLogger().Debug("decoded descriptor",
				"compressed_bytes", len(f.Data), "serialized_bytes", len(serialized))
			return nil
		},
	}
}
