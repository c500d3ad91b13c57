package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/magma/internal/api"
	"github.com/samcharles93/magma/internal/cudriver"
	"github.com/samcharles93/magma/internal/launch"
	"github.com/samcharles93/magma/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve launcher diagnostics (devices, caches, metrics)",
		Flags: append(loggingFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := LoadConfig()
			applyLoggingConfig(cmd, cfg)
			applyServeConfig(cmd, cfg, &addr)

			log := buildLogger()
			ctx = logger.WithContext(ctx, log)

			if cfg.PtxasPath != "" {
				cudriver.SetPtxasPath(cfg.PtxasPath)
			}

			l, err := launch.Default()
			if err != nil {
				return err
			}
			drv, err := cudriver.New()
			if err != nil {
				return err
			}

			server := api.NewServer(api.LauncherStats{Launcher: l}, api.CUDADevices(drv), log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting diagnostics server", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
