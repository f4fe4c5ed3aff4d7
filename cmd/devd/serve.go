package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"devicenerd/internal/logging"
	"devicenerd/internal/system"
	"devicenerd/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kernel loop and serve the configured transports",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		k, err := system.Boot(cfg)
		if err != nil {
			return err
		}
		defer k.Close()

		g, ctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error { return k.Run(ctx) })

		if cfg.Transports.Stdio {
			st := transport.NewStdio(k.Queue(), os.Stdin, os.Stdout)
			g.Go(func() error { return st.Run(ctx) })
		}
		if cfg.Transports.TCP {
			tcp := transport.NewTCP(k.Queue(), cfg.Transports.TCPAddr,
				time.Duration(cfg.Transports.ReadTimeoutMs)*time.Millisecond)
			if err := tcp.Listen(); err != nil {
				return err
			}
			g.Go(func() error { return tcp.Run(ctx) })
		}

		if cfgPath != "" {
			watcher, err := system.NewConfigWatcher(cfgPath, k.ApplyConfig)
			if err != nil {
				logging.Get(logging.CategoryConfig).Warn("config watcher unavailable: %v", err)
			} else if err := watcher.Start(ctx); err != nil {
				logging.Get(logging.CategoryConfig).Warn("config watcher failed to start: %v", err)
			} else {
				defer watcher.Stop()
			}
		}

		return g.Wait()
	},
}
