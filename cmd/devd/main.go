// devd is the device control-plane runtime: a persistent store, tool
// registry, automation engine, and bytecode VM behind newline-framed
// JSON transports.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"devicenerd/internal/config"
	"devicenerd/internal/logging"
	"devicenerd/internal/system"
)

var (
	// Global flags
	cfgPath string
	dataDir string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "devd",
	Short: "devd - embedded device control plane",
	Long: `devd runs the device control plane: a flash-backed key/value store,
a tool registry with dynamic (composite, script, bytecode) tools, an
automation rule engine, and an event bus, served over stdio and TCP
with newline-framed JSON envelopes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return logging.Initialize(logging.Options{
			Debug:      cfg.Logging.Debug,
			Categories: cfg.Logging.Categories,
			Console:    cfg.Logging.Console,
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "configuration file (JSON or YAML)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "runtime state directory (default .devd)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(invokeCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(storeCmd)
}

// loadConfig resolves the effective configuration: file, then
// environment, then command-line flags.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if debug {
		cfg.Logging.Debug = true
	}
	return cfg, nil
}

func bootKernel() (*system.Kernel, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return system.Boot(cfg)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
