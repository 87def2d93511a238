// Package main is stratcon-iep, the event ingestion side of stratcon: it
// consumes noit telemetry from a message broker, feeds it through the
// installed streaming statements and publishes query results as alerts.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/c360/stratcon/config"
)

// Build information
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "stratcon-iep"
)

// rootOptions are the flags shared by every command
type rootOptions struct {
	configPaths []string
	logLevel    string
	logFormat   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           appName,
		Short:         "Stream noit telemetry from a broker through streaming statements",
		Version:       fmt.Sprintf("%s (build %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var defaultConfig []string
	if env := os.Getenv("STRATCON_CONFIG"); env != "" {
		defaultConfig = []string{env}
	}
	flags := root.PersistentFlags()
	flags.StringSliceVarP(&opts.configPaths, "config", "c", defaultConfig,
		"Configuration file, repeatable; later files override earlier ones (env: STRATCON_CONFIG)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format: json, text (overrides config)")

	root.AddCommand(
		newRunCmd(opts),
		newValidateCmd(opts),
		newResolveCmd(opts),
		newDecodeCmd(),
	)
	return root
}

// loadConfig merges the configured layers and applies flag overrides
func (o *rootOptions) loadConfig(validate bool) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range o.configPaths {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
