// Command closureimager images sparse interferometer data from closure
// quantities.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"closureimager/internal/config"
	"closureimager/internal/logging"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	return root.ExecuteContext(ctx)
}

// app holds state shared by the subcommands.
type app struct {
	configPath string
	verbose    bool
	logFormat  string

	cfg    config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "closureimager",
		Short: "Closure-quantity imaging of long-baseline interferometer data",
		Long: `closureimager reconstructs sky images from the closure phases and closure
amplitudes (or the bispectrum) of a sub-array of stations, using a
catalogue-informed or circular Gaussian prior and a two-pass regularized
maximum likelihood imager.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if a.logFormat != "" {
				cfg.Logging.Format = a.logFormat
			}
			logger, err := logging.New(cfg.Logging, a.verbose)
			if err != nil {
				return err
			}
			a.cfg, a.logger = cfg, logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose logging")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "Log encoding: json or console")

	root.AddCommand(
		newImageCmd(a),
		newSimulateCmd(a),
		newInspectCmd(a),
		newCatalogCmd(a),
		newConfigCmd(a),
	)
	return root
}
