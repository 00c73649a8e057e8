package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/bproximity/logger"
	"github.com/user/bproximity/proximity"
)

// NewRunCommand runs the engine on the host radio until interrupted.
func NewRunCommand(root *RootOptions) *cobra.Command {
	var adapter string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Advertise and scan on the host Bluetooth adapter until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := root.File
			t, err := openTransport(adapter)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to open Bluetooth adapter", err)
			}
			defer t.Close()

			backend, closeFn, err := f.OpenBackend()
			if err != nil {
				return WrapExitError(ExitFailure, "failed to open store backend", err)
			}
			defer closeFn()

			cfg, err := f.Proximity(backend)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid engine config", err)
			}
			out := root.formatter(cmd)
			cfg.OnSighting = func(s proximity.Sighting) {
				out.Event(eventFor(f.Name, s))
			}

			e, err := proximity.New(cfg, t.Central(), t.Peripheral())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to create engine", err)
			}
			defer e.Close()
			if err := e.Start(); err != nil {
				return WrapExitError(ExitFailure, "failed to start engine", err)
			}
			logger.Info(f.Name, "running on %s, stores in %s (%s)", adapter, f.Dir(), f.Backend)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			if err := e.Stop(); err != nil {
				logger.Warn(f.Name, "stop: %v", err)
			}
			return out.Success(simSummary{summarize(f.Name, e)})
		},
	}
	cmd.Flags().StringVar(&adapter, "adapter", "hci0", "BlueZ adapter name")
	return cmd
}
