package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"automoth/internal/app"
)

func newDaemonCmd(o *options) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the capture daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			ctx := cmd.Context()
			a, err := app.NewApp(ctx, o.configPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
				defer cancel()
				return errors.Join(err, a.Stop(sctx, app.StopFatalError))
			}

			var reason app.StopReason
			select {
			case sig := <-sigCh:
				reason = app.StopSIGINT
				if sig == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
			case <-a.Done():
				reason = app.StopFatalError
			}

			sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			stopErr := a.Stop(sctx, reason)
			if reason == app.StopFatalError {
				return errors.Join(a.Err(), stopErr)
			}
			return stopErr
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 20*time.Second, "upper bound for a graceful shutdown")
	return cmd
}
