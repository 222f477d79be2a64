package cli

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nous-labs/autoreply/internal/daemon"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: owner sessions, reply loop and admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := a.config()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			logger.Info("autoreply starting", "version", a.build.Version, "commit", a.build.Commit)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := daemon.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return d.Run(ctx)
		},
	}
	cmd.Flags().String("http-addr", "", "Admin API listen address (overrides http_addr).")
	_ = a.v.BindPFlag("http_addr", cmd.Flags().Lookup("http-addr"))
	return cmd
}
