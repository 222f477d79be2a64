// Package cli is the autoreply command line: the daemon entry point and
// one-shot administrative commands that work on the configured store.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nous-labs/autoreply/internal/admin"
	"github.com/nous-labs/autoreply/internal/daemon"
)

// BuildInfo identifies the binary.
type BuildInfo struct {
	Version string
	Commit  string
}

type app struct {
	v     *viper.Viper
	build BuildInfo
}

// Execute runs the root command.
func Execute(build BuildInfo) error {
	return NewRootCmd(build).Execute()
}

// NewRootCmd builds the command tree. Each call gets its own viper instance.
func NewRootCmd(build BuildInfo) *cobra.Command {
	a := &app{v: daemon.NewViper(), build: build}

	root := &cobra.Command{
		Use:           "autoreply",
		Short:         "Personal auto-reply assistant for one contact",
		Long:          "autoreply answers one chosen contact on your behalf with an LLM, within the policy you set: on/off, pauses, quiet hours and a reply rate limit.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return daemon.ReadConfigFile(a.v, a.v.GetString("config"))
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "Config file path (yaml, json or toml).")
	flags.String("log-level", "info", "Log level: debug, info, warn, error.")
	flags.String("log-format", "text", "Log format: text or json.")
	_ = a.v.BindPFlag("config", flags.Lookup("config"))
	_ = a.v.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("logging.format", flags.Lookup("log-format"))

	root.AddCommand(
		newServeCmd(a),
		newStatusCmd(a),
		newOnCmd(a),
		newOffCmd(a),
		newPauseCmd(a),
		newResumeCmd(a),
		newSetCmd(a),
		newOwnersCmd(a),
		newSettingsCmd(a),
		newVersionCmd(a),
	)
	return root
}

func (a *app) config() (daemon.Config, *slog.Logger, error) {
	cfg, err := daemon.LoadConfig(a.v)
	if err != nil {
		return daemon.Config{}, nil, err
	}
	logger, err := daemon.NewLogger(cfg.Logging)
	if err != nil {
		return daemon.Config{}, nil, err
	}
	return cfg, logger, nil
}

// withAdmin opens the store for one command and resolves the owner from
// --owner, falling back to owner.id from the config.
func (a *app) withAdmin(cmd *cobra.Command, fn func(ctx context.Context, svc *admin.Service, ownerID int64) error) error {
	cfg, logger, err := a.config()
	if err != nil {
		return err
	}
	ownerID, _ := cmd.Flags().GetInt64("owner")
	if ownerID == 0 {
		ownerID = cfg.Owner.ID
	}

	ctx := cmd.Context()
	svc, st, err := daemon.OpenAdmin(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, svc, ownerID)
}

var errNoOwner = errors.New("--owner is required (or set owner.id in the config)")

func ownerFlag(cmd *cobra.Command) {
	cmd.Flags().Int64("owner", 0, "Owner id (defaults to owner.id from the config).")
}

func requireOwner(id int64) error {
	if id == 0 {
		return errNoOwner
	}
	return nil
}

func say(w io.Writer, args ...any) error {
	_, err := fmt.Fprintln(w, args...)
	return err
}
