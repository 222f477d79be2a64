package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nous-labs/autoreply/internal/admin"
	"github.com/nous-labs/autoreply/pkg/store"
)

func newStatusCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show an owner's policy, target and pending queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withAdmin(cmd, func(ctx context.Context, svc *admin.Service, ownerID int64) error {
				if err := requireOwner(ownerID); err != nil {
					return err
				}
				st, err := svc.Status(ctx, ownerID)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(st)
				}
				return say(cmd.OutOrStdout(), st.String())
			})
		},
	}
	ownerFlag(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON.")
	return cmd
}

// ownerAction builds a command that runs fn and prints its message.
func ownerAction(a *app, use, short string, args cobra.PositionalArgs, fn func(ctx context.Context, svc *admin.Service, ownerID int64, args []string) (string, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			return a.withAdmin(cmd, func(ctx context.Context, svc *admin.Service, ownerID int64) error {
				if err := requireOwner(ownerID); err != nil {
					return err
				}
				msg, err := fn(ctx, svc, ownerID, cmdArgs)
				if err != nil {
					return err
				}
				return say(cmd.OutOrStdout(), msg)
			})
		},
	}
	ownerFlag(cmd)
	return cmd
}

func newOnCmd(a *app) *cobra.Command {
	return ownerAction(a, "on", "Enable auto-replies", cobra.NoArgs,
		func(ctx context.Context, svc *admin.Service, id int64, _ []string) (string, error) {
			return "Auto-replies enabled.", svc.Enable(ctx, id)
		})
}

func newOffCmd(a *app) *cobra.Command {
	return ownerAction(a, "off", "Disable auto-replies", cobra.NoArgs,
		func(ctx context.Context, svc *admin.Service, id int64, _ []string) (string, error) {
			return "Auto-replies disabled.", svc.Disable(ctx, id)
		})
}

func newPauseCmd(a *app) *cobra.Command {
	cmd := ownerAction(a, "pause <30m|2h|until HH:MM>", "Pause auto-replies for a while", cobra.MinimumNArgs(1),
		func(ctx context.Context, svc *admin.Service, id int64, args []string) (string, error) {
			until, err := svc.Pause(ctx, id, strings.Join(args, " "))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Paused until %s.", until.Format("2006-01-02 15:04 MST")), nil
		})
	cmd.Example = "  autoreply pause 30m\n  autoreply pause until 23:00"
	return cmd
}

func newResumeCmd(a *app) *cobra.Command {
	return ownerAction(a, "resume", "End a pause", cobra.NoArgs,
		func(ctx context.Context, svc *admin.Service, id int64, _ []string) (string, error) {
			return "Auto-replies resumed.", svc.Resume(ctx, id)
		})
}

func newSetCmd(a *app) *cobra.Command {
	return ownerAction(a, "set <key> <value>", "Change a setting", cobra.MinimumNArgs(2),
		func(ctx context.Context, svc *admin.Service, id int64, args []string) (string, error) {
			key, value, err := svc.Set(ctx, id, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s=%s", key, value), nil
		})
}

func newOwnersCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "owners",
		Short: "List onboarded owners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withAdmin(cmd, func(ctx context.Context, svc *admin.Service, _ int64) error {
				owners, err := svc.Owners(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					if owners == nil {
						owners = []store.Owner{}
					}
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(owners)
				}
				if len(owners) == 0 {
					return say(cmd.OutOrStdout(), "no owners")
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATE\tLAST ACTIVITY")
				for _, o := range owners {
					last := "-"
					if !o.LastActivity.IsZero() {
						last = o.LastActivity.Format("2006-01-02 15:04:05")
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\n", o.ID, o.State, last)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON.")
	return cmd
}
