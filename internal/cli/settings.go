package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/nous-labs/autoreply/internal/admin"
)

func newSettingsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Export or import an owner's settings as TOML",
	}
	cmd.AddCommand(newSettingsExportCmd(a), newSettingsImportCmd(a))
	return cmd
}

func newSettingsExportCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write stored settings as TOML to stdout or --file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withAdmin(cmd, func(ctx context.Context, svc *admin.Service, ownerID int64) error {
				if err := requireOwner(ownerID); err != nil {
					return err
				}
				data, err := svc.ExportSettings(ctx, ownerID)
				if err != nil {
					return err
				}
				if file == "" {
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				if err := os.WriteFile(file, data, 0o600); err != nil {
					return fmt.Errorf("write %s: %w", file, err)
				}
				return say(cmd.OutOrStdout(), "settings written to", file)
			})
		},
	}
	ownerFlag(cmd)
	cmd.Flags().StringVar(&file, "file", "", "Output file.")
	return cmd
}

func newSettingsImportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file|->",
		Short: "Validate and store settings from a TOML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read settings: %w", err)
			}
			return a.withAdmin(cmd, func(ctx context.Context, svc *admin.Service, ownerID int64) error {
				if err := requireOwner(ownerID); err != nil {
					return err
				}
				n, err := svc.ImportSettings(ctx, ownerID, data)
				if err != nil {
					return err
				}
				return say(cmd.OutOrStdout(), fmt.Sprintf("imported %d settings", n))
			})
		},
	}
	ownerFlag(cmd)
	return cmd
}
