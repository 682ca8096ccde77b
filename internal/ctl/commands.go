package ctl

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/wpfleet/mailvault/internal/common"
	"github.com/wpfleet/mailvault/internal/filex"
	"github.com/wpfleet/mailvault/internal/netx"
	"github.com/wpfleet/mailvault/internal/server/services"
	"go.uber.org/multierr"
)

func newMigrateCmd(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.with(cmd, func(ctx context.Context, b Backend) error {
				if err := b.Migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	}
}

func newExportCmd(r *runner) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Create a recovery package of a user's archived emails",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := GetPassword("Account password: ", cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer common.WipeByteArray(password)

			return r.with(cmd, func(ctx context.Context, b Backend) error {
				res, err := b.Export(ctx, userID, string(password))
				if err != nil {
					return userError(err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "export id:  %s\n", res.ExportID)
				fmt.Fprintf(out, "emails:     %d\n", res.EmailCount)
				if res.Skipped > 0 {
					fmt.Fprintf(out, "skipped:    %d (could not be decrypted)\n", res.Skipped)
				}
				fmt.Fprintf(out, "expires at: %s\n", res.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "id of the user to export")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newImportCmd(r *runner) *cobra.Command {
	var exportID, file, url, target string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Restore a recovery package into an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if countSet(exportID, file, url) != 1 {
				return errors.New("exactly one of --export, --file or --url is required")
			}

			var raw []byte
			var err error
			switch {
			case file != "":
				raw, err = os.ReadFile(file)
			case url != "":
				raw, err = netx.FetchPresigned(cmd.Context(), url)
			}
			if err != nil {
				return err
			}

			password, err := GetPassword("Package password: ", cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer common.WipeByteArray(password)

			return r.with(cmd, func(ctx context.Context, b Backend) error {
				var res *services.ImportResult
				var err error
				if exportID == "" {
					res, err = b.ImportFile(ctx, raw, string(password), target)
				} else {
					res, err = b.Import(ctx, exportID, string(password), target)
				}
				if err != nil {
					return userError(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d of %d emails into %s\n", res.ImportedCount, res.TotalCount, res.TargetUserID)
				if res.AlreadyImported > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%d emails were already restored by an earlier import\n", res.AlreadyImported)
				}
				if res.Failed > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%d emails could not be restored\n", res.Failed)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&exportID, "export", "e", "", "export id of a stored package")
	cmd.Flags().StringVarP(&file, "file", "f", "", "downloaded package file")
	cmd.Flags().StringVar(&url, "url", "", "presigned URL of an off-site package copy")
	cmd.Flags().StringVarP(&target, "target", "t", "", "target user id (defaults to the package owner)")
	return cmd
}

func newDownloadCmd(r *runner) *cobra.Command {
	var exportID, userID, out string

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Write a recovery package file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.with(cmd, func(ctx context.Context, b Backend) error {
				f, err := b.Download(ctx, exportID, userID)
				if err != nil {
					return userError(err)
				}
				body, err := f.Marshal()
				if err != nil {
					return err
				}
				if out == "" || out == "-" {
					_, err = cmd.OutOrStdout().Write(append(body, '\n'))
					return err
				}
				return filex.WritePrivate(out, body)
			})
		},
	}
	cmd.Flags().StringVarP(&exportID, "export", "e", "", "export id")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "owner user id")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	_ = cmd.MarkFlagRequired("export")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newLinkCmd(r *runner) *cobra.Command {
	var exportID, userID string

	cmd := &cobra.Command{
		Use:   "link",
		Short: "Print a short-lived URL of a package's off-site copy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.with(cmd, func(ctx context.Context, b Backend) error {
				url, err := b.PresignedDownloadURL(ctx, exportID, userID)
				if err != nil {
					return userError(err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), url)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&exportID, "export", "e", "", "export id")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "owner user id")
	_ = cmd.MarkFlagRequired("export")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newSweepCmd(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:       "sweep daily|weekly",
		Short:     "Run a retention sweep now",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"daily", "weekly"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.with(cmd, func(ctx context.Context, b Backend) error {
				var report *services.SweepReport
				if args[0] == "daily" {
					report = b.SweepDaily(ctx)
				} else {
					report = b.SweepWeekly(ctx)
				}
				printReport(cmd, report)
				if report.Err != nil {
					return fmt.Errorf("%d sweep steps failed: %w", len(multierr.Errors(report.Err)), report.Err)
				}
				return nil
			})
		},
	}
}

func printReport(cmd *cobra.Command, r *services.SweepReport) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "purged emails:        %d\n", r.PurgedEmails)
	fmt.Fprintf(out, "purged packages:      %d\n", r.PurgedPackages)
	fmt.Fprintf(out, "deleted objects:      %d\n", r.DeletedObjects)
	fmt.Fprintf(out, "purged audit logs:    %d\n", r.PurgedAuditLogs)
	fmt.Fprintf(out, "purged recovery logs: %d\n", r.PurgedRecoveryLogs)
	fmt.Fprintf(out, "compacted:            %t\n", r.Compacted)
}

func countSet(values ...string) int {
	n := 0
	for _, v := range values {
		if v != "" {
			n++
		}
	}
	return n
}

// userError replaces err with its stable code and safe message.
func userError(err error) error {
	return fmt.Errorf("%s: %s", common.Code(err), common.SafeMessage(err))
}
