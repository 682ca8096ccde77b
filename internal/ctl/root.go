// Package ctl implements mailvaultctl, the operator CLI for schema
// migrations, recovery packages and manual retention sweeps.
package ctl

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/wpfleet/mailvault/internal/logging"
	"github.com/wpfleet/mailvault/internal/server"
	"github.com/wpfleet/mailvault/internal/server/config"
	"github.com/wpfleet/mailvault/internal/server/services"
)

// Backend is the subset of server.App the commands drive.
type Backend interface {
	Migrate(ctx context.Context) error
	Export(ctx context.Context, userID, password string) (*services.ExportResult, error)
	Import(ctx context.Context, exportID, password, targetUserID string) (*services.ImportResult, error)
	ImportFile(ctx context.Context, file []byte, password, targetUserID string) (*services.ImportResult, error)
	Download(ctx context.Context, exportID, userID string) (*services.PackageFile, error)
	PresignedDownloadURL(ctx context.Context, exportID, userID string) (string, error)
	SweepDaily(ctx context.Context) *services.SweepReport
	SweepWeekly(ctx context.Context) *services.SweepReport
	Close() error
}

// Opener builds a Backend from configuration.
type Opener func(ctx context.Context, cfg *config.Config, logger logging.Logger) (Backend, error)

// OpenApp opens the real server.App.
func OpenApp(ctx context.Context, cfg *config.Config, logger logging.Logger) (Backend, error) {
	app, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return app, nil
}

type options struct {
	configFile string
	envFile    string
	dsn        string
	logLevel   string
}

// NewRootCmd builds the command tree. open is called lazily by the
// subcommands that need a backend.
func NewRootCmd(open Opener) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "mailvaultctl",
		Short: "Operate the encrypted email archive",
		Long: `mailvaultctl manages the encrypted email archive: it applies schema
migrations, creates and restores password-protected recovery packages,
and runs retention sweeps on demand.

Secrets are read from MAILVAULT_MASTER_SECRET, MAILVAULT_STORAGE_SALT and
MAILVAULT_RECOVERY_SALT, optionally loaded from a .env file.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "JSON config file")
	root.PersistentFlags().StringVar(&opts.envFile, "env", "", "dotenv file with secrets")
	root.PersistentFlags().StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level")

	r := &runner{opts: opts, open: open}
	root.AddCommand(
		newMigrateCmd(r),
		newExportCmd(r),
		newImportCmd(r),
		newDownloadCmd(r),
		newLinkCmd(r),
		newSweepCmd(r),
	)
	return root
}

// runner opens the backend for a single command invocation.
type runner struct {
	opts *options
	open Opener
}

func (r *runner) args() []string {
	var args []string
	if r.opts.configFile != "" {
		args = append(args, "-c", r.opts.configFile)
	}
	if r.opts.envFile != "" {
		args = append(args, "-env", r.opts.envFile)
	}
	if r.opts.dsn != "" {
		args = append(args, "-d", r.opts.dsn)
	}
	return args
}

func (r *runner) with(cmd *cobra.Command, fn func(ctx context.Context, b Backend) error) error {
	cfg, err := config.LoadConfig(r.args())
	if err != nil {
		return err
	}

	logger := logging.New(cmd.ErrOrStderr(), "text", r.opts.logLevel)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	b, err := r.open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	return fn(ctx, b)
}
