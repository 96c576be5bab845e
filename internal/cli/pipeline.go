package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/eesocial/eesocial/internal/app"
	"github.com/eesocial/eesocial/internal/config"
	apperr "github.com/eesocial/eesocial/internal/errors"
)

// PipelineOptions holds flags shared by run, ingest and resolve. Flags
// override the file and environment configuration only when set.
type PipelineOptions struct {
	*RootOptions
	Source          string
	Store           string
	Database        string
	MongoURI        string
	Fingerprint     string
	ContinueOnError bool
}

// stage is an App method expression such as (*app.App).Run.
type stage func(a *app.App, ctx context.Context) error

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PipelineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest all archives, then resolve event links",
		Long: `Walk the source for .zip download archives, store every new event,
then link exclusion and rectification events to their targets.

Example:
  eesocial run --source /data/downloads
  LOC_DIR=/data/downloads MONGODB_URI=mongodb://localhost:27017 eesocial run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, opts, (*app.App).Run)
		},
	}
	addSourceFlags(cmd, opts)
	addStoreFlags(cmd, opts)
	return cmd
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PipelineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest archives without resolving",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, opts, (*app.App).Ingest)
		},
	}
	addSourceFlags(cmd, opts)
	addStoreFlags(cmd, opts)
	return cmd
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PipelineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Link exclusion and rectification events already in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, opts, (*app.App).Resolve)
		},
	}
	addStoreFlags(cmd, opts)
	return cmd
}

func addSourceFlags(cmd *cobra.Command, opts *PipelineOptions) {
	cmd.Flags().StringVarP(&opts.Source, "source", "s", "", "directory walked for .zip archives (overrides LOC_DIR)")
	cmd.Flags().StringVar(&opts.Fingerprint, "fingerprint", "", "archive identity: name-size, name-size-mtime, content")
	cmd.Flags().BoolVar(&opts.ContinueOnError, "continue-on-error", false, "log failed archives and keep going")
}

func addStoreFlags(cmd *cobra.Command, opts *PipelineOptions) {
	cmd.Flags().StringVar(&opts.Store, "store", "", "document store: sqlite, mongo")
	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite database path")
	cmd.Flags().StringVar(&opts.MongoURI, "mongo-uri", "", "MongoDB connection string (implies --store mongo)")
}

func runPipeline(cmd *cobra.Command, opts *PipelineOptions, run stage) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	logger := app.NewLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	a, err := app.New(cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create application", err)
	}
	defer a.Close()

	if err := run(a, cmd.Context()); err != nil {
		return WrapExitError(exitCodeFor(err), "pipeline failed", err)
	}
	return writeSummary(cmd.OutOrStdout(), opts.Format, a.Stats().Snapshot())
}

// loadConfig layers the command line over the file and environment.
func loadConfig(cmd *cobra.Command, opts *PipelineOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath, opts.EnvFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}

	flags := cmd.Flags()
	if flags.Changed("source") {
		cfg.Source.Dir = opts.Source
		cfg.Source.Remote.Enabled = false
	}
	if flags.Changed("fingerprint") {
		cfg.Ingest.Fingerprint = opts.Fingerprint
	}
	if flags.Changed("continue-on-error") {
		cfg.Ingest.ContinueOnError = opts.ContinueOnError
	}
	if flags.Changed("mongo-uri") {
		cfg.Store.URI = opts.MongoURI
		cfg.Store.Type = config.StoreMongo
	}
	if flags.Changed("store") {
		cfg.Store.Type = opts.Store
	}
	if flags.Changed("db") {
		cfg.Store.Path = opts.Database
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	if opts.LogFormat != "" {
		cfg.Log.Format = opts.LogFormat
	}
	return cfg, nil
}

// Configuration faults exit with ExitCommandError, everything else with
// ExitFailure.
func exitCodeFor(err error) int {
	if apperr.GetCategory(err) == apperr.ErrCategoryConfig {
		return ExitCommandError
	}
	return ExitFailure
}

