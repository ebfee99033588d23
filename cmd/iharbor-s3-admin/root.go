package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/i-harbor/iharbor-s3/internal/backends"
	"github.com/i-harbor/iharbor-s3/internal/config"
	"github.com/i-harbor/iharbor-s3/internal/logging"
	"github.com/i-harbor/iharbor-s3/internal/metadata"
	"github.com/i-harbor/iharbor-s3/internal/multipart"
	"github.com/i-harbor/iharbor-s3/internal/storage"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "iharbor-s3-admin",
		Short: "Maintenance tool for the iHarbor S3 multipart gateway",
		Long: `iharbor-s3-admin works directly on the metadata engine and byte store
configured for the gateway. It lists and reclaims multipart uploads,
manages buckets and exports or imports the SQLite metadata tables.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Setup(opts.logLevel, "text", cmd.ErrOrStderr())
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "iharbor-s3.yaml", "Path to the gateway configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")

	cmd.AddCommand(newUploadsCmd(opts))
	cmd.AddCommand(newBucketCmd(opts))
	cmd.AddCommand(newExportCmd(opts))
	cmd.AddCommand(newImportCmd(opts))
	return cmd
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// env is the set of backends a command works on.
type env struct {
	cfg   *config.Config
	meta  metadata.Store
	store storage.ByteStore
	mgr   *multipart.Manager
}

// open connects to the configured backends. The caller must call close.
func (o *rootOptions) open(ctx context.Context) (*env, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	meta, err := backends.OpenMetadata(ctx, &cfg.Metadata)
	if err != nil {
		return nil, err
	}
	store, err := backends.OpenStorage(ctx, &cfg.Storage)
	if err != nil {
		meta.Close()
		return nil, err
	}
	return &env{
		cfg:   cfg,
		meta:  meta,
		store: store,
		mgr:   multipart.NewManager(meta, store, multipart.OptionsFromConfig(cfg.Multipart)),
	}, nil
}

func (e *env) close() {
	storage.Close(e.store)
	e.meta.Close()
}

// withEnv adapts a command body that needs the backends to cobra's RunE.
func withEnv(o *rootOptions, fn func(cmd *cobra.Command, e *env, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := o.open(cmd.Context())
		if err != nil {
			return err
		}
		defer e.close()
		return fn(cmd, e, args)
	}
}

// confirm asks a yes/no question on the command's streams.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	var answer string
	if _, err := fmt.Fscanln(in, &answer); err != nil {
		return false
	}
	return answer == "y" || answer == "Y" || answer == "yes"
}
