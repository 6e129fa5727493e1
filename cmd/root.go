// Package cmd defines and implements the CLI commands for the geoload executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/geoload/internal/app"
	"github.com/JakeFAU/geoload/internal/catalog"
	"github.com/JakeFAU/geoload/internal/config"
	"github.com/JakeFAU/geoload/internal/logging"
	"github.com/JakeFAU/geoload/internal/orchestrator"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

const closeTimeout = 5 * time.Second

// App defines the services commands use. Tests may inject their own.
type App interface {
	Close(ctx context.Context) error
	Logger() *zap.Logger
	Orchestrator() *orchestrator.Orchestrator
	Catalog() *catalog.Client
}

// appFactory builds the services once configuration and logging are ready.
type appFactory func(cfg config.Config, logger *zap.Logger) (App, error)

func defaultAppFactory(cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(cfg, logger)
}

type rootOptions struct {
	cfgFile string
	apiURL  string
	verbose bool

	newApp appFactory
	app    App
}

// newRootCmd creates and configures the root command.
func newRootCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "geoload",
		Short: "Upload address workbooks for geocoding and follow their progress.",
		Long: `geoload sends an address spreadsheet to the geocoding service, follows
the processing session until it finishes, and reads back the stored records.`,
		SilenceUsage: true,

		// Runs before every subcommand: load config, build the logger and
		// services, and stash them in the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return err
			}
			if opts.apiURL != "" {
				cfg.API.BaseURL = opts.apiURL
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Verbose:     opts.verbose,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			appInstance, err := opts.newApp(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			opts.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML, TOML or JSON)")
	cmd.PersistentFlags().StringVar(&opts.apiURL, "api-url", "", "override api.base_url")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newUploadCmd())
	cmd.AddCommand(newAddressesCmd())

	return cmd
}

// run executes the CLI with args and closes whatever services were built,
// including when the command failed.
func run(ctx context.Context, args []string, out, errOut io.Writer, newApp appFactory) error {
	opts := &rootOptions{newApp: newApp}
	root := newRootCmd(opts)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)

	err := root.ExecuteContext(ctx)
	if opts.app != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if cerr := opts.app.Close(closeCtx); cerr != nil {
			opts.app.Logger().Warn("failed to close services", zap.Error(cerr))
		}
	}
	return err
}

// Execute is the main entry point.
func Execute() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultAppFactory); err != nil {
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
