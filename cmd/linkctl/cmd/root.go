package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"go.pilab.hu/oauthlink/config"
	"go.pilab.hu/oauthlink/internal/audit"
	"go.pilab.hu/oauthlink/internal/server"
	"go.pilab.hu/oauthlink/log"
)

// AppName is the binary name.
const AppName = "linkctl"

type options struct {
	configFile string
	output     string
	logLevel   string

	cfg       *config.Config
	appLogger log.Logger
}

// NewRootCmd builds the command tree. environ supplies the secrets, normally os.Environ().
func NewRootCmd(environ []string) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           AppName,
		Short:         "linkctl inspects and maintains oauthlink connected accounts",
		Long:          `A command-line interface for listing providers, building authorization URLs and running token validation sweeps against the oauthlink store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appLogger, err := log.Setup(opts.logLevel, false)
			if err != nil {
				return err
			}
			opts.appLogger = appLogger
			// stdout carries command output
			audit.SetOutput(cmd.ErrOrStderr())

			cfg, err := config.LoadConfig(opts.configFile)
			if err != nil {
				return err
			}
			if err := cfg.LoadSecrets(environ); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			opts.cfg = cfg
			appLogger.Debug(cmd.Context(), "Configuration loaded", map[string]interface{}{
				"storage_backend": cfg.StorageBackend,
				"providers":       len(cfg.Secrets.Clients),
			})
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (default is ./oauthlink.yaml or /etc/oauthlink/oauthlink.yaml)")
	flags.StringVarP(&opts.output, "output", "o", "yaml", "output format: yaml or json")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level")

	rootCmd.AddCommand(
		newProvidersCmd(opts),
		newAuthorizeURLCmd(opts),
		newSweepCmd(opts),
		newStatusCmd(opts),
	)
	return rootCmd
}

// Execute runs the CLI with the process environment.
func Execute() {
	rootCmd := NewRootCmd(os.Environ())
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// withApp builds the engine for the duration of fn.
func (o *options) withApp(cmd *cobra.Command, fn func(app *server.App) error) error {
	ctx := cmd.Context()
	app, err := server.NewApp(ctx, o.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := app.Close(ctx); cerr != nil {
			o.appLogger.Error(ctx, "Failed to close application", cerr)
		}
	}()
	return fn(app)
}

func (o *options) print(w io.Writer, v any) error {
	switch o.output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		out, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	default:
		return fmt.Errorf("unknown output format %q", o.output)
	}
}
