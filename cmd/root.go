// Package cmd defines and implements the CLI commands of the pricecrawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/retail-price-crawler/internal/app"
	"github.com/JakeFAU/retail-price-crawler/internal/config"
	"github.com/JakeFAU/retail-price-crawler/internal/logging"
	"github.com/JakeFAU/retail-price-crawler/internal/supervisor"
)

// App is the part of *app.App the commands use. Tests inject a fake.
type App interface {
	Serve(ctx context.Context) error
	RunOnce(ctx context.Context, req supervisor.Request) (supervisor.Snapshot, error)
	Close()
}

type appKeyType struct{}

type loggerKeyType struct{}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.Build(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command. The returned func
// releases the application services built by the command; cobra skips post-run
// hooks when RunE fails, so callers must invoke it themselves.
func newRootCmd() (*cobra.Command, func()) {
	var (
		cfgFile  string
		envFile  string
		instance App
	)
	cmd := &cobra.Command{
		Use:   "pricecrawler",
		Short: "Collects the price files retailers are required to publish.",
		Long: `pricecrawler logs into retailer price portals, discovers the published
price files, and stores each distinct file once per run together with a run
manifest. It runs as an HTTP service or as a one-shot command.`,
		SilenceUsage: true,

		// Builds the application after flags are parsed and before RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(envFile); err != nil {
				return err
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			built, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			instance = built
			ctx := context.WithValue(cmd.Context(), appKeyType{}, built)
			ctx = context.WithValue(ctx, loggerKeyType{}, logger)
			cmd.SetContext(ctx)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML or JSON)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before config; missing files are ignored")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRunCmd())
	closeApp := func() {
		if instance != nil {
			instance.Close()
			instance = nil
		}
	}
	return cmd, closeApp
}

// execute runs the CLI with args and always releases the application.
func execute(ctx context.Context, args []string) error {
	root, closeApp := newRootCmd()
	defer closeApp()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// loadEnvFile exports the variables of path without overriding ones already set.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func resolveApp(ctx context.Context) (App, error) {
	instance, ok := ctx.Value(appKeyType{}).(App)
	if !ok || instance == nil {
		return nil, errors.New("application services not initialized")
	}
	return instance, nil
}

func resolveLogger(ctx context.Context) *zap.Logger {
	logger, _ := ctx.Value(loggerKeyType{}).(*zap.Logger)
	return logging.OrNop(logger)
}

// Execute is the main entry point.
func Execute() {
	if err := execute(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
