// Package cmd defines and implements the CLI commands for the collector executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/bgm-collector/internal/config"
	"github.com/JakeFAU/bgm-collector/internal/scheduler"
	"github.com/JakeFAU/bgm-collector/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the subcommands drive. Tests swap in a fake through newApp.
type App interface {
	Run(ctx context.Context) error
	RefreshOnce(ctx context.Context) (scheduler.Status, error)
	Close(ctx context.Context) error
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "collector",
		Short: "Caches Bangumi user name history and the on-air catalog.",
		Long: `collector keeps a local copy of Bangumi user profiles, the names each user
has gone by, and the bangumi-data on-air catalog. Records are served from the
store and refreshed in the background when they go stale.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), &cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env COLLECTOR_* overrides)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRefreshOnAirCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
