// Package cmd defines the CLI commands for the listener executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/indieweb-listener/internal/config"
	"github.com/JakeFAU/indieweb-listener/internal/server"
	"github.com/JakeFAU/indieweb-listener/internal/webmention"
)

// App is the subset of the application the commands drive. Tests inject a fake.
type App interface {
	Run(ctx context.Context) error
	Verify(ctx context.Context, claim webmention.Claim) (webmention.Outcome, error)
	Close() error
}

type appFactory func(ctx context.Context, cfgPath string) (App, error)

type appKeyType struct{}

func buildApp(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(ctx, &cfg)
	if err != nil {
		return nil, fmt.Errorf("build app: %w", err)
	}
	return app, nil
}

// newRootCmd creates the root command. The app is built before any
// subcommand runs and closed by the subcommand that owns its lifecycle.
func newRootCmd(factory appFactory) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "listener",
		Short: "Receives and verifies webmentions for a static site.",
		Long: `listener accepts webmention claims over HTTP, confirms that the source
really links to the target, applies the vouch policy, and records accepted
mentions as snippet files next to the site content.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := factory(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKeyType{}, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	cmd.AddCommand(newServeCmd(), newVerifyCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKeyType{}).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	root := newRootCmd(buildApp)
	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
