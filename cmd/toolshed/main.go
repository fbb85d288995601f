package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolshed/toolshed/pkg/api"
	"github.com/toolshed/toolshed/pkg/app"
	"github.com/toolshed/toolshed/pkg/config"
	"github.com/toolshed/toolshed/pkg/logger"
	"github.com/toolshed/toolshed/pkg/session"
)

var (
	version = "dev"
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:           "toolshed",
	Short:         "Tool-lending marketplace client",
	Long:          `toolshed keeps conversations and booking notifications in sync with a tool-lending marketplace server.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path (default is ~/.toolshed/config.json)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := app.ConfigureLogging(cfg); err != nil {
		return nil, err
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logger.SetLevel(logger.DEBUG)
	}
	return cfg, nil
}

// restClient builds a session and REST client for one-shot commands that
// do not need the event channel.
func restClient(cfg *config.Config) (*session.Manager, *api.Client) {
	sess := session.NewManager(cfg.SessionPath())
	client := api.NewClient(api.Options{
		BaseURL:   cfg.API.BaseURL,
		Timeout:   cfg.APITimeout(),
		RateLimit: cfg.API.RateLimitRPS,
		Burst:     cfg.API.RateLimitBurst,
		Tokens:    sess,
	})
	return sess, client
}

// startApp builds the full client and restores the saved session.
func startApp(ctx context.Context, cfg *config.Config) (*app.App, error) {
	a, err := app.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := a.Start(ctx); err != nil {
		return nil, err
	}
	if a.Session.ActorID() == "" {
		a.Stop()
		return nil, fmt.Errorf("not logged in; run `toolshed login` first")
	}
	return a, nil
}

func waitConnected(a *app.App, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if a.Channel.Connected() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return a.Channel.Connected()
}
