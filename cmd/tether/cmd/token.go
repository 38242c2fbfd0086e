package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/practicehq/tether/pkg/tether/rest"
	"github.com/practicehq/tether/pkg/tether/tokens"
)

// tokenCmd represents the token command
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Check (and refresh) the linked account token",
	Long: `Run one token status check, refreshing the access token if the
backend reports it necessary. With --watch, keep the scheduler running
on its normal interval until interrupted.`,
	RunE: runToken,
}

var tokenWatch bool

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().BoolVar(&tokenWatch, "watch", false, "keep checking on the configured interval")
}

func runToken(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	read, mutation, err := cfg.RetryPolicies()
	if err != nil {
		return err
	}
	client, err := rest.NewClient().
		WithBaseURL(cfg.Server.BaseURL).
		WithLogger(logger).
		WithRetryPolicy(read, mutation).
		Build()
	if err != nil {
		return err
	}

	interval, err := cfg.TokenCheckInterval()
	if err != nil {
		return err
	}

	scheduler, err := tokens.NewScheduler().
		WithClient(client).
		WithLogger(logger).
		WithInterval(interval).
		WithPrompt(func(message string) {
			fmt.Println(message)
		}).
		Build()
	if err != nil {
		return err
	}

	if !tokenWatch {
		return scheduler.CheckNow(context.Background())
	}

	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	fmt.Printf("checking every %s... (Press Ctrl+C to exit)\n", interval)
	<-sigChan
	return nil
}
