package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/practicehq/tether/pkg/tether/events"
	"github.com/practicehq/tether/pkg/tether/push"
)

// emitCmd represents the emit command
var emitCmd = &cobra.Command{
	Use:   "emit <event-name> [json-payload]",
	Short: "Emit a test event over the push channel",
	Long: `Connect to the push channel, emit one event, and disconnect.

The payload argument is parsed as JSON when possible, else sent as a
plain string.

Examples:
  tether emit user:activity
  tether emit appointment:created '{"id":"apt-1","clientId":"c-2"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runEmit,
}

var emitTimeout time.Duration

func init() {
	rootCmd.AddCommand(emitCmd)

	emitCmd.Flags().DurationVar(&emitTimeout, "timeout", 30*time.Second, "total operation timeout")
}

func runEmit(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	name := args[0]
	if !events.Known(name) {
		logger.Warn("event name is not in the standard catalogue", zap.String("event", name))
	}

	var payload any
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
			payload = args[1]
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()

	manager, err := push.NewManager().
		WithURL(cfg.PushURL()).
		WithAuth(push.Auth{TenantID: cfg.Server.TenantID, UserID: cfg.Server.UserID}).
		WithLogger(logger).
		WithReconnectEnabled(false).
		Build()
	if err != nil {
		return fmt.Errorf("failed to create push manager: %w", err)
	}

	if err := manager.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		if disconnectErr := manager.Disconnect(); disconnectErr != nil {
			logger.Warn("error during disconnect", zap.Error(disconnectErr))
		}
	}()

	if err := manager.Emit(ctx, name, payload); err != nil {
		return fmt.Errorf("failed to emit: %w", err)
	}

	logger.Info("event emitted", zap.String("event", name))
	return nil
}
