package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/practicehq/tether/pkg/tether/push"
	"github.com/practicehq/tether/pkg/tether/transform"
)

// tailCmd represents the tail command
var tailCmd = &cobra.Command{
	Use:   "tail [event-patterns...]",
	Short: "Tail push events from the backend",
	Long: `Connect to the push channel and print matching events to stdout.

Arguments are MQTT-style event patterns with ":" treated as a segment
separator. With no arguments, all events are printed.

Examples:
  tether tail
  tether tail "appointment/+"
  tether tail "client/#" "system/notification"
  tether tail --jq '{id: .clientId}' "client/+"`,
	RunE: runTail,
}

var (
	tailJq    string
	tailRooms []string
)

func init() {
	rootCmd.AddCommand(tailCmd)

	tailCmd.Flags().StringVar(&tailJq, "jq", "", "jq query applied to event payloads before printing")
	tailCmd.Flags().StringSliceVar(&tailRooms, "client-room", nil, "client room(s) to join")
}

func runTail(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	patterns := args
	if len(patterns) == 0 {
		patterns = []string{"#"}
	}

	builder := push.NewManager().
		WithURL(cfg.PushURL()).
		WithAuth(push.Auth{TenantID: cfg.Server.TenantID, UserID: cfg.Server.UserID}).
		WithLogger(logger)
	if err := cfg.ApplyReconnect(builder); err != nil {
		return err
	}
	if tailJq != "" {
		jq, err := transform.Jq(tailJq, logger)
		if err != nil {
			return err
		}
		builder.WithTransforms(jq)
	}

	manager, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to create push manager: %w", err)
	}

	for _, pattern := range patterns {
		manager.OnPattern(pattern, printEvent(logger, pattern))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	logger.Info("connected", zap.String("url", cfg.PushURL()), zap.Strings("patterns", patterns))

	for _, clientID := range tailRooms {
		if err := manager.JoinClientRoom(ctx, clientID); err != nil {
			logger.Error("failed to join room", zap.String("client", clientID), zap.Error(err))
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("listening for events... (Press Ctrl+C to exit)")
	<-sigChan

	cancel()
	if err := manager.Disconnect(); err != nil {
		logger.Warn("error during disconnect", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func printEvent(logger *zap.Logger, pattern string) push.Handler {
	return func(ctx context.Context, payload any) error {
		jsonBytes, err := json.Marshal(payload)
		if err != nil {
			logger.Warn("failed to marshal payload",
				zap.String("pattern", pattern),
				zap.Error(err))
			return nil
		}
		fmt.Printf("%s\t%s\n", pattern, string(jsonBytes))
		return nil
	}
}
