package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/practicehq/tether/pkg/tether/netmon"
)

// probeCmd represents the probe command
var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Probe backend health once",
	Long: `Run the same liveness probe the network monitor runs, once, and
report the result. Exits non-zero when the backend is unreachable.`,
	RunE: runProbe,
}

var probeTimeout time.Duration

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 10*time.Second, "probe timeout")
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	probe := netmon.HTTPProbe(cfg.Server.BaseURL, nil)
	start := time.Now()
	if err := probe(ctx); err != nil {
		fmt.Printf("offline\t%s\n", err)
		return fmt.Errorf("backend unreachable")
	}

	fmt.Printf("online\t%s in %s\n", cfg.Server.BaseURL, time.Since(start).Round(time.Millisecond))
	return nil
}
