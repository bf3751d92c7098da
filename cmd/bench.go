package cmd

import (
	"fmt"

	"netsteer/internal/config"
	"netsteer/internal/logging"

	"github.com/spf13/cobra"
)

var benchProfile string

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run the benchmark a profile defines, without steering",
	Long:  "Start the benchmark server on the remote host, wait for it to accept connections, run the client locally, and stop the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBench(benchProfile)
	},
}

func init() {
	benchCmd.Flags().StringVarP(&benchProfile, "profile", "f", "", "Path to profile file with a bench section")
	benchCmd.MarkFlagRequired("profile")

	rootCmd.AddCommand(benchCmd)
}

func runBench(profileFile string) error {
	logger := logging.GetLogger()

	profile, content, err := config.LoadProfileWithContent(profileFile)
	if err != nil {
		logger.WithField("profile", profileFile).WithError(err).Error("Failed to load profile")
		return fmt.Errorf("failed to load profile: %w", err)
	}
	if profile.Bench == nil {
		return fmt.Errorf("profile %s defines no bench section", profileFile)
	}

	if profile.Bench.Record {
		if err := validateEnvironment(); err != nil {
			return err
		}
	}

	run := &profileRun{profile: profile, profileContent: content}

	ctx, cancel := signalContext()
	defer cancel()

	if err := run.stepBench(ctx); err != nil {
		return fmt.Errorf("bench failed: %w", err)
	}

	if profile.Bench.Record {
		return run.record()
	}

	return nil
}
