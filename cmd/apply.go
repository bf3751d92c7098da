package cmd

import (
	"context"
	"fmt"

	"netsteer/internal/apply"
	"netsteer/internal/bench"
	"netsteer/internal/cache"
	"netsteer/internal/config"
	"netsteer/internal/database"
	"netsteer/internal/devctl"
	"netsteer/internal/logging"
	"netsteer/internal/plan"
	"netsteer/internal/remote"
	"netsteer/internal/rules"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	applyProfile string
	applyDryRun  bool
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a steering profile",
	Long:  "Run the steps a profile defines in fixed order: cache isolation, queue pinning, RSS restriction, flow steering, and benchmark",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApply(applyProfile, applyDryRun)
	},
}

func init() {
	applyCmd.Flags().StringVarP(&applyProfile, "profile", "f", "", "Path to steering profile file")
	applyCmd.Flags().BoolVar(&applyDryRun, "dry-run", false, "Print planned directives without touching the system")
	applyCmd.MarkFlagRequired("profile")

	rootCmd.AddCommand(applyCmd)
}

// profileRun carries the state of one profile application across its
// steps: the loaded profile, the device controller, and the outcomes
// that feed the run record.
type profileRun struct {
	profile        *config.Profile
	profileContent string
	dryRun         bool

	ctrl   *devctl.LinuxController
	driver string

	total  apply.Report
	result *bench.Result
}

func runApply(profileFile string, dryRun bool) error {
	logger := logging.GetLogger()

	profile, content, err := config.LoadProfileWithContent(profileFile)
	if err != nil {
		logger.WithField("profile", profileFile).WithError(err).Error("Failed to load profile")
		return fmt.Errorf("failed to load profile: %w", err)
	}

	if profile.LogLevel != "" {
		if err := logging.SetLogLevel(profile.LogLevel); err != nil {
			logger.WithField("log_level", profile.LogLevel).WithError(err).Warn("Invalid log level in profile, using INFO")
			logging.SetLogLevel("info")
		}
	}

	if profile.Bench != nil && profile.Bench.Record && !dryRun {
		if err := validateEnvironment(); err != nil {
			return err
		}
	}

	run := &profileRun{profile: profile, profileContent: content, dryRun: dryRun}

	ctx, cancel := signalContext()
	defer cancel()

	return run.execute(ctx)
}

func (r *profileRun) execute(ctx context.Context) error {
	logger := logging.GetLogger()

	steps := r.profile.Steps()
	logger.WithFields(logrus.Fields{
		"steps":     steps,
		"interface": r.profile.Interface,
	}).Info("Applying steering profile")

	if r.needsDevice() && !r.dryRun {
		warnOfflineCores(r.profile.CoreSet)

		r.ctrl = devctl.NewLinuxController(r.profile.Interface)
		defer r.ctrl.Close()

		if driver, err := r.ctrl.DriverName(); err == nil {
			r.driver = driver
		}
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		var err error
		switch step {
		case "cache":
			err = r.stepCache()
		case "pin":
			err = r.stepPin()
		case "rss":
			err = r.stepRSS()
		case "flow":
			err = r.stepFlow()
		case "bench":
			err = r.stepBench(ctx)
		}
		if err != nil {
			return fmt.Errorf("%s step failed: %w", step, err)
		}
	}

	if r.profile.Bench != nil && r.profile.Bench.Record && !r.dryRun {
		if err := r.record(); err != nil {
			return err
		}
	}

	if !r.dryRun && r.total.Total() > 0 {
		logger.Info(r.total.Summary())
	}

	return nil
}

func (r *profileRun) needsDevice() bool {
	return r.profile.Pin != nil || r.profile.RSS != nil || r.profile.Flow != nil
}

func (r *profileRun) stepCache() error {
	cfg := r.profile.Cache

	if r.dryRun {
		class := cfg.Class
		if class == "" {
			class = cache.DefaultClass
		}
		fmt.Printf("cache: reserve %.0f%% of L3 ways for class %q\n", cfg.WaysPercent*100, class)
		return nil
	}

	iso := cache.NewIsolator(cache.Config{
		Class:       cfg.Class,
		Partition:   cfg.Partition,
		WaysPercent: cfg.WaysPercent,
		CacheIDs:    cfg.CacheIDs,
		TotalWays:   cfg.TotalWays,
		Force:       cfg.Force,
	})
	return iso.Setup()
}

func (r *profileRun) stepPin() error {
	pin := r.profile.Pin

	assign, err := plan.PinQueues(r.profile.CoreSet, pin.Queues, pin.PinPolicy)
	if err != nil {
		return err
	}

	if r.dryRun {
		fmt.Printf("pin: set channel count to %d\n", assign.Queues)
		for _, pc := range assign.Pairs {
			fmt.Printf("pin: queue %d -> core %d\n", pc.Queue, pc.Core)
		}
		return nil
	}

	channels, err := configureChannels(r.ctrl, assign.Queues)
	if err != nil {
		return err
	}

	if pin.RingRX > 0 || pin.RingTX > 0 {
		if err := r.ctrl.SetRingSize(pin.RingRX, pin.RingTX); err != nil {
			logging.GetLogger().WithError(err).Warn("Failed to set ring sizes")
		}
	}

	batch, err := compilePinBatch(r.ctrl, assign, channels, pin.TxSteering, false)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	r.merge(apply.Run(r.ctrl, batch))
	return nil
}

func (r *profileRun) stepRSS() error {
	var channels int
	if r.dryRun {
		channels = r.dryRunChannels()
	} else {
		var err error
		channels, err = r.ctrl.ChannelCount()
		if err != nil {
			return fmt.Errorf("failed to read channel count: %w", err)
		}
	}

	weights, err := plan.RSSWeights(r.profile.CoreSet, channels)
	if err != nil {
		return err
	}

	batch := rules.CompileRSS(weights)

	if r.dryRun {
		fmt.Println(batch.String())
		return nil
	}

	r.merge(apply.Run(r.ctrl, batch))
	return nil
}

// dryRunChannels is the channel count a dry run plans against: the pin
// step's planned count when present, otherwise the smallest width
// covering the core set.
func (r *profileRun) dryRunChannels() int {
	if pin := r.profile.Pin; pin != nil {
		if assign, err := plan.PinQueues(r.profile.CoreSet, pin.Queues, pin.PinPolicy); err == nil {
			return assign.Queues
		}
	}
	return r.profile.CoreSet.Max() + 1
}

func (r *profileRun) stepFlow() error {
	logger := logging.GetLogger()
	flow := r.profile.Flow

	assign, err := plan.Flows(r.profile.CoreSet, flow.Connections, flow.BasePort, flow.DstPort)
	if err != nil {
		return err
	}

	batch := rules.CompileFlows(assign)

	if r.dryRun {
		fmt.Println(batch.String())
		return nil
	}

	if flow.ResetFirst {
		report, installed, err := apply.Reset(r.ctrl)
		if err != nil {
			return err
		}
		if installed > 0 {
			logger.WithFields(logrus.Fields{
				"removed":   report.Applied,
				"installed": installed,
			}).Info("Existing flow filters removed")
		}
	}

	r.merge(apply.Run(r.ctrl, batch))
	return nil
}

func (r *profileRun) stepBench(ctx context.Context) error {
	cfg := r.profile.Bench

	if r.dryRun {
		fmt.Printf("bench: start %q on %s, then run %q\n", cfg.ServerCommand, cfg.ServerHost, cfg.ClientCommand)
		return nil
	}

	runner, err := remote.NewSSHRunner(remote.Options{
		Host:            cfg.ServerHost,
		Port:            cfg.SSH.Port,
		User:            cfg.SSH.User,
		KeyFile:         cfg.SSH.KeyFile,
		KnownHostsFile:  cfg.SSH.KnownHostsFile,
		InsecureHostKey: cfg.SSH.InsecureHostKey,
	})
	if err != nil {
		return err
	}
	defer runner.Close()

	orch := bench.NewOrchestrator(runner, bench.Config{
		ServerHost:    cfg.ServerHost,
		ServerCommand: cfg.ServerCommand,
		ClientCommand: cfg.ClientCommand,
		Port:          cfg.Port,
		SettleDelay:   cfg.SettleDelay(),
		ProbeTimeout:  cfg.ProbeTimeout(),
	})

	result, err := orch.Run(ctx)
	if err != nil {
		return err
	}
	r.result = result

	fmt.Println(result.Output)
	return nil
}

// record stores the run in InfluxDB, falling back to the local spool
// when the database cannot be reached. Spooling never fails the run.
func (r *profileRun) record() error {
	logger := logging.GetLogger()

	record, err := database.CollectRunRecord(0, r.profile, r.profileContent, r.result, &r.total, r.driver, Version)
	if err != nil {
		return err
	}

	client, err := database.NewInfluxDBClient()
	if err != nil {
		logger.WithError(err).Warn("InfluxDB unavailable, spooling run record")
		return r.spool(record)
	}
	defer client.Close()

	lastID, err := client.LastRunID()
	if err != nil {
		logger.WithError(err).Warn("Failed to query last run ID, spooling run record")
		return r.spool(record)
	}
	record.RunID = lastID + 1

	if err := client.WriteRunRecord(record); err != nil {
		logger.WithError(err).Warn("Failed to write run record, spooling instead")
		return r.spool(record)
	}

	logger.WithField("run_id", record.RunID).Info("Run record stored")
	return nil
}

func (r *profileRun) spool(record *database.RunRecord) error {
	path, err := database.WriteSpoolArtifact("", database.BuildSpoolArtifact(record, r.profileContent))
	if err != nil {
		return fmt.Errorf("failed to spool run record: %w", err)
	}
	logging.GetLogger().WithField("path", path).Info("Run record spooled")
	return nil
}

func (r *profileRun) merge(report *apply.Report) {
	r.total.Applied += report.Applied
	r.total.Failures = append(r.total.Failures, report.Failures...)
}
