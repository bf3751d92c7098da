package cmd

import (
	"errors"
	"fmt"
	"os"

	"netsteer/internal/apply"
	"netsteer/internal/cores"
	"netsteer/internal/devctl"
	"netsteer/internal/irqs"
	"netsteer/internal/logging"
	"netsteer/internal/plan"
	"netsteer/internal/rules"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	pinInterface  string
	pinCores      string
	pinPolicyName string
	pinQueues     int
	pinRing       int
	pinRSS        bool
	pinNoXPS      bool
	pinStrict     bool
)

var pinCmd = &cobra.Command{
	Use:   "pin",
	Short: "Pin NIC receive queues to specific cores",
	Long:  "Configure the channel count, bind each receive queue's interrupt to its planned core, and mirror the mapping into XPS transmit steering",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPin()
	},
}

func init() {
	pinCmd.Flags().StringVarP(&pinInterface, "interface", "i", "", "Network interface to configure (default $NETSTEER_IFACE)")
	pinCmd.Flags().StringVarP(&pinCores, "cores", "c", "", "Target cores, e.g. 9-16 or 2,4-6")
	pinCmd.Flags().StringVar(&pinPolicyName, "policy", "modulo", "Queue-to-core policy (modulo or natural)")
	pinCmd.Flags().IntVar(&pinQueues, "queues", 0, "Channel count to configure (0 = policy default)")
	pinCmd.Flags().IntVar(&pinRing, "ring", 0, "RX and TX ring size to set (0 = leave unchanged)")
	pinCmd.Flags().BoolVar(&pinRSS, "rss", false, "Also restrict the RSS indirection table to the pinned queues")
	pinCmd.Flags().BoolVar(&pinNoXPS, "no-xps", false, "Skip the XPS transmit steering mirror")
	pinCmd.Flags().BoolVar(&pinStrict, "strict", false, "Fail instead of skipping pinning when interrupt discovery mismatches")
	pinCmd.MarkFlagRequired("cores")

	rootCmd.AddCommand(pinCmd)
}

func runPin() error {
	logger := logging.GetLogger()

	iface := pinInterface
	if iface == "" {
		iface = os.Getenv("NETSTEER_IFACE")
	}
	if iface == "" {
		return fmt.Errorf("no interface given (use --interface or set NETSTEER_IFACE)")
	}

	set, err := cores.Parse(pinCores)
	if err != nil {
		return err
	}

	policy, err := plan.ParsePinPolicy(pinPolicyName)
	if err != nil {
		return err
	}

	assign, err := plan.PinQueues(set, pinQueues, policy)
	if err != nil {
		return err
	}

	warnOfflineCores(set)

	ctrl := devctl.NewLinuxController(iface)
	defer ctrl.Close()

	channels, err := configureChannels(ctrl, assign.Queues)
	if err != nil {
		return err
	}

	if pinRing > 0 {
		if err := ctrl.SetRingSize(pinRing, pinRing); err != nil {
			logger.WithField("ring", pinRing).WithError(err).Warn("Failed to set ring sizes")
		}
	}

	batch, err := compilePinBatch(ctrl, assign, channels, !pinNoXPS, pinStrict)
	if err != nil {
		return err
	}

	if pinRSS {
		weights, err := plan.RSSWeights(set, channels)
		if err != nil {
			return err
		}
		batch = append(batch, rules.CompileRSS(weights)...)
	}

	if len(batch) == 0 {
		logger.Info("Nothing to apply")
		return nil
	}

	report := apply.Run(ctrl, batch)

	logger.WithFields(logrus.Fields{
		"interface": iface,
		"cores":     set.Ranges(),
		"policy":    policy.String(),
		"channels":  channels,
	}).Info(report.Summary())

	return nil
}

// configureChannels adjusts the device's combined channel count to the
// planned value, leaving it alone when it already matches.
func configureChannels(ctrl *devctl.LinuxController, want int) (int, error) {
	logger := logging.GetDeviceLogger()

	channels, err := ctrl.ChannelCount()
	if err != nil {
		return 0, fmt.Errorf("failed to read channel count: %w", err)
	}

	if channels == want {
		return channels, nil
	}

	if _, err := ctrl.SetChannelCount(want); err != nil {
		return 0, fmt.Errorf("failed to set channel count: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"previous": channels,
		"channels": want,
	}).Info("Channel count adjusted")

	return want, nil
}

// compilePinBatch discovers the device's per-queue interrupts and
// compiles the affinity directives. A count mismatch skips pinning
// unless strict mode is on; no partial interrupt list is ever used.
func compilePinBatch(ctrl *devctl.LinuxController, assign *plan.PinAssignment, channels int, xps, strict bool) (rules.Batch, error) {
	logger := logging.GetLogger()

	device, err := deviceIdentity(ctrl)
	if err != nil {
		return nil, err
	}

	irqList, err := irqs.NewEnumerator().Discover(device, channels)
	if err != nil {
		var mismatch *irqs.CountMismatchError
		if errors.As(err, &mismatch) && !strict {
			logger.WithError(err).Warn("Interrupt discovery mismatch, skipping queue pinning")
			return nil, nil
		}
		return nil, err
	}

	return rules.CompilePinning(assign, irqList, xps)
}

func deviceIdentity(ctrl *devctl.LinuxController) (irqs.Device, error) {
	driver, err := ctrl.DriverName()
	if err != nil {
		return irqs.Device{}, fmt.Errorf("failed to read driver name: %w", err)
	}
	bus, err := ctrl.BusInfo()
	if err != nil {
		return irqs.Device{}, fmt.Errorf("failed to read bus info: %w", err)
	}
	return irqs.Device{Name: ctrl.Interface(), Driver: driver, BusAddr: bus}, nil
}
