package cmd

import (
	"fmt"

	"netsteer/internal/apply"
	"netsteer/internal/cores"
	"netsteer/internal/devctl"
	"netsteer/internal/logging"
	"netsteer/internal/plan"
	"netsteer/internal/rules"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	steerInterface   string
	steerCores       string
	steerConnections int
	steerBasePort    int
	steerDstPort     int
	steerResetFirst  bool
	steerReset       bool
	steerDryRun      bool
)

var steerCmd = &cobra.Command{
	Use:   "steer",
	Short: "Steer benchmark flows to specific cores",
	Long:  "Install one TCP and one UDP ntuple filter per connection so traffic from each source port lands on a fixed core",
	RunE: func(cmd *cobra.Command, args []string) error {
		if steerReset {
			return runResetFilters(steerInterface)
		}
		if steerCores == "" {
			return fmt.Errorf("--cores is required unless --reset is given")
		}
		if steerConnections == 0 {
			return fmt.Errorf("--connections is required unless --reset is given")
		}
		if steerDstPort == 0 {
			return fmt.Errorf("--dst-port is required unless --reset is given")
		}
		return runSteer()
	},
}

func init() {
	steerCmd.Flags().StringVarP(&steerInterface, "interface", "i", "", "Network interface to steer")
	steerCmd.Flags().StringVarP(&steerCores, "cores", "c", "", "Target cores, e.g. 9-16 or 2,4-6")
	steerCmd.Flags().IntVarP(&steerConnections, "connections", "n", 0, "Total connection count (must divide evenly across cores)")
	steerCmd.Flags().IntVarP(&steerBasePort, "base-port", "b", 20000, "First source port of the connection range")
	steerCmd.Flags().IntVarP(&steerDstPort, "dst-port", "d", 0, "Destination port the benchmark traffic targets")
	steerCmd.Flags().BoolVar(&steerResetFirst, "reset-first", false, "Remove installed filters before steering")
	steerCmd.Flags().BoolVar(&steerReset, "reset", false, "Only remove installed filters, do not steer")
	steerCmd.Flags().BoolVar(&steerDryRun, "dry-run", false, "Print the compiled directives without touching the device")
	steerCmd.MarkFlagRequired("interface")

	rootCmd.AddCommand(steerCmd)
}

func runSteer() error {
	logger := logging.GetLogger()

	set, err := cores.Parse(steerCores)
	if err != nil {
		return err
	}

	assign, err := plan.Flows(set, steerConnections, steerBasePort, steerDstPort)
	if err != nil {
		return err
	}

	batch := rules.CompileFlows(assign)

	if steerDryRun {
		fmt.Println(batch.String())
		return nil
	}

	warnOfflineCores(set)

	ctrl := devctl.NewLinuxController(steerInterface)
	defer ctrl.Close()

	if steerResetFirst {
		report, installed, err := apply.Reset(ctrl)
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

	report := apply.Run(ctrl, batch)

	logger.WithFields(logrus.Fields{
		"interface":   steerInterface,
		"cores":       set.Ranges(),
		"connections": steerConnections,
		"base_port":   steerBasePort,
		"dst_port":    steerDstPort,
	}).Info(report.Summary())

	return nil
}

func runResetFilters(iface string) error {
	logger := logging.GetLogger()

	ctrl := devctl.NewLinuxController(iface)
	defer ctrl.Close()

	report, installed, err := apply.Reset(ctrl)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"interface": iface,
		"installed": installed,
		"removed":   report.Applied,
	}).Info(report.Summary())

	return nil
}
