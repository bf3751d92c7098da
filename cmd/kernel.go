package cmd

import (
	"fmt"
	"os"
	"strings"

	"netsteer/internal/bootparams"
	"netsteer/internal/ui"

	"github.com/spf13/cobra"
)

var (
	kernelGrub   string
	kernelCores  string
	kernelParams []string
	kernelYes    bool
)

var kernelCmd = &cobra.Command{
	Use:   "kernel",
	Short: "Stage kernel boot parameters for core isolation",
	Long:  "Edit GRUB_CMDLINE_LINUX_DEFAULT to isolate the packet-processing cores from the scheduler, timer ticks, and RCU callbacks. Changes take effect after a reboot",
}

var kernelStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show live and staged isolation parameters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runKernelStatus()
	},
}

var kernelEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Select and stage isolation parameters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runKernelEnable()
	},
}

var kernelDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Remove every staged isolation parameter",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runKernelDisable()
	},
}

func init() {
	kernelCmd.PersistentFlags().StringVar(&kernelGrub, "grub", "", "Path to the grub defaults file (default /etc/default/grub)")

	kernelEnableCmd.Flags().StringVar(&kernelCores, "cores", "", "Core range for the isolation parameters (default "+bootparams.DefaultCoreRange+")")
	kernelEnableCmd.Flags().StringSliceVar(&kernelParams, "params", nil, "Parameter keys to enable without the menu (default all)")
	kernelEnableCmd.Flags().BoolVarP(&kernelYes, "yes", "y", false, "Skip the menu and enable the selection directly")

	kernelCmd.AddCommand(kernelStatusCmd)
	kernelCmd.AddCommand(kernelEnableCmd)
	kernelCmd.AddCommand(kernelDisableCmd)

	rootCmd.AddCommand(kernelCmd)
}

func newEditor() *bootparams.Editor {
	editor := bootparams.NewEditor()
	if kernelGrub != "" {
		editor.GrubPath = kernelGrub
	}
	return editor
}

func requireRoot() error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("editing the boot configuration requires root")
	}
	return nil
}

func runKernelStatus() error {
	status, err := newEditor().Status()
	if err != nil {
		return err
	}

	fmt.Printf("GRUB_CMDLINE_LINUX_DEFAULT: %s\n", status.GrubLine)
	fmt.Printf("Live isolation parameters:  %s\n", joinOrNone(status.Live))
	fmt.Printf("Staged for next reboot:     %s\n", joinOrNone(status.Pending))
	return nil
}

func runKernelEnable() error {
	if err := requireRoot(); err != nil {
		return err
	}
	editor := newEditor()

	// Explicit parameter keys imply the non-interactive path.
	if kernelYes || len(kernelParams) > 0 {
		keys := kernelParams
		if len(keys) == 0 {
			keys = bootparams.Keys()
		}
		line, err := editor.Enable(keys, kernelCores)
		if err != nil {
			return err
		}
		fmt.Printf("Staged boot line: %s\n", line)
		fmt.Println("Reboot to apply.")
		return nil
	}

	return ui.RunKernelMenu(kernelCores, editor.Enable)
}

func runKernelDisable() error {
	if err := requireRoot(); err != nil {
		return err
	}

	line, changed, err := newEditor().Disable()
	if err != nil {
		return err
	}
	if !changed {
		fmt.Println("No staged isolation parameters, nothing to do.")
		return nil
	}

	fmt.Printf("Staged boot line: %s\n", line)
	fmt.Println("Reboot to revert.")
	return nil
}

func joinOrNone(tokens []string) string {
	if len(tokens) == 0 {
		return "none"
	}
	return strings.Join(tokens, " ")
}
