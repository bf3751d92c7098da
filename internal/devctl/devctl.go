package devctl

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"netsteer/internal/logging"

	"github.com/safchain/ethtool"
)

// Controller is the seam between the tuning engine and the device.
// Every operation is best-effort: a missing path or unsupported feature
// comes back as an error for the caller to record, never a panic.
type Controller interface {
	// SetIRQAffinity binds an interrupt line to a single core.
	SetIRQAffinity(irq int, core int) error
	// SetTxQueueSteering sets the XPS mask of a transmit queue to one core.
	SetTxQueueSteering(queue int, core int) error
	// SetRSSWeights programs the RSS indirection weights, one per queue.
	SetRSSWeights(weights []int) error
	// InsertFlowFilter installs an ntuple rule steering matching packets
	// to the target queue. The returned rule id is -1 when the driver
	// does not report one.
	InsertFlowFilter(proto string, srcPort, dstPort, target int) (int, error)
	DeleteFlowFilter(ruleID int) error
	ListFlowFilters() ([]int, error)
	ChannelCount() (int, error)
	SetChannelCount(n int) (int, error)
	SetRingSize(rx, tx int) error
	DriverName() (string, error)
	BusInfo() (string, error)
}

type runFunc func(name string, args ...string) (string, error)

// LinuxController drives one network interface through procfs, sysfs,
// the ethtool ioctl library, and the ethtool command for the operations
// the library does not cover (ntuple rules, RSS weights, rings).
type LinuxController struct {
	iface    string
	procRoot string
	sysRoot  string
	run      runFunc

	ethHandle *ethtool.Ethtool
}

func NewLinuxController(iface string) *LinuxController {
	return &LinuxController{
		iface:    iface,
		procRoot: "/proc",
		sysRoot:  "/sys",
		run:      runCommand,
	}
}

func runCommand(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (c *LinuxController) eth() (*ethtool.Ethtool, error) {
	if c.ethHandle == nil {
		handle, err := ethtool.NewEthtool()
		if err != nil {
			return nil, fmt.Errorf("failed to open ethtool handle: %w", err)
		}
		c.ethHandle = handle
	}
	return c.ethHandle, nil
}

// Close releases the ethtool handle if one was opened.
func (c *LinuxController) Close() {
	if c.ethHandle != nil {
		c.ethHandle.Close()
		c.ethHandle = nil
	}
}

// Interface returns the name of the controlled interface.
func (c *LinuxController) Interface() string {
	return c.iface
}

func (c *LinuxController) SetIRQAffinity(irq int, core int) error {
	path := filepath.Join(c.procRoot, "irq", strconv.Itoa(irq), "smp_affinity_list")
	if err := os.WriteFile(path, []byte(strconv.Itoa(core)), 0o644); err != nil {
		return fmt.Errorf("failed to set affinity of irq %d: %w", irq, err)
	}
	return nil
}

func (c *LinuxController) SetTxQueueSteering(queue int, core int) error {
	path := filepath.Join(c.sysRoot, "class", "net", c.iface, "queues",
		fmt.Sprintf("tx-%d", queue), "xps_cpus")
	if err := os.WriteFile(path, []byte(hexCPUMask(core)), 0o644); err != nil {
		return fmt.Errorf("failed to set xps mask of tx queue %d: %w", queue, err)
	}
	return nil
}

func (c *LinuxController) SetRSSWeights(weights []int) error {
	args := []string{"-X", c.iface, "weight"}
	for _, w := range weights {
		args = append(args, strconv.Itoa(w))
	}
	if _, err := c.run("ethtool", args...); err != nil {
		return fmt.Errorf("failed to set rss weights: %w", err)
	}
	return nil
}

func (c *LinuxController) InsertFlowFilter(proto string, srcPort, dstPort, target int) (int, error) {
	flowType, err := flowType(proto)
	if err != nil {
		return -1, err
	}

	out, err := c.run("ethtool", "-N", c.iface,
		"flow-type", flowType,
		"src-port", strconv.Itoa(srcPort),
		"dst-port", strconv.Itoa(dstPort),
		"action", strconv.Itoa(target))
	if err != nil {
		return -1, fmt.Errorf("failed to insert %s filter src-port %d: %w", proto, srcPort, err)
	}

	id := parseRuleID(out)
	if id < 0 {
		logging.GetDeviceLogger().WithField("iface", c.iface).Debug("Driver did not report a rule id")
	}
	return id, nil
}

func (c *LinuxController) DeleteFlowFilter(ruleID int) error {
	if _, err := c.run("ethtool", "-N", c.iface, "delete", strconv.Itoa(ruleID)); err != nil {
		return fmt.Errorf("failed to delete filter %d: %w", ruleID, err)
	}
	return nil
}

func (c *LinuxController) ListFlowFilters() ([]int, error) {
	out, err := c.run("ethtool", "-n", c.iface)
	if err != nil {
		return nil, fmt.Errorf("failed to list filters: %w", err)
	}
	return parseFilterIDs(out), nil
}

func (c *LinuxController) ChannelCount() (int, error) {
	handle, err := c.eth()
	if err != nil {
		return 0, err
	}
	channels, err := handle.GetChannels(c.iface)
	if err != nil {
		return 0, fmt.Errorf("failed to read channels of %s: %w", c.iface, err)
	}
	if channels.CombinedCount > 0 {
		return int(channels.CombinedCount), nil
	}
	return int(channels.RxCount), nil
}

func (c *LinuxController) SetChannelCount(n int) (int, error) {
	handle, err := c.eth()
	if err != nil {
		return 0, err
	}
	channels, err := handle.GetChannels(c.iface)
	if err != nil {
		return 0, fmt.Errorf("failed to read channels of %s: %w", c.iface, err)
	}

	// Drivers expose either combined channels or split rx/tx counts.
	if channels.CombinedCount > 0 || channels.MaxCombined > 0 {
		channels.CombinedCount = uint32(n)
	} else {
		channels.RxCount = uint32(n)
		channels.TxCount = uint32(n)
	}

	result, err := handle.SetChannels(c.iface, channels)
	if err != nil {
		return 0, fmt.Errorf("failed to set channel count of %s to %d: %w", c.iface, n, err)
	}
	if result.CombinedCount > 0 {
		return int(result.CombinedCount), nil
	}
	return int(result.RxCount), nil
}

func (c *LinuxController) SetRingSize(rx, tx int) error {
	args := []string{"-G", c.iface}
	if rx > 0 {
		args = append(args, "rx", strconv.Itoa(rx))
	}
	if tx > 0 {
		args = append(args, "tx", strconv.Itoa(tx))
	}
	if len(args) == 2 {
		return nil
	}
	if _, err := c.run("ethtool", args...); err != nil {
		return fmt.Errorf("failed to resize rings: %w", err)
	}
	return nil
}

func (c *LinuxController) DriverName() (string, error) {
	handle, err := c.eth()
	if err != nil {
		return "", err
	}
	driver, err := handle.DriverName(c.iface)
	if err != nil {
		return "", fmt.Errorf("failed to read driver of %s: %w", c.iface, err)
	}
	return driver, nil
}

func (c *LinuxController) BusInfo() (string, error) {
	handle, err := c.eth()
	if err != nil {
		return "", err
	}
	bus, err := handle.BusInfo(c.iface)
	if err != nil {
		return "", fmt.Errorf("failed to read bus info of %s: %w", c.iface, err)
	}
	return bus, nil
}

// MSIIRQs lists the MSI interrupt vectors the device owns, ascending.
// Used as a debug inventory next to interrupt-table discovery.
func (c *LinuxController) MSIIRQs() ([]int, error) {
	dir := filepath.Join(c.sysRoot, "class", "net", c.iface, "device", "msi_irqs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list msi irqs of %s: %w", c.iface, err)
	}

	irqs := make([]int, 0, len(entries))
	for _, entry := range entries {
		irq, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		irqs = append(irqs, irq)
	}
	sort.Ints(irqs)
	return irqs, nil
}

func flowType(proto string) (string, error) {
	switch strings.ToLower(proto) {
	case "tcp":
		return "tcp4", nil
	case "udp":
		return "udp4", nil
	}
	return "", fmt.Errorf("unsupported protocol %q", proto)
}

// hexCPUMask renders a single-core bitmask in the kernel's textual
// format: 32-bit words, most significant first, comma separated.
func hexCPUMask(core int) string {
	word := core / 32
	bit := core % 32

	parts := make([]string, word+1)
	parts[0] = fmt.Sprintf("%x", uint32(1)<<bit)
	for i := 1; i <= word; i++ {
		parts[i] = "00000000"
	}
	return strings.Join(parts, ",")
}

var (
	ruleIDPattern   = regexp.MustCompile(`Added rule with ID (\d+)`)
	filterIDPattern = regexp.MustCompile(`Filter:\s+(\d+)`)
)

func parseRuleID(output string) int {
	m := ruleIDPattern.FindStringSubmatch(output)
	if m == nil {
		return -1
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return id
}

func parseFilterIDs(output string) []int {
	var ids []int
	for _, m := range filterIDPattern.FindAllStringSubmatch(output, -1) {
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
