package irqs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"netsteer/internal/logging"

	"github.com/sirupsen/logrus"
)

// Device identifies the interface being enumerated. Driver and BusAddr
// select the interrupt naming strategy; both come from the device
// control layer.
type Device struct {
	Name    string
	Driver  string
	BusAddr string
}

// CountMismatchError means the interrupt table did not yield exactly
// the expected number of per-queue lines. No partial list is returned;
// the caller must skip pinning rather than guess.
type CountMismatchError struct {
	Device string
	Want   int
	Got    int
}

func (e *CountMismatchError) Error() string {
	return fmt.Sprintf("%s: discovered %d interrupt lines, expected %d", e.Device, e.Got, e.Want)
}

// Enumerator discovers per-queue interrupt lines from the kernel
// interrupt table. Paths are variable for tests.
type Enumerator struct {
	InterruptsFile string
	SysRoot        string
}

func NewEnumerator() *Enumerator {
	return &Enumerator{
		InterruptsFile: "/proc/interrupts",
		SysRoot:        "/sys",
	}
}

// rxQueueMarkers are the queue-direction tokens accepted for receive
// interrupt lines. Plain tx-only vectors are not receive queues.
var rxQueueMarkers = map[string]bool{
	"rx":    true,
	"txrx":  true,
	"input": true,
}

// Discover returns the device's receive interrupt lines indexed by
// queue, ascending. Two strategies: interface-name matching with a
// queue-direction marker, and the mlx5 completion-queue pattern
// (mlx5_comp<q>@pci:<bus>) for drivers that name vectors after the bus
// address instead of the netdev.
func (e *Enumerator) Discover(dev Device, expected int) ([]int, error) {
	logger := logging.GetLogger()

	if expected <= 0 {
		return nil, fmt.Errorf("expected queue count must be positive, got %d", expected)
	}

	data, err := os.ReadFile(e.InterruptsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read interrupt table: %w", err)
	}
	lines := strings.Split(string(data), "\n")

	match := e.interruptAlias(dev)
	queue2irq := e.matchNamedQueues(lines, match)

	if len(queue2irq) == 0 && isMellanox(dev.Driver) && dev.BusAddr != "" {
		queue2irq = e.matchCompletionQueues(lines, dev.BusAddr)
	}

	if len(queue2irq) != expected {
		return nil, &CountMismatchError{Device: dev.Name, Want: expected, Got: len(queue2irq)}
	}

	irqList := make([]int, expected)
	for q := 0; q < expected; q++ {
		irq, ok := queue2irq[q]
		if !ok {
			logger.WithFields(logrus.Fields{
				"device": dev.Name,
				"queue":  q,
			}).Warn("Interrupt table has a hole in the queue index space")
			return nil, &CountMismatchError{Device: dev.Name, Want: expected, Got: len(queue2irq)}
		}
		irqList[q] = irq
	}

	return irqList, nil
}

// matchNamedQueues scans for lines whose action field names the device
// and carries a receive queue marker, e.g. "eth0-TxRx-3" or
// "virtio2-input.1". The queue index is the first numeric token.
func (e *Enumerator) matchNamedQueues(lines []string, name string) map[int]int {
	logger := logging.GetLogger()
	queue2irq := make(map[int]int)

	prefix := name + "-"
	for _, line := range lines {
		cols := strings.Fields(line)
		if len(cols) == 0 {
			continue
		}
		queueStr := cols[len(cols)-1]
		if !strings.Contains(queueStr, prefix) {
			continue
		}

		irq, err := strconv.Atoi(strings.TrimSuffix(cols[0], ":"))
		if err != nil {
			continue
		}

		tokens := strings.FieldsFunc(queueStr, func(r rune) bool {
			return r == '-' || r == '.'
		})

		marker := false
		queue := -1
		for _, tok := range tokens {
			if rxQueueMarkers[strings.ToLower(tok)] {
				marker = true
				continue
			}
			if queue < 0 {
				if n, err := strconv.Atoi(tok); err == nil {
					queue = n
				}
			}
		}
		if !marker || queue < 0 {
			continue
		}

		if prev, ok := queue2irq[queue]; ok {
			logger.WithFields(logrus.Fields{
				"device": name,
				"queue":  queue,
				"irqs":   []int{prev, irq},
			}).Warn("Queue matches multiple interrupt lines, keeping first")
			continue
		}
		queue2irq[queue] = irq
	}

	return queue2irq
}

// matchCompletionQueues handles mlx5 vector names of the form
// mlx5_comp<q>@pci:<bus addr>, extracting the trailing digits of the
// completion queue name.
func (e *Enumerator) matchCompletionQueues(lines []string, busAddr string) map[int]int {
	logger := logging.GetLogger()
	queue2irq := make(map[int]int)

	for _, line := range lines {
		cols := strings.Fields(line)
		if len(cols) == 0 {
			continue
		}
		queueStr := cols[len(cols)-1]
		if !strings.Contains(queueStr, busAddr) {
			continue
		}

		parts := strings.Split(queueStr, "@")
		if len(parts) < 2 || !strings.HasPrefix(parts[0], "mlx5_comp") {
			continue
		}

		irq, err := strconv.Atoi(strings.TrimSuffix(cols[0], ":"))
		if err != nil {
			continue
		}

		queue, ok := trailingDigits(parts[0])
		if !ok {
			continue
		}

		if prev, ok := queue2irq[queue]; ok {
			logger.WithFields(logrus.Fields{
				"bus_addr": busAddr,
				"queue":    queue,
				"irqs":     []int{prev, irq},
			}).Warn("Completion queue matches multiple interrupt lines, keeping first")
			continue
		}
		queue2irq[queue] = irq
	}

	return queue2irq
}

// interruptAlias maps the netdev to the name used in the interrupt
// table. virtio devices are named after the virtio bus device
// (virtio<N>), resolved through the sysfs device link.
func (e *Enumerator) interruptAlias(dev Device) string {
	if dev.Driver != "virtio_net" {
		return dev.Name
	}

	link := filepath.Join(e.SysRoot, "class", "net", dev.Name, "device")
	target, err := os.Readlink(link)
	if err != nil {
		logging.GetLogger().WithField("device", dev.Name).WithError(err).
			Warn("Failed to resolve virtio device name, using interface name")
		return dev.Name
	}
	return filepath.Base(target)
}

func isMellanox(driver string) bool {
	return strings.HasPrefix(driver, "mlx")
}

func trailingDigits(s string) (int, bool) {
	end := len(s)
	start := end
	for start > 0 && s[start-1] >= '0' && s[start-1] <= '9' {
		start--
	}
	if start == end {
		return 0, false
	}
	n, err := strconv.Atoi(s[start:end])
	if err != nil {
		return 0, false
	}
	return n, true
}
