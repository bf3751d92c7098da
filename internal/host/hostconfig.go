package host

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	"netsteer/internal/cores"
	"netsteer/internal/logging"

	"github.com/sirupsen/logrus"
)

// HostConfig contains host system information gathered once at startup:
// which CPUs are online, and identity fields recorded with run reports.
type HostConfig struct {
	Hostname      string
	OSInfo        string
	KernelVersion string
	CPUVendor     string
	CPUModel      string

	// OnlineCPUs is the kernel's online cpulist. When sysfs cannot be
	// read it falls back to 0..NumCPU-1.
	OnlineCPUs cores.Set
	TotalCPUs  int

	logger *logrus.Logger
}

var (
	globalHostConfig *HostConfig
	hostConfigOnce   sync.Once
)

// GetHostConfig returns the global host configuration, initializing it
// on first call.
func GetHostConfig() (*HostConfig, error) {
	var err error
	hostConfigOnce.Do(func() {
		globalHostConfig, err = initializeHostConfig()
	})
	return globalHostConfig, err
}

func initializeHostConfig() (*HostConfig, error) {
	logger := logging.GetLogger()

	hc := &HostConfig{
		logger: logger,
	}

	if err := hc.initSystemInfo(); err != nil {
		return nil, fmt.Errorf("failed to initialize system info: %v", err)
	}

	hc.initCPUIdentity()

	online, err := readOnlineCPUs("/sys/devices/system/cpu/online")
	if err != nil {
		logger.WithError(err).Warn("Failed to read online cpulist, assuming all CPUs online")
		online = allCPUs(runtime.NumCPU())
	}
	hc.OnlineCPUs = online
	hc.TotalCPUs = len(online)

	logger.WithFields(logrus.Fields{
		"cpu_model":   hc.CPUModel,
		"online_cpus": hc.OnlineCPUs.Ranges(),
		"total_cpus":  hc.TotalCPUs,
		"kernel":      hc.KernelVersion,
	}).Debug("Host configuration initialized")

	return hc, nil
}

func (hc *HostConfig) initSystemInfo() error {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get hostname: %v", err)
	}
	hc.Hostname = hostname

	hc.OSInfo = runtime.GOOS + "/" + runtime.GOARCH

	if data, err := os.ReadFile("/proc/version"); err == nil {
		version := strings.Fields(string(data))
		if len(version) >= 3 {
			hc.KernelVersion = version[2]
		}
	}

	if hc.KernelVersion == "" {
		hc.KernelVersion = "unknown"
	}

	return nil
}

func (hc *HostConfig) initCPUIdentity() {
	file, err := os.Open("/proc/cpuinfo")
	if err != nil {
		hc.CPUVendor = "unknown"
		hc.CPUModel = "unknown"
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if strings.HasPrefix(line, "vendor_id") {
			if hc.CPUVendor == "" {
				parts := strings.SplitN(line, ":", 2)
				if len(parts) == 2 {
					hc.CPUVendor = strings.TrimSpace(parts[1])
				}
			}
		} else if strings.HasPrefix(line, "model name") {
			if hc.CPUModel == "" {
				parts := strings.SplitN(line, ":", 2)
				if len(parts) == 2 {
					hc.CPUModel = strings.TrimSpace(parts[1])
				}
			}
		}
	}

	if hc.CPUVendor == "" {
		hc.CPUVendor = "unknown"
	}
	if hc.CPUModel == "" {
		hc.CPUModel = "unknown"
	}
}

// Online reports whether every core in the set is currently online.
// Missing cores are returned for the caller to warn about.
func (hc *HostConfig) Online(set cores.Set) (bool, cores.Set) {
	var missing cores.Set
	for _, c := range set {
		if !hc.OnlineCPUs.Contains(c) {
			missing = append(missing, c)
		}
	}
	return len(missing) == 0, missing
}

func readOnlineCPUs(path string) (cores.Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return cores.Parse(strings.TrimSpace(string(data)))
}

func allCPUs(n int) cores.Set {
	if n <= 0 {
		n = 1
	}
	set := make(cores.Set, n)
	for i := range set {
		set[i] = i
	}
	return set
}
