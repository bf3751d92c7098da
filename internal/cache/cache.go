// Package cache reserves a contiguous block of L3 ways for the packet
// processing cores so interfering workloads cannot evict the data path.
// Everything else stays in the resctrl default group.
package cache

import (
	"fmt"
	"math/bits"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/intel/goresctrl/pkg/rdt"
	"github.com/sirupsen/logrus"

	"netsteer/internal/logging"
)

// goresctrl's rdt control is not safe for concurrent use. Serialize all
// interactions with github.com/intel/goresctrl/pkg/rdt across the process.
var rdtMu sync.Mutex

const (
	DefaultClass     = "datapath"
	DefaultPartition = "netsteer"

	cbmMaskPath = "/sys/fs/resctrl/info/L3/cbm_mask"
)

// Config describes the cache reservation.
type Config struct {
	Class       string
	Partition   string
	WaysPercent float64 // share of L3 ways for the data-path class, (0, 1)
	CacheIDs    []int   // L3 cache ids to cover, default cache 0
	TotalWays   int     // ways per cache, auto-detected when 0
	Force       bool    // replace non-empty resctrl groups
}

func (c *Config) applyDefaults() {
	if c.Class == "" {
		c.Class = DefaultClass
	}
	if c.Partition == "" {
		c.Partition = DefaultPartition
	}
	if len(c.CacheIDs) == 0 {
		c.CacheIDs = []int{0}
	}
}

// Isolator applies the reservation through the kernel resctrl
// filesystem.
type Isolator struct {
	cfg    Config
	logger *logrus.Logger
}

func NewIsolator(cfg Config) *Isolator {
	cfg.applyDefaults()
	return &Isolator{
		cfg:    cfg,
		logger: logging.GetLogger(),
	}
}

// Setup initializes resctrl and installs the data-path class.
func (iso *Isolator) Setup() error {
	rdtMu.Lock()
	defer rdtMu.Unlock()

	if err := rdt.Initialize(""); err != nil {
		return fmt.Errorf("failed to initialize RDT: %w", err)
	}

	if iso.cfg.TotalWays == 0 {
		ways, err := DetectTotalWays(cbmMaskPath)
		if err != nil {
			return err
		}
		iso.cfg.TotalWays = ways
	}

	config, ways, err := buildConfig(iso.cfg)
	if err != nil {
		return err
	}
	if err := rdt.SetConfig(config, iso.cfg.Force); err != nil {
		return fmt.Errorf("failed to set RDT configuration: %w", err)
	}

	if _, found := rdt.GetClass(iso.cfg.Class); !found {
		names := make([]string, 0)
		for _, c := range rdt.GetClasses() {
			names = append(names, c.Name())
		}
		iso.logger.WithFields(logrus.Fields{
			"expected_class":    iso.cfg.Class,
			"available_classes": names,
		}).Warn("Could not find created RDT class")
	}

	iso.logger.WithFields(logrus.Fields{
		"class":      iso.cfg.Class,
		"ways":       ways,
		"total_ways": iso.cfg.TotalWays,
		"monitoring": rdt.MonSupported(),
	}).Info("L3 cache reservation installed")
	return nil
}

// Clear removes every class this tool created by resetting resctrl to
// its default configuration.
func (iso *Isolator) Clear() error {
	rdtMu.Lock()
	defer rdtMu.Unlock()

	if err := rdt.Initialize(""); err != nil {
		return fmt.Errorf("failed to initialize RDT: %w", err)
	}
	if err := rdt.SetConfig(&rdt.Config{}, true); err != nil {
		return fmt.Errorf("failed to reset RDT configuration: %w", err)
	}
	iso.logger.Info("L3 cache reservation removed")
	return nil
}

// buildConfig renders the resctrl configuration: the partition keeps
// the full cache, the data-path class gets a contiguous block at the
// high end, and the low ways remain with the default group.
func buildConfig(cfg Config) (*rdt.Config, int, error) {
	if cfg.WaysPercent <= 0 || cfg.WaysPercent >= 1 {
		return nil, 0, fmt.Errorf("cache ways share must be within (0, 1), got %.2f", cfg.WaysPercent)
	}
	if cfg.TotalWays < 2 {
		return nil, 0, fmt.Errorf("need at least 2 cache ways, have %d", cfg.TotalWays)
	}

	ways := int(float64(cfg.TotalWays) * cfg.WaysPercent)
	if ways == 0 {
		ways = 1
	}
	if ways >= cfg.TotalWays {
		// The default group keeps at least one way.
		ways = cfg.TotalWays - 1
	}

	mask := highMask(ways, cfg.TotalWays)
	maskHex := fmt.Sprintf("%#x", mask)

	classL3 := make(rdt.CatConfig)
	partitionL3 := make(rdt.CatConfig)
	for _, cacheID := range cfg.CacheIDs {
		id := strconv.Itoa(cacheID)
		classL3[id] = rdt.CacheIdCatConfig{Unified: rdt.CacheProportion(maskHex)}
		partitionL3[id] = rdt.CacheIdCatConfig{Unified: rdt.CacheProportion("100%")}
	}

	config := &rdt.Config{
		Partitions: make(map[string]struct {
			L2Allocation rdt.CatConfig `json:"l2Allocation"`
			L3Allocation rdt.CatConfig `json:"l3Allocation"`
			MBAllocation rdt.MbaConfig `json:"mbAllocation"`
			Classes      map[string]struct {
				L2Allocation rdt.CatConfig         `json:"l2Allocation"`
				L3Allocation rdt.CatConfig         `json:"l3Allocation"`
				MBAllocation rdt.MbaConfig         `json:"mbAllocation"`
				Kubernetes   rdt.KubernetesOptions `json:"kubernetes"`
			} `json:"classes"`
		}),
	}

	partition := config.Partitions[cfg.Partition]
	partition.L3Allocation = partitionL3
	partition.Classes = make(map[string]struct {
		L2Allocation rdt.CatConfig         `json:"l2Allocation"`
		L3Allocation rdt.CatConfig         `json:"l3Allocation"`
		MBAllocation rdt.MbaConfig         `json:"mbAllocation"`
		Kubernetes   rdt.KubernetesOptions `json:"kubernetes"`
	})

	class := partition.Classes[cfg.Class]
	class.L3Allocation = classL3
	partition.Classes[cfg.Class] = class
	config.Partitions[cfg.Partition] = partition

	return config, ways, nil
}

// DetectTotalWays reads the kernel's capacity bitmask and counts its
// bits.
func DetectTotalWays(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read L3 capacity mask: %w", err)
	}
	mask, err := strconv.ParseUint(strings.TrimSpace(string(data)), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse L3 capacity mask %q: %w", strings.TrimSpace(string(data)), err)
	}
	ways := bits.OnesCount64(mask)
	if ways == 0 {
		return 0, fmt.Errorf("L3 capacity mask is empty")
	}
	return ways, nil
}

// highMask creates a contiguous mask of n ways at the high end of a
// total-way cache.
func highMask(n, total int) uint64 {
	if n <= 0 || total <= 0 || n > total {
		return 0
	}
	low := (uint64(1) << n) - 1
	return low << (total - n)
}
