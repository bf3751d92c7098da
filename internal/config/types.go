package config

import (
	"time"

	"netsteer/internal/cores"
	"netsteer/internal/plan"
)

// Profile is a declarative tuning run: which interface, which cores,
// and which steps to apply.
type Profile struct {
	LogLevel  string `yaml:"log_level"`
	Interface string `yaml:"interface"`
	Cores     string `yaml:"cores"`

	Pin   *PinConfig   `yaml:"pin,omitempty"`
	RSS   *RSSConfig   `yaml:"rss,omitempty"`
	Flow  *FlowConfig  `yaml:"flow,omitempty"`
	Cache *CacheConfig `yaml:"cache,omitempty"`
	Bench *BenchConfig `yaml:"bench,omitempty"`

	// Parsed from Cores during load.
	CoreSet cores.Set `yaml:"-"`
}

type PinConfig struct {
	Policy     string `yaml:"policy"`
	Queues     int    `yaml:"queues"`
	RingRX     int    `yaml:"ring_rx"`
	RingTX     int    `yaml:"ring_tx"`
	TxSteering bool   `yaml:"tx_steering"`

	// Parsed from Policy during load.
	PinPolicy plan.PinPolicy `yaml:"-"`
}

type RSSConfig struct {
	Enabled bool `yaml:"enabled"`
}

type FlowConfig struct {
	BasePort    int  `yaml:"base_port"`
	Connections int  `yaml:"connections"`
	DstPort     int  `yaml:"dst_port"`
	ResetFirst  bool `yaml:"reset_first"`
}

type CacheConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Class       string  `yaml:"class,omitempty"`
	Partition   string  `yaml:"partition,omitempty"`
	WaysPercent float64 `yaml:"ways_percent"`
	TotalWays   int     `yaml:"total_ways,omitempty"`
	CacheIDs    []int   `yaml:"cache_ids,omitempty"`
	Force       bool    `yaml:"force"`
}

type BenchConfig struct {
	ServerHost          string    `yaml:"server_host"`
	ServerCommand       string    `yaml:"server_command"`
	ClientCommand       string    `yaml:"client_command"`
	Port                int       `yaml:"port"`
	SettleSeconds       int       `yaml:"settle_seconds"`
	ProbeTimeoutSeconds int       `yaml:"probe_timeout_seconds"`
	Record              bool      `yaml:"record"`
	SSH                 SSHConfig `yaml:"ssh"`
}

type SSHConfig struct {
	User            string `yaml:"user"`
	KeyFile         string `yaml:"key_file"`
	Port            int    `yaml:"port,omitempty"`
	KnownHostsFile  string `yaml:"known_hosts_file,omitempty"`
	InsecureHostKey bool   `yaml:"insecure_host_key,omitempty"`
}

func (b *BenchConfig) SettleDelay() time.Duration {
	return time.Duration(b.SettleSeconds) * time.Second
}

func (b *BenchConfig) ProbeTimeout() time.Duration {
	return time.Duration(b.ProbeTimeoutSeconds) * time.Second
}

// Steps lists the enabled step names in their application order.
func (p *Profile) Steps() []string {
	var steps []string
	if p.Cache != nil && p.Cache.Enabled {
		steps = append(steps, "cache")
	}
	if p.Pin != nil {
		steps = append(steps, "pin")
	}
	if p.RSS != nil && p.RSS.Enabled {
		steps = append(steps, "rss")
	}
	if p.Flow != nil {
		steps = append(steps, "flow")
	}
	if p.Bench != nil {
		steps = append(steps, "bench")
	}
	return steps
}
