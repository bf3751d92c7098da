package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"netsteer/internal/cores"
	"netsteer/internal/logging"
	"netsteer/internal/plan"
)

func LoadProfile(filepath string) (*Profile, error) {
	profile, _, err := LoadProfileWithContent(filepath)
	return profile, err
}

// LoadProfileWithContent also returns the raw file content so a run
// record can carry the exact profile it was produced from.
func LoadProfileWithContent(filepath string) (*Profile, string, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(filepath)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to read profile")
		return nil, "", err
	}

	originalContent := string(data)

	// Expand environment variables
	expanded := expandEnvVars(originalContent)

	var profile Profile
	if err := yaml.Unmarshal([]byte(expanded), &profile); err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to parse profile")
		return nil, "", err
	}

	if profile.Cores != "" {
		set, err := cores.Parse(profile.Cores)
		if err != nil {
			return nil, "", err
		}
		profile.CoreSet = set
	}

	if profile.Pin != nil {
		policy := profile.Pin.Policy
		if policy == "" {
			policy = plan.PolicyModulo.String()
		}
		parsed, err := plan.ParsePinPolicy(policy)
		if err != nil {
			return nil, "", err
		}
		profile.Pin.PinPolicy = parsed
	}

	if err := validateProfile(&profile); err != nil {
		return nil, "", fmt.Errorf("invalid profile: %w", err)
	}

	return &profile, originalContent, nil
}

func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

func validateProfile(profile *Profile) error {
	if len(profile.Steps()) == 0 {
		return fmt.Errorf("profile defines no steps")
	}

	if profile.LogLevel != "" {
		if _, err := logrus.ParseLevel(profile.LogLevel); err != nil {
			return fmt.Errorf("unknown log_level %q", profile.LogLevel)
		}
	}

	needsDevice := profile.Pin != nil || profile.RSS != nil || profile.Flow != nil
	if needsDevice {
		if profile.Interface == "" {
			return fmt.Errorf("interface is required for pin, rss and flow steps")
		}
		if len(profile.CoreSet) == 0 {
			return fmt.Errorf("cores are required for pin, rss and flow steps")
		}
	}

	if pin := profile.Pin; pin != nil {
		if pin.Queues < 0 {
			return fmt.Errorf("pin: queues must not be negative")
		}
		if pin.RingRX < 0 || pin.RingTX < 0 {
			return fmt.Errorf("pin: ring sizes must not be negative")
		}
	}

	if flow := profile.Flow; flow != nil {
		if flow.Connections <= 0 {
			return fmt.Errorf("flow: connections must be greater than 0")
		}
		if flow.BasePort < 1 || flow.BasePort > 65535 {
			return fmt.Errorf("flow: base_port %d out of range", flow.BasePort)
		}
		if flow.DstPort < 1 || flow.DstPort > 65535 {
			return fmt.Errorf("flow: dst_port %d out of range", flow.DstPort)
		}
	}

	if cache := profile.Cache; cache != nil && cache.Enabled {
		if cache.WaysPercent <= 0 || cache.WaysPercent >= 1 {
			return fmt.Errorf("cache: ways_percent must be within (0, 1)")
		}
	}

	if bench := profile.Bench; bench != nil {
		if bench.ServerHost == "" {
			return fmt.Errorf("bench: server_host is required")
		}
		if bench.ServerCommand == "" || bench.ClientCommand == "" {
			return fmt.Errorf("bench: server_command and client_command are required")
		}
		if bench.Port < 1 || bench.Port > 65535 {
			return fmt.Errorf("bench: port %d out of range", bench.Port)
		}
		if bench.SSH.User == "" {
			return fmt.Errorf("bench: ssh user is required")
		}
		if bench.SSH.KeyFile == "" {
			return fmt.Errorf("bench: ssh key_file is required")
		}
		if bench.SettleSeconds == 0 {
			bench.SettleSeconds = 2
		}
		if bench.ProbeTimeoutSeconds == 0 {
			bench.ProbeTimeoutSeconds = 10
		}
	}

	return nil
}
