// Package bootparams manages the kernel boot parameters used to carve
// cores out of the scheduler for low-latency packet processing. It
// edits GRUB_CMDLINE_LINUX_DEFAULT in place, keeping every token it
// does not own.
package bootparams

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"netsteer/internal/logging"
)

const (
	// DefaultCoreRange fills the {CORES} placeholder when the operator
	// does not name an isolation range.
	DefaultCoreRange = "1-12"

	grubVariable  = "GRUB_CMDLINE_LINUX_DEFAULT"
	backupSuffix  = ".netsteer.bak"
	coresTemplate = "{CORES}"
)

// Param is one managed kernel boot parameter.
type Param struct {
	Key      string // stable identifier accepted on the command line
	Name     string // kernel parameter name as it appears in the boot line
	Template string // full token, {CORES} replaced with the isolation range
	Desc     string // short description for menus
	Info     string // longer explanation for the menu detail panel
}

// Render produces the boot-line token for the given core range.
func (p Param) Render(coreRange string) string {
	return strings.ReplaceAll(p.Template, coresTemplate, coreRange)
}

// Matches reports whether a boot-line token belongs to this parameter.
func (p Param) Matches(token string) bool {
	return token == p.Name || strings.HasPrefix(token, p.Name+"=")
}

// NeedsCores reports whether the parameter takes the isolation range.
func (p Param) NeedsCores() bool {
	return strings.Contains(p.Template, coresTemplate)
}

var catalog = []Param{
	{
		Key: "isolcpus", Name: "isolcpus", Template: "isolcpus=" + coresTemplate,
		Desc: "Isolate CPUs from the scheduler",
		Info: "Prevents the scheduler from placing tasks on the isolated cores.",
	},
	{
		Key: "nohz_full", Name: "nohz_full", Template: "nohz_full=" + coresTemplate,
		Desc: "Disable timer ticks on isolated cores",
		Info: "Stops periodic timer interrupts on the named cores.",
	},
	{
		Key: "rcu_nocbs", Name: "rcu_nocbs", Template: "rcu_nocbs=" + coresTemplate,
		Desc: "Move RCU callbacks off isolated cores",
		Info: "Offloads RCU grace period handling to the remaining cores.",
	},
	{
		Key: "housekeeping", Name: "housekeeping", Template: "housekeeping=cpus:0",
		Desc: "Keep housekeeping tasks on CPU 0",
		Info: "Confines kernel housekeeping work to core 0.",
	},
	{
		Key: "intel_pstate", Name: "intel_pstate", Template: "intel_pstate=disable",
		Desc: "Disable the Intel P-State driver",
		Info: "Stops the Intel driver from scaling CPU frequency.",
	},
	{
		Key: "nosmt", Name: "nosmt", Template: "nosmt",
		Desc: "Disable hyperthreading",
		Info: "Turns off simultaneous multithreading for predictable cache behavior.",
	},
	{
		Key: "intel_idle_cstate", Name: "intel_idle.max_cstate", Template: "intel_idle.max_cstate=0",
		Desc: "Disable Intel idle C-states",
		Info: "Keeps cores out of power-saving sleep states.",
	},
	{
		Key: "processor_cstate", Name: "processor.max_cstate", Template: "processor.max_cstate=0",
		Desc: "Disable processor C-states",
		Info: "Holds the processor in its highest performance state.",
	},
	{
		Key: "mitigations", Name: "mitigations", Template: "mitigations=off",
		Desc: "Disable security mitigations",
		Info: "Removes Spectre/Meltdown mitigation overhead. Less secure.",
	},
	{
		Key: "intel_iommu", Name: "intel_iommu", Template: "intel_iommu=off",
		Desc: "Disable the Intel IOMMU",
		Info: "Removes DMA translation overhead at the cost of isolation.",
	},
	{
		Key: "iommu", Name: "iommu", Template: "iommu=off",
		Desc: "Disable the generic IOMMU",
		Info: "Complements intel_iommu=off for untranslated DMA.",
	},
}

// Catalog returns the managed parameters in application order.
func Catalog() []Param {
	out := make([]Param, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup finds a catalog entry by key.
func Lookup(key string) (Param, bool) {
	for _, p := range catalog {
		if p.Key == key {
			return p, true
		}
	}
	return Param{}, false
}

// Keys returns every catalog key in application order.
func Keys() []string {
	keys := make([]string, len(catalog))
	for i, p := range catalog {
		keys[i] = p.Key
	}
	return keys
}

type runFunc func(name string, args ...string) (string, error)

// Editor rewrites the GRUB default command line and regenerates the
// boot configuration. Mutations back up the untouched file once, on
// first contact.
type Editor struct {
	GrubPath    string
	CmdlinePath string
	run         runFunc
}

func NewEditor() *Editor {
	return &Editor{
		GrubPath:    "/etc/default/grub",
		CmdlinePath: "/proc/cmdline",
		run:         runCommand,
	}
}

func runCommand(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Status reports which managed parameters are active on the running
// kernel and which are staged in the GRUB configuration for the next
// boot.
type Status struct {
	Cmdline  string
	GrubLine string
	Live     []string
	Pending  []string
}

func (e *Editor) Status() (*Status, error) {
	cmdline, err := os.ReadFile(e.CmdlinePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", e.CmdlinePath, err)
	}
	live := strings.TrimSpace(string(cmdline))

	_, _, grubLine, err := e.readGrubLine()
	if err != nil {
		return nil, err
	}

	return &Status{
		Cmdline:  live,
		GrubLine: grubLine,
		Live:     managedTokens(live),
		Pending:  managedTokens(grubLine),
	}, nil
}

// Enable stages the selected parameters, replacing any previously
// managed tokens while leaving unmanaged ones where they are. Returns
// the new boot line.
func (e *Editor) Enable(keys []string, coreRange string) (string, error) {
	if len(keys) == 0 {
		return "", fmt.Errorf("no kernel parameters selected")
	}
	selected := make(map[string]bool, len(keys))
	for _, key := range keys {
		if _, ok := Lookup(key); !ok {
			return "", fmt.Errorf("unknown kernel parameter %q", key)
		}
		selected[key] = true
	}
	if coreRange == "" {
		coreRange = DefaultCoreRange
	}

	rendered := make([]string, 0, len(selected))
	for _, p := range catalog {
		if selected[p.Key] {
			rendered = append(rendered, p.Render(coreRange))
		}
	}

	lines, idx, current, err := e.readGrubLine()
	if err != nil {
		return "", err
	}

	tokens := append(unmanagedTokens(current), rendered...)
	newLine := strings.Join(tokens, " ")
	if err := e.writeGrubLine(lines, idx, newLine); err != nil {
		return "", err
	}
	if _, err := e.run("update-grub"); err != nil {
		return "", fmt.Errorf("failed to regenerate boot configuration: %w", err)
	}

	logging.GetLogger().WithField("cmdline", newLine).Info("Kernel parameters staged, reboot to apply")
	return newLine, nil
}

// Disable removes every managed parameter from the boot line, keeping
// unmanaged tokens. The boolean reports whether the file was changed;
// a missing boot line or a line without managed tokens is a no-op.
func (e *Editor) Disable() (string, bool, error) {
	lines, idx, current, err := e.readGrubLine()
	if err != nil {
		return "", false, err
	}
	if idx < 0 {
		return "", false, nil
	}

	newLine := strings.Join(unmanagedTokens(current), " ")
	if newLine == current {
		return newLine, false, nil
	}
	if err := e.writeGrubLine(lines, idx, newLine); err != nil {
		return "", false, err
	}
	if _, err := e.run("update-grub"); err != nil {
		return "", false, fmt.Errorf("failed to regenerate boot configuration: %w", err)
	}

	logging.GetLogger().WithField("cmdline", newLine).Info("Kernel parameters cleared, reboot to revert")
	return newLine, true, nil
}

func managedTokens(line string) []string {
	var out []string
	for _, token := range strings.Fields(line) {
		for _, p := range catalog {
			if p.Matches(token) {
				out = append(out, token)
				break
			}
		}
	}
	return out
}

func unmanagedTokens(line string) []string {
	var out []string
	for _, token := range strings.Fields(line) {
		managed := false
		for _, p := range catalog {
			if p.Matches(token) {
				managed = true
				break
			}
		}
		if !managed {
			out = append(out, token)
		}
	}
	return out
}

// readGrubLine returns the file split into lines, the index of the
// managed variable (-1 when absent), and its unquoted value.
func (e *Editor) readGrubLine() ([]string, int, string, error) {
	data, err := os.ReadFile(e.GrubPath)
	if err != nil {
		return nil, 0, "", fmt.Errorf("failed to read %s: %w", e.GrubPath, err)
	}
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		if !strings.HasPrefix(strings.TrimSpace(line), grubVariable+"=") {
			continue
		}
		value := strings.TrimSpace(line)[len(grubVariable)+1:]
		return lines, i, unquote(value), nil
	}
	return lines, -1, "", nil
}

func (e *Editor) writeGrubLine(lines []string, idx int, value string) error {
	if err := e.backup(); err != nil {
		return err
	}
	entry := fmt.Sprintf("%s=%q", grubVariable, value)
	if idx >= 0 {
		lines[idx] = entry
	} else {
		// Keep the trailing newline at the end of the file.
		if n := len(lines); n > 0 && lines[n-1] == "" {
			lines = append(lines[:n-1], entry, "")
		} else {
			lines = append(lines, entry)
		}
	}

	mode := os.FileMode(0o644)
	if info, err := os.Stat(e.GrubPath); err == nil {
		mode = info.Mode()
	}
	if err := os.WriteFile(e.GrubPath, []byte(strings.Join(lines, "\n")), mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", e.GrubPath, err)
	}
	return nil
}

// backup preserves the pre-netsteer file exactly once. Later edits
// never overwrite it.
func (e *Editor) backup() error {
	backupPath := e.GrubPath + backupSuffix
	if _, err := os.Stat(backupPath); err == nil {
		return nil
	}
	data, err := os.ReadFile(e.GrubPath)
	if err != nil {
		return fmt.Errorf("failed to read %s for backup: %w", e.GrubPath, err)
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(e.GrubPath); err == nil {
		mode = info.Mode()
	}
	if err := os.WriteFile(backupPath, data, mode); err != nil {
		return fmt.Errorf("failed to write backup %s: %w", backupPath, err)
	}
	return nil
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
