package bootparams

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleGrub = `GRUB_DEFAULT=0
GRUB_TIMEOUT=5
GRUB_CMDLINE_LINUX_DEFAULT="quiet splash"
GRUB_CMDLINE_LINUX=""
`

// newTestEditor writes a grub file into a temp dir and wires a
// command recorder in place of update-grub.
func newTestEditor(t *testing.T, grubContent string) (*Editor, *[]string) {
	t.Helper()
	dir := t.TempDir()
	grubPath := filepath.Join(dir, "grub")
	if err := os.WriteFile(grubPath, []byte(grubContent), 0o644); err != nil {
		t.Fatalf("failed to write grub file: %v", err)
	}

	var commands []string
	e := &Editor{
		GrubPath:    grubPath,
		CmdlinePath: filepath.Join(dir, "cmdline"),
		run: func(name string, args ...string) (string, error) {
			commands = append(commands, strings.Join(append([]string{name}, args...), " "))
			return "", nil
		},
	}
	return e, &commands
}

func grubLine(t *testing.T, e *Editor) string {
	t.Helper()
	_, idx, value, err := e.readGrubLine()
	if err != nil {
		t.Fatalf("failed to read grub line: %v", err)
	}
	if idx < 0 {
		t.Fatal("grub line not found")
	}
	return value
}

func TestEnable_AppendsSelectedParamsInCatalogOrder(t *testing.T) {
	e, commands := newTestEditor(t, sampleGrub)

	// Deliberately out of catalog order.
	line, err := e.Enable([]string{"mitigations", "isolcpus", "nohz_full"}, "2-5")
	if err != nil {
		t.Fatalf("Enable() error = %v", err)
	}

	want := "quiet splash isolcpus=2-5 nohz_full=2-5 mitigations=off"
	if line != want {
		t.Errorf("Enable() = %q, want %q", line, want)
	}
	if got := grubLine(t, e); got != want {
		t.Errorf("grub file line = %q, want %q", got, want)
	}
	if len(*commands) != 1 || (*commands)[0] != "update-grub" {
		t.Errorf("commands = %v, want single update-grub", *commands)
	}
}

func TestEnable_ReplacesPreviousManagedSelection(t *testing.T) {
	content := `GRUB_CMDLINE_LINUX_DEFAULT="quiet isolcpus=1-3 nosmt splash"` + "\n"
	e, _ := newTestEditor(t, content)

	line, err := e.Enable([]string{"rcu_nocbs"}, "7")
	if err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if want := "quiet splash rcu_nocbs=7"; line != want {
		t.Errorf("Enable() = %q, want %q", line, want)
	}
}

func TestEnable_DefaultCoreRange(t *testing.T) {
	e, _ := newTestEditor(t, sampleGrub)

	line, err := e.Enable([]string{"isolcpus"}, "")
	if err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if !strings.Contains(line, "isolcpus=1-12") {
		t.Errorf("Enable() = %q, want default range 1-12", line)
	}
}

func TestEnable_UnknownKeyLeavesFileUntouched(t *testing.T) {
	e, commands := newTestEditor(t, sampleGrub)

	_, err := e.Enable([]string{"isolcpus", "turbo_mode"}, "1-4")
	if err == nil {
		t.Fatal("Enable() expected error for unknown key")
	}
	if got := grubLine(t, e); got != "quiet splash" {
		t.Errorf("grub line = %q, file must be untouched", got)
	}
	if len(*commands) != 0 {
		t.Errorf("commands = %v, want none", *commands)
	}
}

func TestEnable_AppendsVariableWhenMissing(t *testing.T) {
	e, _ := newTestEditor(t, "GRUB_DEFAULT=0\n")

	line, err := e.Enable([]string{"nosmt"}, "")
	if err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if line != "nosmt" {
		t.Errorf("Enable() = %q, want %q", line, "nosmt")
	}
	if got := grubLine(t, e); got != "nosmt" {
		t.Errorf("grub line = %q, want %q", got, "nosmt")
	}
}

func TestDisable_RemovesOnlyManagedTokens(t *testing.T) {
	content := `GRUB_CMDLINE_LINUX_DEFAULT="quiet splash isolcpus=1-12 nosmt intel_idle.max_cstate=0"` + "\n"
	e, commands := newTestEditor(t, content)

	line, changed, err := e.Disable()
	if err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if !changed {
		t.Error("Disable() must report a change")
	}
	if want := "quiet splash"; line != want {
		t.Errorf("Disable() = %q, want %q", line, want)
	}
	if len(*commands) != 1 {
		t.Errorf("commands = %v, want single update-grub", *commands)
	}
}

func TestDisable_NothingManagedIsNoop(t *testing.T) {
	e, commands := newTestEditor(t, sampleGrub)

	line, changed, err := e.Disable()
	if err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if changed {
		t.Error("Disable() must not report a change")
	}
	if line != "quiet splash" {
		t.Errorf("Disable() = %q, want untouched line", line)
	}
	if len(*commands) != 0 {
		t.Errorf("commands = %v, want none for a no-op", *commands)
	}
}

func TestBackup_KeepsFirstPristineCopy(t *testing.T) {
	e, _ := newTestEditor(t, sampleGrub)

	if _, err := e.Enable([]string{"isolcpus"}, "1-4"); err != nil {
		t.Fatalf("first Enable() error = %v", err)
	}
	if _, err := e.Enable([]string{"nosmt"}, ""); err != nil {
		t.Fatalf("second Enable() error = %v", err)
	}

	backup, err := os.ReadFile(e.GrubPath + ".netsteer.bak")
	if err != nil {
		t.Fatalf("backup not created: %v", err)
	}
	if string(backup) != sampleGrub {
		t.Errorf("backup = %q, want the pristine original", string(backup))
	}
}

func TestStatus_SplitsLiveAndPending(t *testing.T) {
	content := `GRUB_CMDLINE_LINUX_DEFAULT="quiet mitigations=off"` + "\n"
	e, _ := newTestEditor(t, content)
	cmdline := "BOOT_IMAGE=/vmlinuz root=/dev/sda1 isolcpus=1-12 nosmt quiet"
	if err := os.WriteFile(e.CmdlinePath, []byte(cmdline+"\n"), 0o644); err != nil {
		t.Fatalf("failed to write cmdline: %v", err)
	}

	status, err := e.Status()
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(status.Live) != 2 || status.Live[0] != "isolcpus=1-12" || status.Live[1] != "nosmt" {
		t.Errorf("Live = %v, want the two managed live tokens", status.Live)
	}
	if len(status.Pending) != 1 || status.Pending[0] != "mitigations=off" {
		t.Errorf("Pending = %v, want [mitigations=off]", status.Pending)
	}
	if status.Cmdline != cmdline {
		t.Errorf("Cmdline = %q", status.Cmdline)
	}
}

func TestCatalog_OrderAndRendering(t *testing.T) {
	wantKeys := []string{
		"isolcpus", "nohz_full", "rcu_nocbs", "housekeeping", "intel_pstate",
		"nosmt", "intel_idle_cstate", "processor_cstate", "mitigations",
		"intel_iommu", "iommu",
	}
	got := Keys()
	if len(got) != len(wantKeys) {
		t.Fatalf("Keys() = %v, want %d entries", got, len(wantKeys))
	}
	for i := range wantKeys {
		if got[i] != wantKeys[i] {
			t.Errorf("Keys()[%d] = %q, want %q", i, got[i], wantKeys[i])
		}
	}

	isol, ok := Lookup("isolcpus")
	if !ok {
		t.Fatal("Lookup(isolcpus) not found")
	}
	if r := isol.Render("9-16"); r != "isolcpus=9-16" {
		t.Errorf("Render() = %q", r)
	}
	hk, _ := Lookup("housekeeping")
	if r := hk.Render("9-16"); r != "housekeeping=cpus:0" {
		t.Errorf("housekeeping Render() = %q, core range must not leak in", r)
	}
}

func TestParam_Matches(t *testing.T) {
	nosmt, _ := Lookup("nosmt")
	if !nosmt.Matches("nosmt") {
		t.Error("nosmt must match its bare token")
	}
	if nosmt.Matches("nosmtx") {
		t.Error("nosmt must not match a longer token")
	}
	isol, _ := Lookup("isolcpus")
	if !isol.Matches("isolcpus=1-4") {
		t.Error("isolcpus must match its valued token")
	}
	if isol.Matches("isolcpusx=1-4") {
		t.Error("isolcpus must not match a different parameter")
	}
	idle, _ := Lookup("intel_idle_cstate")
	if !idle.Matches("intel_idle.max_cstate=0") {
		t.Error("intel_idle.max_cstate=0 must match")
	}
}
