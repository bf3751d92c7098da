package database

import (
	"compress/gzip"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"netsteer/internal/apply"
	"netsteer/internal/bench"
	"netsteer/internal/config"
	"netsteer/internal/cores"
	"netsteer/internal/plan"
)

func sampleRecord() *RunRecord {
	return &RunRecord{
		RunID:             7,
		Interface:         "eth0",
		Driver:            "mlx5_core",
		Cores:             "9-16",
		Queues:            8,
		PinPolicy:         "modulo",
		Connections:       200,
		BasePort:          20000,
		DirectivesApplied: 21,
		DirectivesFailed:  1,
		ServerHost:        "10.0.0.2",
		ClientStatus:      0,
		ClientOutput:      "done",
		RunStarted:        "2026-08-25T10:00:00Z",
		RunFinished:       "2026-08-25T10:00:30Z",
		DurationSeconds:   30,
		Hostname:          "bench-host",
		Version:           "0.4.0",
		ProfileFile:       "interface: eth0\n",
	}
}

func TestWriteSpoolArtifact_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	artifact := BuildSpoolArtifact(sampleRecord(), "interface: eth0\n")

	path, err := WriteSpoolArtifact(dir, artifact)
	if err != nil {
		t.Fatalf("WriteSpoolArtifact() error = %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open artifact: %v", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("artifact is not gzip: %v", err)
	}
	defer gz.Close()

	var got SpoolArtifact
	if err := json.NewDecoder(gz).Decode(&got); err != nil {
		t.Fatalf("failed to decode artifact: %v", err)
	}

	if got.Version != 1 {
		t.Errorf("Version = %d, want 1", got.Version)
	}
	if got.RunID != 7 || got.Interface != "eth0" {
		t.Errorf("artifact header = run %d iface %q", got.RunID, got.Interface)
	}
	if !got.CreatedAt.Equal(artifact.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, artifact.CreatedAt)
	}
	if got.Record == nil {
		t.Fatal("Record missing after round trip")
	}
	if got.Record.Cores != "9-16" || got.Record.DirectivesApplied != 21 {
		t.Errorf("Record = %+v", got.Record)
	}
	if got.ProfileContent != "interface: eth0\n" {
		t.Errorf("ProfileContent = %q", got.ProfileContent)
	}
}

func TestWriteSpoolArtifact_FileName(t *testing.T) {
	dir := t.TempDir()
	artifact := BuildSpoolArtifact(sampleRecord(), "")
	artifact.CreatedAt = time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)

	path, err := WriteSpoolArtifact(dir, artifact)
	if err != nil {
		t.Fatalf("WriteSpoolArtifact() error = %v", err)
	}

	want := "run_7_20260825T103000Z_eth0.json.gz"
	if filepath.Base(path) != want {
		t.Errorf("file name = %q, want %q", filepath.Base(path), want)
	}
}

func TestWriteSpoolArtifact_NilArtifact(t *testing.T) {
	if _, err := WriteSpoolArtifact(t.TempDir(), nil); err == nil {
		t.Error("WriteSpoolArtifact(nil) expected error")
	}
}

func TestWriteSpoolArtifact_NoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	if _, err := WriteSpoolArtifact(dir, BuildSpoolArtifact(sampleRecord(), "")); err != nil {
		t.Fatalf("WriteSpoolArtifact() error = %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read spool dir: %v", err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".tmp.") {
			t.Errorf("temp file left behind: %s", entry.Name())
		}
	}
	if len(entries) != 1 {
		t.Errorf("spool dir holds %d entries, want 1", len(entries))
	}
}

func TestDefaultSpoolDir(t *testing.T) {
	t.Setenv("NETSTEER_SPOOL_DIR", "")
	if got := DefaultSpoolDir(); got != "spool" {
		t.Errorf("DefaultSpoolDir() = %q, want spool", got)
	}

	t.Setenv("NETSTEER_SPOOL_DIR", "/var/lib/netsteer/spool")
	if got := DefaultSpoolDir(); got != "/var/lib/netsteer/spool" {
		t.Errorf("DefaultSpoolDir() = %q, want override", got)
	}
}

func TestCollectRunRecord_MapsProfileAndResult(t *testing.T) {
	set, err := cores.Parse("9-16")
	if err != nil {
		t.Fatalf("cores.Parse() error = %v", err)
	}
	profile := &config.Profile{
		Interface: "eth0",
		CoreSet:   set,
		Pin: &config.PinConfig{
			Queues:    8,
			PinPolicy: plan.PolicyModulo,
		},
		Flow: &config.FlowConfig{
			BasePort:    20000,
			Connections: 200,
			DstPort:     11211,
		},
	}
	started := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	result := &bench.Result{
		Host:         "10.0.0.2",
		ClientStatus: 3,
		Output:       "retrying",
		Started:      started,
		Duration:     30 * time.Second,
	}
	report := &apply.Report{Applied: 21}
	report.Failures = append(report.Failures, apply.Failure{Directive: "irq 46 -> core 10"})

	record, err := CollectRunRecord(42, profile, "interface: eth0\n", result, report, "mlx5_core", "0.4.0")
	if err != nil {
		t.Fatalf("CollectRunRecord() error = %v", err)
	}

	if record.RunID != 42 {
		t.Errorf("RunID = %d", record.RunID)
	}
	if record.Interface != "eth0" || record.Cores != "9-16" {
		t.Errorf("device fields = %q %q", record.Interface, record.Cores)
	}
	if record.Queues != 8 || record.PinPolicy != "modulo" {
		t.Errorf("pin fields = %d %q", record.Queues, record.PinPolicy)
	}
	if record.Connections != 200 || record.BasePort != 20000 {
		t.Errorf("flow fields = %d %d", record.Connections, record.BasePort)
	}
	if record.DirectivesApplied != 21 || record.DirectivesFailed != 1 {
		t.Errorf("report fields = %d/%d", record.DirectivesApplied, record.DirectivesFailed)
	}
	if record.ClientStatus != 3 || record.ServerHost != "10.0.0.2" {
		t.Errorf("bench fields = %d %q", record.ClientStatus, record.ServerHost)
	}
	if record.RunStarted != "2026-08-25T10:00:00Z" || record.RunFinished != "2026-08-25T10:00:30Z" {
		t.Errorf("timestamps = %q .. %q", record.RunStarted, record.RunFinished)
	}
	if record.DurationSeconds != 30 {
		t.Errorf("DurationSeconds = %v", record.DurationSeconds)
	}
	if record.Driver != "mlx5_core" || record.Version != "0.4.0" {
		t.Errorf("identity fields = %q %q", record.Driver, record.Version)
	}
	if record.Hostname == "" {
		t.Error("Hostname must be filled from host info")
	}
	if record.ProfileFile != "interface: eth0\n" {
		t.Errorf("ProfileFile = %q", record.ProfileFile)
	}
}
