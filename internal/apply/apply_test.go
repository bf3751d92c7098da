package apply

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"netsteer/internal/rules"
)

// fakeController records every operation in call order and lets tests
// inject failures for individual targets.
type fakeController struct {
	mu  sync.Mutex
	ops []string

	failIRQ    map[int]error
	failDelete map[int]error
	listIDs    []int
	listErr    error
}

func newFakeController() *fakeController {
	return &fakeController{
		failIRQ:    make(map[int]error),
		failDelete: make(map[int]error),
	}
}

func (f *fakeController) record(format string, args ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, fmt.Sprintf(format, args...))
}

func (f *fakeController) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ops))
	copy(out, f.ops)
	return out
}

func (f *fakeController) SetIRQAffinity(irq, core int) error {
	if err := f.failIRQ[irq]; err != nil {
		return err
	}
	f.record("irq %d->%d", irq, core)
	return nil
}

func (f *fakeController) SetTxQueueSteering(queue, core int) error {
	f.record("xps %d->%d", queue, core)
	return nil
}

func (f *fakeController) SetRSSWeights(weights []int) error {
	f.record("rss %v", weights)
	return nil
}

func (f *fakeController) InsertFlowFilter(proto string, srcPort, dstPort, target int) (int, error) {
	f.record("insert %s %d %d %d", proto, srcPort, dstPort, target)
	return 1000 + srcPort, nil
}

func (f *fakeController) DeleteFlowFilter(ruleID int) error {
	if err := f.failDelete[ruleID]; err != nil {
		return err
	}
	f.record("delete %d", ruleID)
	return nil
}

func (f *fakeController) ListFlowFilters() ([]int, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.listIDs, nil
}

func (f *fakeController) ChannelCount() (int, error)         { return 0, nil }
func (f *fakeController) SetChannelCount(n int) (int, error) { return n, nil }
func (f *fakeController) SetRingSize(rx, tx int) error       { return nil }
func (f *fakeController) DriverName() (string, error)        { return "fake", nil }
func (f *fakeController) BusInfo() (string, error)           { return "0000:00:00.0", nil }

func TestRun_AppliesInOrder(t *testing.T) {
	ctrl := newFakeController()
	batch := rules.Batch{
		rules.IRQAffinity{IRQ: 45, Queue: 0, Core: 9},
		rules.TxSteering{Queue: 0, Core: 9},
		rules.IRQAffinity{IRQ: 46, Queue: 1, Core: 10},
		rules.TxSteering{Queue: 1, Core: 10},
	}

	report := Run(ctrl, batch)

	if report.Applied != 4 || report.Failed() != 0 {
		t.Fatalf("Run() applied %d failed %d, want 4 applied 0 failed", report.Applied, report.Failed())
	}
	want := []string{"irq 45->9", "xps 0->9", "irq 46->10", "xps 1->10"}
	got := ctrl.calls()
	if len(got) != len(want) {
		t.Fatalf("recorded %d calls, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRun_ContinuesPastFailures(t *testing.T) {
	ctrl := newFakeController()
	ctrl.failIRQ[46] = errors.New("write smp_affinity_list: permission denied")

	batch := rules.Batch{
		rules.IRQAffinity{IRQ: 45, Queue: 0, Core: 9},
		rules.IRQAffinity{IRQ: 46, Queue: 1, Core: 10},
		rules.IRQAffinity{IRQ: 47, Queue: 2, Core: 11},
	}

	report := Run(ctrl, batch)

	if report.Applied != 2 {
		t.Errorf("Applied = %d, want 2", report.Applied)
	}
	if report.Failed() != 1 {
		t.Fatalf("Failed() = %d, want 1", report.Failed())
	}
	failure := report.Failures[0]
	if !strings.Contains(failure.Directive, "irq 46") {
		t.Errorf("failure recorded for %q, want the irq 46 directive", failure.Directive)
	}
	if failure.Err == nil || !strings.Contains(failure.Err.Error(), "permission denied") {
		t.Errorf("failure error = %v, want the injected error", failure.Err)
	}

	// The directive after the failure must still have run.
	got := ctrl.calls()
	if len(got) != 2 || got[1] != "irq 47->11" {
		t.Errorf("calls after failure = %v, want irq 45 and irq 47 applied", got)
	}
}

func TestRun_EmptyBatch(t *testing.T) {
	ctrl := newFakeController()
	report := Run(ctrl, nil)

	if report.Total() != 0 {
		t.Errorf("Total() = %d, want 0", report.Total())
	}
	if got := report.Summary(); got != "nothing to apply" {
		t.Errorf("Summary() = %q, want %q", got, "nothing to apply")
	}
}

func TestReport_Summary(t *testing.T) {
	tests := []struct {
		name   string
		report Report
		want   string
	}{
		{
			name:   "all applied",
			report: Report{Applied: 21},
			want:   "fully applied (21 directives)",
		},
		{
			name: "partial",
			report: Report{
				Applied: 19,
				Failures: []Failure{
					{Directive: "irq 46 (rx queue 1) -> core 10", Err: errors.New("boom")},
					{Directive: "tx queue 1 xps -> core 10", Err: errors.New("boom")},
				},
			},
			want: "applied with 2 non-fatal failures (19 of 21 directives ok)",
		},
		{
			name:   "empty",
			report: Report{},
			want:   "nothing to apply",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.report.Summary(); got != tt.want {
				t.Errorf("Summary() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReset_DeletesEveryInstalledRule(t *testing.T) {
	ctrl := newFakeController()
	ctrl.listIDs = []int{1019, 1020, 1023}

	report, found, err := Reset(ctrl)
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if found != 3 {
		t.Errorf("found = %d, want 3", found)
	}
	if report.Applied != 3 || report.Failed() != 0 {
		t.Errorf("report = %d applied %d failed, want 3/0", report.Applied, report.Failed())
	}
	want := []string{"delete 1019", "delete 1020", "delete 1023"}
	got := ctrl.calls()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestReset_ToleratesDeleteFailures(t *testing.T) {
	ctrl := newFakeController()
	ctrl.listIDs = []int{7, 8, 9}
	ctrl.failDelete[8] = errors.New("rule not found")

	report, found, err := Reset(ctrl)
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if found != 3 {
		t.Errorf("found = %d, want 3", found)
	}
	if report.Applied != 2 || report.Failed() != 1 {
		t.Errorf("report = %d applied %d failed, want 2/1", report.Applied, report.Failed())
	}
}

func TestReset_NothingInstalled(t *testing.T) {
	ctrl := newFakeController()

	report, found, err := Reset(ctrl)
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if found != 0 {
		t.Errorf("found = %d, want 0", found)
	}
	if report.Total() != 0 {
		t.Errorf("report total = %d, want 0", report.Total())
	}
	if len(ctrl.calls()) != 0 {
		t.Errorf("no device calls expected, got %v", ctrl.calls())
	}
}

func TestReset_ListFailureIsFatal(t *testing.T) {
	ctrl := newFakeController()
	ctrl.listErr = errors.New("ethtool: no such device")

	_, _, err := Reset(ctrl)
	if err == nil {
		t.Fatal("Reset() expected error when listing fails")
	}
	if !strings.Contains(err.Error(), "no such device") {
		t.Errorf("error = %v, want wrapped listing failure", err)
	}
}
