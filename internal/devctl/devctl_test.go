package devctl

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func newTestController(t *testing.T) (*LinuxController, *[]string) {
	t.Helper()
	var commands []string
	c := &LinuxController{
		iface:    "eth0",
		procRoot: t.TempDir(),
		sysRoot:  t.TempDir(),
		run: func(name string, args ...string) (string, error) {
			commands = append(commands, name+" "+strings.Join(args, " "))
			return "", nil
		},
	}
	return c, &commands
}

func TestHexCPUMask(t *testing.T) {
	cases := []struct {
		core int
		want string
	}{
		{0, "1"},
		{1, "2"},
		{5, "20"},
		{31, "80000000"},
		{35, "8,00000000"},
		{64, "1,00000000,00000000"},
	}

	for _, tc := range cases {
		if got := hexCPUMask(tc.core); got != tc.want {
			t.Errorf("hexCPUMask(%d) = %q, want %q", tc.core, got, tc.want)
		}
	}
}

func TestSetIRQAffinity_WritesAffinityList(t *testing.T) {
	c, _ := newTestController(t)

	irqDir := filepath.Join(c.procRoot, "irq", "118")
	if err := os.MkdirAll(irqDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := c.SetIRQAffinity(118, 9); err != nil {
		t.Fatalf("SetIRQAffinity: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(irqDir, "smp_affinity_list"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "9" {
		t.Errorf("smp_affinity_list = %q, want %q", data, "9")
	}
}

func TestSetIRQAffinity_MissingIRQDirFails(t *testing.T) {
	c, _ := newTestController(t)
	if err := c.SetIRQAffinity(999, 1); err == nil {
		t.Fatalf("expected error for missing irq directory")
	}
}

func TestSetTxQueueSteering_WritesXPSMask(t *testing.T) {
	c, _ := newTestController(t)

	queueDir := filepath.Join(c.sysRoot, "class", "net", "eth0", "queues", "tx-3")
	if err := os.MkdirAll(queueDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := c.SetTxQueueSteering(3, 35); err != nil {
		t.Fatalf("SetTxQueueSteering: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(queueDir, "xps_cpus"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "8,00000000" {
		t.Errorf("xps_cpus = %q, want %q", data, "8,00000000")
	}
}

func TestSetRSSWeights_CommandShape(t *testing.T) {
	c, commands := newTestController(t)

	if err := c.SetRSSWeights([]int{0, 0, 1, 0, 0, 1}); err != nil {
		t.Fatalf("SetRSSWeights: %v", err)
	}

	want := []string{"ethtool -X eth0 weight 0 0 1 0 0 1"}
	if !reflect.DeepEqual(*commands, want) {
		t.Errorf("commands = %v, want %v", *commands, want)
	}
}

func TestInsertFlowFilter_CommandShapeAndRuleID(t *testing.T) {
	var got string
	c := &LinuxController{
		iface: "eth0",
		run: func(name string, args ...string) (string, error) {
			got = name + " " + strings.Join(args, " ")
			return "Added rule with ID 1019\n", nil
		},
	}

	id, err := c.InsertFlowFilter("tcp", 20000, 11211, 1)
	if err != nil {
		t.Fatalf("InsertFlowFilter: %v", err)
	}
	if id != 1019 {
		t.Errorf("rule id = %d, want 1019", id)
	}

	want := "ethtool -N eth0 flow-type tcp4 src-port 20000 dst-port 11211 action 1"
	if got != want {
		t.Errorf("command = %q, want %q", got, want)
	}
}

func TestInsertFlowFilter_UnreportedRuleID(t *testing.T) {
	c := &LinuxController{
		iface: "eth0",
		run: func(name string, args ...string) (string, error) {
			return "", nil
		},
	}

	id, err := c.InsertFlowFilter("udp", 20005, 11211, 5)
	if err != nil {
		t.Fatalf("InsertFlowFilter: %v", err)
	}
	if id != -1 {
		t.Errorf("rule id = %d, want -1 when unreported", id)
	}
}

func TestInsertFlowFilter_RejectsUnknownProtocol(t *testing.T) {
	c, commands := newTestController(t)
	if _, err := c.InsertFlowFilter("sctp", 1, 2, 3); err == nil {
		t.Fatalf("expected error for unsupported protocol")
	}
	if len(*commands) != 0 {
		t.Errorf("no command should run for a rejected protocol, got %v", *commands)
	}
}

func TestDeleteFlowFilter_CommandShape(t *testing.T) {
	c, commands := newTestController(t)

	if err := c.DeleteFlowFilter(1022); err != nil {
		t.Fatalf("DeleteFlowFilter: %v", err)
	}

	want := []string{"ethtool -N eth0 delete 1022"}
	if !reflect.DeepEqual(*commands, want) {
		t.Errorf("commands = %v, want %v", *commands, want)
	}
}

func TestListFlowFilters_ParsesFilterListing(t *testing.T) {
	listing := `40 RX rings available
Total 3 rules

Filter: 1019
	Rule Type: TCP over IPv4
	Action: Direct to queue 1

Filter: 1020
	Rule Type: UDP over IPv4
	Action: Direct to queue 1

Filter: 1023
	Rule Type: TCP over IPv4
	Action: Direct to queue 2
`
	c := &LinuxController{
		iface: "eth0",
		run: func(name string, args ...string) (string, error) {
			return listing, nil
		},
	}

	ids, err := c.ListFlowFilters()
	if err != nil {
		t.Fatalf("ListFlowFilters: %v", err)
	}
	if !reflect.DeepEqual(ids, []int{1019, 1020, 1023}) {
		t.Errorf("ids = %v, want [1019 1020 1023]", ids)
	}
}

func TestListFlowFilters_EmptyListing(t *testing.T) {
	c := &LinuxController{
		iface: "eth0",
		run: func(name string, args ...string) (string, error) {
			return "Total 0 rules\n", nil
		},
	}

	ids, err := c.ListFlowFilters()
	if err != nil {
		t.Fatalf("ListFlowFilters: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("ids = %v, want empty", ids)
	}
}

func TestSetRingSize_CommandShape(t *testing.T) {
	c, commands := newTestController(t)

	if err := c.SetRingSize(4096, 4096); err != nil {
		t.Fatalf("SetRingSize: %v", err)
	}
	if err := c.SetRingSize(2048, 0); err != nil {
		t.Fatalf("SetRingSize rx only: %v", err)
	}
	if err := c.SetRingSize(0, 0); err != nil {
		t.Fatalf("SetRingSize noop: %v", err)
	}

	want := []string{
		"ethtool -G eth0 rx 4096 tx 4096",
		"ethtool -G eth0 rx 2048",
	}
	if !reflect.DeepEqual(*commands, want) {
		t.Errorf("commands = %v, want %v", *commands, want)
	}
}

func TestMSIIRQs_SortedNumericEntries(t *testing.T) {
	c, _ := newTestController(t)

	msiDir := filepath.Join(c.sysRoot, "class", "net", "eth0", "device", "msi_irqs")
	if err := os.MkdirAll(msiDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"47", "45", "46"} {
		if err := os.WriteFile(filepath.Join(msiDir, name), nil, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	irqs, err := c.MSIIRQs()
	if err != nil {
		t.Fatalf("MSIIRQs: %v", err)
	}
	if !reflect.DeepEqual(irqs, []int{45, 46, 47}) {
		t.Errorf("irqs = %v, want [45 46 47]", irqs)
	}
}
