package plan

import (
	"fmt"

	"netsteer/internal/cores"
)

// FilterTableSize is the size of the device's ntuple filter table.
// Each steered connection installs one TCP and one UDP rule, which
// caps the connection count at half the table.
const (
	FilterTableSize        = 1024
	ProtocolsPerConnection = 2
	MaxConnections         = FilterTableSize / ProtocolsPerConnection
)

// PinPolicy selects how queues map onto cores.
type PinPolicy int

const (
	// PolicyModulo assigns queue i to CoreSet[i mod K]. The queue index
	// space is independent of core numbering; remainders are allowed,
	// so some cores may host one queue more than others.
	PolicyModulo PinPolicy = iota
	// PolicyNatural assigns queue c to core c for every c in the set.
	// Requires the channel count to be pre-expanded to max(set)+1.
	PolicyNatural
)

func (p PinPolicy) String() string {
	switch p {
	case PolicyModulo:
		return "modulo"
	case PolicyNatural:
		return "natural"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

func ParsePinPolicy(s string) (PinPolicy, error) {
	switch s {
	case "modulo":
		return PolicyModulo, nil
	case "natural":
		return PolicyNatural, nil
	}
	return 0, fmt.Errorf("unknown pin policy %q (want modulo or natural)", s)
}

// InsufficientQueuesError means the device exposes fewer queues than
// the chosen policy needs for the core set.
type InsufficientQueuesError struct {
	Queues   int
	Required int
}

func (e *InsufficientQueuesError) Error() string {
	return fmt.Sprintf("insufficient queues: %d available, %d required", e.Queues, e.Required)
}

// UnevenDistributionError means the connection count does not divide
// evenly across the core set. Flow steering refuses remainders so the
// per-core source port ranges stay contiguous.
type UnevenDistributionError struct {
	Connections int
	Cores       int
}

func (e *UnevenDistributionError) Error() string {
	return fmt.Sprintf("%d connections cannot be evenly distributed across %d cores", e.Connections, e.Cores)
}

// RuleCapacityExceededError means the compiled rules would overflow the
// device filter table.
type RuleCapacityExceededError struct {
	Connections int
	Max         int
}

func (e *RuleCapacityExceededError) Error() string {
	return fmt.Sprintf("%d connections exceed the filter table capacity (%d rules for %d connections max)",
		e.Connections, FilterTableSize, e.Max)
}

// CoreOutOfRangeError means a core id cannot be expressed in the
// device's queue index space.
type CoreOutOfRangeError struct {
	Core     int
	Channels int
}

func (e *CoreOutOfRangeError) Error() string {
	return fmt.Sprintf("core %d outside the channel range [0,%d)", e.Core, e.Channels)
}

// QueueCore is one planned binding of a receive queue to a core.
type QueueCore struct {
	Queue int
	Core  int
}

// PinAssignment is the planned queue-to-core mapping. Queues is the
// channel count the device must be configured with before the plan can
// be realized.
type PinAssignment struct {
	Policy PinPolicy
	Queues int
	Pairs  []QueueCore
}

// PinQueues plans the resource-to-core assignment for IRQ and queue
// pinning. queues == 0 selects the policy's natural default: the core
// count for modulo, max(set)+1 for natural alignment.
func PinQueues(set cores.Set, queues int, policy PinPolicy) (*PinAssignment, error) {
	k := len(set)
	if k == 0 {
		return nil, fmt.Errorf("empty core set")
	}

	switch policy {
	case PolicyModulo:
		if queues == 0 {
			queues = k
		}
		if queues < k {
			return nil, &InsufficientQueuesError{Queues: queues, Required: k}
		}
		pairs := make([]QueueCore, queues)
		for i := 0; i < queues; i++ {
			pairs[i] = QueueCore{Queue: i, Core: set[i%k]}
		}
		return &PinAssignment{Policy: policy, Queues: queues, Pairs: pairs}, nil

	case PolicyNatural:
		required := set.Max() + 1
		if queues == 0 {
			queues = required
		}
		if queues < required {
			return nil, &InsufficientQueuesError{Queues: queues, Required: required}
		}
		pairs := make([]QueueCore, k)
		for i, c := range set {
			pairs[i] = QueueCore{Queue: c, Core: c}
		}
		return &PinAssignment{Policy: policy, Queues: queues, Pairs: pairs}, nil
	}

	return nil, fmt.Errorf("unknown pin policy %v", policy)
}

// Conn is one planned connection: its source port and target core.
type Conn struct {
	Index   int
	SrcPort int
	Core    int
}

// FlowAssignment is the planned connections-to-core mapping.
type FlowAssignment struct {
	BasePort int
	DstPort  int
	Conns    []Conn
}

// Flows plans the flow-steering assignment: connection i uses source
// port base+i and core set[i mod K]. The total must divide evenly
// across the set and fit the filter table with both protocol variants.
func Flows(set cores.Set, total, basePort, dstPort int) (*FlowAssignment, error) {
	k := len(set)
	if k == 0 {
		return nil, fmt.Errorf("empty core set")
	}
	if total <= 0 {
		return nil, fmt.Errorf("connection count must be positive, got %d", total)
	}
	if basePort <= 0 || basePort > 65535 {
		return nil, fmt.Errorf("base port %d out of range", basePort)
	}
	if dstPort <= 0 || dstPort > 65535 {
		return nil, fmt.Errorf("destination port %d out of range", dstPort)
	}
	if basePort+total-1 > 65535 {
		return nil, fmt.Errorf("source port range %d-%d exceeds 65535", basePort, basePort+total-1)
	}

	if total%k != 0 {
		return nil, &UnevenDistributionError{Connections: total, Cores: k}
	}
	if total > MaxConnections {
		return nil, &RuleCapacityExceededError{Connections: total, Max: MaxConnections}
	}

	conns := make([]Conn, total)
	for i := 0; i < total; i++ {
		conns[i] = Conn{
			Index:   i,
			SrcPort: basePort + i,
			Core:    set[i%k],
		}
	}

	return &FlowAssignment{BasePort: basePort, DstPort: dstPort, Conns: conns}, nil
}

// RSSWeights builds the receive-side-scaling weight vector over
// [0,channels): 1 where the queue index is a member of the set, 0
// elsewhere. A presence filter, never proportional.
func RSSWeights(set cores.Set, channels int) ([]int, error) {
	if len(set) == 0 {
		return nil, fmt.Errorf("empty core set")
	}
	if channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", channels)
	}
	if max := set.Max(); max >= channels {
		return nil, &CoreOutOfRangeError{Core: max, Channels: channels}
	}

	weights := make([]int, channels)
	for _, c := range set {
		weights[c] = 1
	}
	return weights, nil
}
