package rules

import (
	"fmt"
	"strconv"
	"strings"

	"netsteer/internal/devctl"
	"netsteer/internal/plan"
)

// Directive is one concrete device operation. Describe carries enough
// identifying fields to log a failure; Apply issues the operation
// through the device control seam.
type Directive interface {
	Describe() string
	Apply(ctrl devctl.Controller) error
}

// Batch is an ordered sequence of directives. Compilation is pure:
// equal assignments always compile to batches with identical String
// renderings.
type Batch []Directive

func (b Batch) String() string {
	lines := make([]string, len(b))
	for i, d := range b {
		lines[i] = d.Describe()
	}
	return strings.Join(lines, "\n")
}

// IRQAffinity binds one interrupt line to one core. The affinity mask
// is always single-bit; multi-core interrupt affinity is not part of
// this design.
type IRQAffinity struct {
	IRQ   int
	Queue int
	Core  int
}

func (d IRQAffinity) Describe() string {
	return fmt.Sprintf("irq %d (rx queue %d) -> core %d", d.IRQ, d.Queue, d.Core)
}

func (d IRQAffinity) Apply(ctrl devctl.Controller) error {
	return ctrl.SetIRQAffinity(d.IRQ, d.Core)
}

// TxSteering mirrors the receive pinning onto the paired transmit
// queue through its XPS mask.
type TxSteering struct {
	Queue int
	Core  int
}

func (d TxSteering) Describe() string {
	return fmt.Sprintf("tx queue %d xps -> core %d", d.Queue, d.Core)
}

func (d TxSteering) Apply(ctrl devctl.Controller) error {
	return ctrl.SetTxQueueSteering(d.Queue, d.Core)
}

// FlowFilter installs one ntuple rule steering a (protocol, src port,
// dst port) flow to its target queue.
type FlowFilter struct {
	Proto   string
	SrcPort int
	DstPort int
	Target  int
}

func (d FlowFilter) Describe() string {
	return fmt.Sprintf("filter %s src-port %d dst-port %d -> queue %d", d.Proto, d.SrcPort, d.DstPort, d.Target)
}

func (d FlowFilter) Apply(ctrl devctl.Controller) error {
	_, err := ctrl.InsertFlowFilter(d.Proto, d.SrcPort, d.DstPort, d.Target)
	return err
}

// RSSWeights programs the full per-queue weight vector in one
// operation.
type RSSWeights struct {
	Weights []int
}

func (d RSSWeights) Describe() string {
	parts := make([]string, len(d.Weights))
	for i, w := range d.Weights {
		parts[i] = strconv.Itoa(w)
	}
	return "rss weights " + strings.Join(parts, " ")
}

func (d RSSWeights) Apply(ctrl devctl.Controller) error {
	return ctrl.SetRSSWeights(d.Weights)
}

// DeleteFilter retracts one installed ntuple rule.
type DeleteFilter struct {
	RuleID int
}

func (d DeleteFilter) Describe() string {
	return fmt.Sprintf("delete filter %d", d.RuleID)
}

func (d DeleteFilter) Apply(ctrl devctl.Controller) error {
	return ctrl.DeleteFlowFilter(d.RuleID)
}

// CompilePinning zips the planned queue-core pairs with the discovered
// interrupt list. Each pair yields the IRQ affinity directive followed
// by its transmit mirror when txSteering is set.
func CompilePinning(assign *plan.PinAssignment, irqList []int, txSteering bool) (Batch, error) {
	var batch Batch
	for _, pair := range assign.Pairs {
		if pair.Queue >= len(irqList) {
			return nil, fmt.Errorf("queue %d has no discovered interrupt line (%d lines)", pair.Queue, len(irqList))
		}
		batch = append(batch, IRQAffinity{IRQ: irqList[pair.Queue], Queue: pair.Queue, Core: pair.Core})
		if txSteering {
			batch = append(batch, TxSteering{Queue: pair.Queue, Core: pair.Core})
		}
	}
	return batch, nil
}

// CompileFlows emits one TCP and one UDP filter per connection, in
// connection order.
func CompileFlows(assign *plan.FlowAssignment) Batch {
	batch := make(Batch, 0, len(assign.Conns)*plan.ProtocolsPerConnection)
	for _, conn := range assign.Conns {
		batch = append(batch,
			FlowFilter{Proto: "tcp", SrcPort: conn.SrcPort, DstPort: assign.DstPort, Target: conn.Core},
			FlowFilter{Proto: "udp", SrcPort: conn.SrcPort, DstPort: assign.DstPort, Target: conn.Core},
		)
	}
	return batch
}

// CompileRSS wraps the weight vector in its single directive.
func CompileRSS(weights []int) Batch {
	return Batch{RSSWeights{Weights: weights}}
}

// CompileReset emits one delete per installed rule id.
func CompileReset(ruleIDs []int) Batch {
	batch := make(Batch, 0, len(ruleIDs))
	for _, id := range ruleIDs {
		batch = append(batch, DeleteFilter{RuleID: id})
	}
	return batch
}
