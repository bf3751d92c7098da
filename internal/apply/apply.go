package apply

import (
	"fmt"

	"netsteer/internal/devctl"
	"netsteer/internal/logging"
	"netsteer/internal/rules"
)

// Failure records one directive that could not be applied.
type Failure struct {
	Directive string
	Err       error
}

// Report aggregates per-directive outcomes for one batch. Individual
// failures never abort the batch; callers decide what the summary
// means for the exit code.
type Report struct {
	Applied  int
	Failures []Failure
}

func (r *Report) Failed() int {
	return len(r.Failures)
}

func (r *Report) Total() int {
	return r.Applied + len(r.Failures)
}

// Summary renders the operator-facing outcome line.
func (r *Report) Summary() string {
	switch {
	case r.Total() == 0:
		return "nothing to apply"
	case r.Failed() == 0:
		return fmt.Sprintf("fully applied (%d directives)", r.Applied)
	default:
		return fmt.Sprintf("applied with %d non-fatal failures (%d of %d directives ok)",
			r.Failed(), r.Applied, r.Total())
	}
}

// Run applies the batch strictly in order. Each failure is logged with
// the directive's identifying fields and recorded; execution always
// continues with the next directive. No retries.
func Run(ctrl devctl.Controller, batch rules.Batch) *Report {
	logger := logging.GetDeviceLogger()

	report := &Report{}
	for _, directive := range batch {
		if err := directive.Apply(ctrl); err != nil {
			logger.WithField("directive", directive.Describe()).WithError(err).Error("Directive failed")
			report.Failures = append(report.Failures, Failure{Directive: directive.Describe(), Err: err})
			continue
		}
		logger.WithField("directive", directive.Describe()).Debug("Directive applied")
		report.Applied++
	}
	return report
}

// Reset retracts every installed flow filter. The work list is
// re-derived from current device state; running with nothing installed
// is a no-op success. Returns the report, the number of rules found,
// and an error only when the installed rules cannot be listed at all.
func Reset(ctrl devctl.Controller) (*Report, int, error) {
	logger := logging.GetLogger()

	ids, err := ctrl.ListFlowFilters()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to enumerate installed filters: %w", err)
	}

	if len(ids) == 0 {
		logger.Info("No flow filters installed, nothing to remove")
		return &Report{}, 0, nil
	}

	logger.WithField("rules", len(ids)).Info("Removing installed flow filters")
	report := Run(ctrl, rules.CompileReset(ids))
	return report, len(ids), nil
}
