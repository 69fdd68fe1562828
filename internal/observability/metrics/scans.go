// Package metrics standardizes scan lifecycle metric emission.
package metrics

import (
	"time"

	"github.com/asfalis/asfalis/internal/observability/errclass"
	"github.com/asfalis/asfalis/internal/observability/statsd"
)

// Result values used in metric tags.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// ScanMetric captures one scan lifecycle event.
type ScanMetric struct {
	Trigger    string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitScanLifecycle emits the standard counter and timing for a scan
// transition. A nil sink is a no-op.
func EmitScanLifecycle(sink statsd.Sink, in ScanMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"trigger":    in.Trigger,
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.Err != nil && in.Result == ResultError {
		if class := errclass.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("scan.transition", 1, tags)
	if in.Duration > 0 {
		sink.Timing("scan.duration", in.Duration, tags)
	}
}
