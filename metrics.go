package cqcorex

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/meshgrid/cqcorex/contrib/buildversion"
)

var (
	buildVersion string = buildversion.GetVersion("github.com/meshgrid/cqcorex")

	meter = otel.Meter("github.com/meshgrid/cqcorex",
		metric.WithInstrumentationVersion(buildVersion))

	tracer = otel.Tracer("github.com/meshgrid/cqcorex")
)

var (
	// cqEvaluations counts predicate evaluations, including the incremental
	// fast-path runs. Matching-group reuse keeps this well below the number
	// of (event, cq) pairs.
	cqEvaluations, _ = meter.Int64Counter("cqcorex.cq_evaluations")

	// cqEventsRouted counts routing decisions handed to the distribution
	// layer.
	cqEventsRouted, _ = meter.Int64Counter("cqcorex.cq_events_routed")

	// cqEvaluationErrors counts per-CQ predicate failures. These never abort
	// processing of sibling CQs.
	cqEvaluationErrors, _ = meter.Int64Counter("cqcorex.cq_evaluation_errors")

	// cqListenerInvocations counts listener callbacks on the client side.
	cqListenerInvocations, _ = meter.Int64Counter("cqcorex.cq_listener_invocations")

	// cqFullValueFetches counts delta-recovery round trips to the server.
	cqFullValueFetches, _ = meter.Int64Counter("cqcorex.cq_full_value_fetches")
)
