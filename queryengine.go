package cqcorex

import "context"

// QueryEngine compiles CQ predicates. The CQ core never interprets query
// text itself; the surrounding query layer supplies an engine.
type QueryEngine interface {
	// ParseQuery validates the query string and compiles it. A malformed
	// query must return an error and leave no state behind.
	ParseQuery(queryString string) (ParsedQuery, error)
}

// ParsedQuery is one compiled predicate.
type ParsedQuery interface {
	// RegionName is the base region the query selects from.
	RegionName() string

	// NewExecution creates an execution context for repeated single-object
	// evaluation. Executions cache per-run scratch state and are not safe
	// for concurrent use; callers serialize access per CQ.
	NewExecution() QueryExecution
}

// QueryExecution evaluates a compiled predicate against candidate values.
type QueryExecution interface {
	// Evaluate runs the full query against the candidate set and reports
	// whether any candidate satisfies the predicate. The first run saves
	// execution state for EvaluateIncremental.
	Evaluate(ctx context.Context, candidates []interface{}) (bool, error)

	// EvaluateIncremental re-evaluates using the saved execution state. This
	// skips result-set construction and plan generation, which single-object
	// re-evaluation does not need.
	EvaluateIncremental(ctx context.Context, candidates []interface{}) (bool, error)

	// Executed reports whether Evaluate has run at least once.
	Executed() bool
}
