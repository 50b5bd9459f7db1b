package events

import "time"

// GraphQLStart is emitted before an operation executes.
type GraphQLStart struct {
	Query         string
	OperationName string
	OperationType string
}

// GraphQLFinish is emitted after an operation completes, with the errors
// attached to the (possibly partial) result.
type GraphQLFinish struct {
	Query         string
	OperationName string
	OperationType string
	ErrorCount    int
	Duration      time.Duration
}

// PlanCompiled is emitted when an operation shape misses the plan cache and
// a new execution plan is compiled.
type PlanCompiled struct {
	OperationType string
	ShapeKey      uint64
	Diagnostics   int
	Duration      time.Duration
}

// AuthDenied is emitted when a hoisted auth requirement short-circuits a
// plan subtree.
type AuthDenied struct {
	Path   string
	Reason string
}
