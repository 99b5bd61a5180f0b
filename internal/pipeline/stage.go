// Package pipeline implements the backup engine's streaming transfer
// runtime: typed stages connected by bounded channels, run concurrently
// on goroutines coordinated by golang.org/x/sync/errgroup, with a
// process-pool front end for scheduling whole pipelines as background
// jobs.
package pipeline

import "context"

// Emit forwards one value downstream. A nil value is silently dropped.
type Emit func(ctx context.Context, value any) error

// Stage is the contract every pipeline stage implements: on_start fires
// once before any items arrive, on_item fires once per upstream item
// (Input stages never receive one), on_done fires once after the
// upstream is exhausted (or immediately, for Input stages, once OnStart
// returns).
type Stage interface {
	Name() string
	OnStart(ctx context.Context, emit Emit) error
	OnItem(ctx context.Context, item any, emit Emit) error
	OnDone(ctx context.Context, emit Emit) error
}

// BaseStage provides no-op OnStart/OnItem/OnDone so concrete stages only
// need to implement the methods relevant to their role.
type BaseStage struct{ name string }

// NewBaseStage returns a BaseStage reporting name from Name().
func NewBaseStage(name string) BaseStage { return BaseStage{name: name} }

func (b BaseStage) Name() string                                           { return b.name }
func (BaseStage) OnStart(ctx context.Context, emit Emit) error             { return nil }
func (BaseStage) OnItem(ctx context.Context, item any, emit Emit) error    { return nil }
func (BaseStage) OnDone(ctx context.Context, emit Emit) error              { return nil }

// Spec describes one stage's placement in a Runtime: how many workers run
// it concurrently, and whether downstream ordering must be preserved
// across those workers (required when the next stage needs ordered
// input, e.g. multipart completion).
type Spec struct {
	Stage     Stage
	Workers   int
	QueueSize int
	Ordered   bool
}
