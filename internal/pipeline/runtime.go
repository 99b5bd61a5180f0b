package pipeline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/partvault/partvault/internal/errs"
)

// Runtime composes a slice of Specs into a directed pipeline of
// goroutines connected by buffered channels, one per adjacent stage pair.
// Ordering of items between two adjacent stages is preserved even when a
// stage runs with Workers > 1 and Ordered is set.
type Runtime struct {
	specs []Spec
}

// New builds a Runtime over specs, run in the given order: specs[0] is
// the pipeline's Input stage, specs[len-1] its Terminal stage.
func New(specs []Spec) *Runtime {
	return &Runtime{specs: specs}
}

// seqItem tags a value with the order it was produced in, so a
// downstream Ordered stage can re-serialize output from multiple
// concurrent workers.
type seqItem struct {
	seq   int64
	value any
}

// Run executes every stage concurrently, returning the first error (or
// errs.CancelError on ctx cancellation) encountered by any stage.
// Suspension points (channel send/receive) all respect ctx.
func (r *Runtime) Run(ctx context.Context) error {
	if len(r.specs) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)

	var upstream chan seqItem
	for i, spec := range r.specs {
		spec := spec
		isLast := i == len(r.specs)-1

		var downstream chan seqItem
		if !isLast {
			qsize := spec.QueueSize
			if qsize <= 0 {
				qsize = 1
			}
			downstream = make(chan seqItem, qsize)
		}

		in := upstream
		out := downstream
		g.Go(func() error {
			defer func() {
				if out != nil {
					close(out)
				}
			}()
			return runStage(gctx, spec, in, out)
		})

		upstream = downstream
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return errs.NewCancelError(ctx.Err())
		}
		return err
	}
	return nil
}

// runStage drains in (if any), calling OnStart, OnItem per item, and
// OnDone, forwarding emitted values to out (if any) tagged with an
// increasing sequence number. When spec.Workers > 1, OnItem calls for
// distinct items run concurrently; if spec.Ordered, results are
// re-serialized onto out in upstream order before being sent.
func runStage(ctx context.Context, spec Spec, in, out chan seqItem) error {
	var seq int64
	var seqMu sync.Mutex
	nextSeq := func() int64 {
		seqMu.Lock()
		defer seqMu.Unlock()
		s := seq
		seq++
		return s
	}

	send := func(ctx context.Context, value any) error {
		if value == nil || out == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- seqItem{seq: nextSeq(), value: value}:
			return nil
		}
	}

	emit := func(ctx context.Context, value any) error {
		return send(ctx, value)
	}

	if err := spec.Stage.OnStart(ctx, emit); err != nil {
		return fmt.Errorf("%s: on_start: %w", spec.Stage.Name(), err)
	}

	if in != nil {
		if err := drainStage(ctx, spec, in, send); err != nil {
			return err
		}
	}

	if err := spec.Stage.OnDone(ctx, emit); err != nil {
		return fmt.Errorf("%s: on_done: %w", spec.Stage.Name(), err)
	}
	return nil
}

// drainStage reads items from in and dispatches them to spec.Stage's
// OnItem, fanning out across spec.Workers goroutines when set.
func drainStage(ctx context.Context, spec Spec, in chan seqItem, send func(context.Context, any) error) error {
	workers := spec.Workers
	if workers <= 1 {
		for {
			item, ok, err := recvSeqItem(ctx, in)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if err := callOnItem(ctx, spec, item.value, send); err != nil {
				return fmt.Errorf("%s: on_item: %w", spec.Stage.Name(), err)
			}
		}
	}

	// Worker pool: each worker pulls items and emits results; an
	// optional reorder buffer re-serializes before forwarding.
	g, gctx := errgroup.WithContext(ctx)
	var reorderMu sync.Mutex
	pending := make(map[int64][]any)
	var nextWant int64

	flush := func(ctx context.Context) error {
		reorderMu.Lock()
		defer reorderMu.Unlock()
		for {
			values, ok := pending[nextWant]
			if !ok {
				return nil
			}
			delete(pending, nextWant)
			nextWant++
			for _, v := range values {
				if err := send(ctx, v); err != nil {
					return err
				}
			}
		}
	}

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				item, ok, err := recvSeqItem(gctx, in)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}

				var collected []any
				collectEmit := func(ctx context.Context, value any) error {
					if value != nil {
						collected = append(collected, value)
					}
					return nil
				}
				if err := spec.Stage.OnItem(gctx, item.value, collectEmit); err != nil {
					return fmt.Errorf("%s: on_item: %w", spec.Stage.Name(), err)
				}

				if !spec.Ordered {
					for _, v := range collected {
						if err := send(gctx, v); err != nil {
							return err
						}
					}
					continue
				}

				reorderMu.Lock()
				pending[item.seq] = collected
				reorderMu.Unlock()
				if err := flush(gctx); err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}

func callOnItem(ctx context.Context, spec Spec, value any, send func(context.Context, any) error) error {
	emit := func(ctx context.Context, v any) error { return send(ctx, v) }
	return spec.Stage.OnItem(ctx, value, emit)
}

func recvSeqItem(ctx context.Context, in chan seqItem) (seqItem, bool, error) {
	select {
	case <-ctx.Done():
		return seqItem{}, false, ctx.Err()
	case item, ok := <-in:
		return item, ok, nil
	}
}
