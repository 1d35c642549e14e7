// Package operator defines the contract user code implements to
// participate in a pipeline, and the adapter that exposes any shape
// of operator as a uniform batch callable for the node container.
package operator

import (
	"errors"

	"datagen-pipeline/internal/model"
	"datagen-pipeline/internal/recordctx"
)

// errUnsupportedOperator is returned when op implements none of the
// three recognized operator shapes.
var errUnsupportedOperator = errors.New("operator: value implements neither BatchOperator, ItemOperator, nor ItemMultiOperator")

// BatchOperator processes a batch of records at once. This is the
// preferred shape: it lets the operator batch its own downstream
// calls (e.g. one LLM request per batch) instead of per item. It must
// return exactly one result per input item, in input order; an
// operator that needs to explode one input into several outputs
// should implement ItemMultiOperator instead.
type BatchOperator interface {
	ProcessBatch(ctx *recordctx.Context, items []model.Record) ([]model.Record, error)
}

// ItemOperator processes one record at a time and returns exactly one
// result (1:1). Under the sequential engine the node container calls
// it once per item, in order; under the parallel engine it fans the
// calls out across a batch using a batch-local worker pool.
type ItemOperator interface {
	ProcessItem(ctx *recordctx.Context, item model.Record) (model.Record, error)
}

// ItemMultiOperator processes one record and may return any number of
// results (1:N). Children are tagged by the container with derived
// anchors; the operator itself never sees or sets anchors.
type ItemMultiOperator interface {
	ProcessItemMulti(ctx *recordctx.Context, item model.Record) ([]model.Record, error)
}

// Adapter exposes any of the three operator shapes above as a single
// batch-shaped call: one result group per input item, in input order.
// A group of length 1 is a 1:1 result; any other length is 1:N, and
// the node container derives child anchors for it on boxing.
type Adapter struct {
	call func(ctx *recordctx.Context, items []model.Record) ([][]model.Record, error)
}

// NewAdapter inspects op and builds the uniform adapter. Exactly one
// of the three interfaces must be satisfied; BatchOperator is checked
// first since it is the preferred shape.
func NewAdapter(op any, itemWorkers int) (*Adapter, error) {
	switch o := op.(type) {
	case BatchOperator:
		return &Adapter{
			call: func(ctx *recordctx.Context, items []model.Record) ([][]model.Record, error) {
				out, err := o.ProcessBatch(ctx, items)
				if err != nil {
					return nil, err
				}
				if len(out) != len(items) {
					return nil, errors.New("operator: ProcessBatch must return one result per input item")
				}
				return oneToOneGroups(out), nil
			},
		}, nil
	case ItemMultiOperator:
		return &Adapter{
			call: fanOutItem(itemWorkers, func(ctx *recordctx.Context, item model.Record) ([]model.Record, error) { return o.ProcessItemMulti(ctx, item) }),
		}, nil
	case ItemOperator:
		return &Adapter{
			call: fanOutItem(itemWorkers, func(ctx *recordctx.Context, item model.Record) ([]model.Record, error) {
				r, err := o.ProcessItem(ctx, item)
				if err != nil {
					return nil, err
				}
				return []model.Record{r}, nil
			}),
		}, nil
	default:
		return nil, errUnsupportedOperator
	}
}

// Call runs the adapted operator against a batch and returns one
// result group per input item, in input order.
func (a *Adapter) Call(ctx *recordctx.Context, items []model.Record) ([][]model.Record, error) {
	return a.call(ctx, items)
}

func oneToOneGroups(out []model.Record) [][]model.Record {
	groups := make([][]model.Record, len(out))
	for i, r := range out {
		groups[i] = []model.Record{r}
	}
	return groups
}

// fanOutItem runs fn across a batch using a small batch-local worker
// pool sized by workers (at least 1), preserving input order in the
// result slice regardless of completion order.
func fanOutItem(workers int, fn func(ctx *recordctx.Context, item model.Record) ([]model.Record, error)) func(*recordctx.Context, []model.Record) ([][]model.Record, error) {
	if workers < 1 {
		workers = 1
	}
	return func(ctx *recordctx.Context, items []model.Record) ([][]model.Record, error) {
		groups := make([][]model.Record, len(items))
		errs := make([]error, len(items))

		sem := make(chan struct{}, workers)
		done := make(chan int, len(items))
		for i, item := range items {
			i, item := i, item
			sem <- struct{}{}
			go func() {
				defer func() { <-sem; done <- i }()
				g, err := fn(ctx, item)
				groups[i] = g
				errs[i] = err
			}()
		}
		for range items {
			<-done
		}
		for _, err := range errs {
			if err != nil {
				return nil, err
			}
		}
		return groups, nil
	}
}
