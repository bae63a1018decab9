// Package executor runs independent units of work on a fixed number of
// workers and collects every unit's result.
package executor

import (
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// Unit is one piece of work.
type Unit[T any] func() (T, error)

// Result is the outcome of one unit. Index is the unit's submission index.
type Result[T any] struct {
	Index int
	Value T
	Err   error
}

// PanicError is the result error of a unit that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("unit panicked: %v", e.Value)
}

// Executor is a bounded worker pool. Units are queued with Add and executed
// by Run. An Executor is not safe for use from inside one of its own units.
//
// There is no cancellation or per-unit timeout: a unit that never returns
// blocks Run. Units must bound their own blocking I/O.
type Executor[T any] struct {
	workers int
	units   []Unit[T]
}

// New creates an executor with the given worker count; values below one
// are treated as one.
func New[T any](workers int) *Executor[T] {
	if workers < 1 {
		workers = 1
	}
	return &Executor[T]{workers: workers}
}

// Add queues a unit. It returns the unit's index in the results of Run.
func (e *Executor[T]) Add(u Unit[T]) int {
	e.units = append(e.units, u)
	return len(e.units) - 1
}

func (e *Executor[T]) Len() int { return len(e.units) }

// Run executes every queued unit exactly once and returns one result per
// unit, ordered by submission index. A unit's error or panic is captured
// in its result and never stops sibling units. The queue is drained, so
// the executor can be reused.
func (e *Executor[T]) Run() []Result[T] {
	units := e.units
	e.units = nil

	results := make([]Result[T], len(units))
	if len(units) == 0 {
		return results
	}

	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, u := range units {
		g.Go(func() error {
			results[i] = runUnit(i, u)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func runUnit[T any](i int, u Unit[T]) (res Result[T]) {
	res.Index = i
	defer func() {
		if r := recover(); r != nil {
			res.Err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	if u == nil {
		res.Err = fmt.Errorf("unit %d is nil", i)
		return res
	}
	res.Value, res.Err = u()
	return res
}

// Errors returns the non-nil errors of results in submission order.
func Errors[T any](results []Result[T]) []error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errs
}

// Map runs fn for every item with the given worker count and returns the
// results in item order.
func Map[In, Out any](workers int, items []In, fn func(In) (Out, error)) []Result[Out] {
	e := New[Out](workers)
	for _, it := range items {
		e.Add(func() (Out, error) { return fn(it) })
	}
	return e.Run()
}
