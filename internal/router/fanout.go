package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"kiosk/internal/agent"
)

// Status is the outcome class of one fan-out task.
type Status string

const (
	StatusSuccess Status = "success"
	StatusTimeout Status = "timeout"
	StatusError   Status = "error"
)

// Task is one concurrent collaborator call.
type Task struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) (any, error)
}

// Result is the structured result of a Task.
type Result struct {
	Name    string
	Status  Status
	Value   any
	Err     error
	Elapsed time.Duration
}

// OK reports whether the task succeeded.
func (r Result) OK() bool { return r.Status == StatusSuccess }

// Fanout runs tasks concurrently, at most limit at a time, and returns one
// result per task in task order. A failing task never cancels its siblings.
func Fanout(ctx context.Context, limit int, tasks ...Task) []Result {
	results := make([]Result, len(tasks))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, task := range tasks {
		g.Go(func() error {
			results[i] = runTask(ctx, task)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func runTask(ctx context.Context, task Task) (res Result) {
	start := time.Now()
	res.Name = task.Name
	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusError
			res.Err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
		res.Elapsed = time.Since(start)
	}()

	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}
	v, err := task.Run(ctx)
	switch {
	case err == nil:
		res.Status = StatusSuccess
		res.Value = v
	case errors.Is(err, context.DeadlineExceeded), agent.IsCode(err, agent.CodeTimeout):
		res.Status = StatusTimeout
		res.Err = err
	default:
		res.Status = StatusError
		res.Err = err
	}
	return res
}
