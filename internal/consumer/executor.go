package consumer

import (
	"context"
	"fmt"
)

// Executor runs one leased job and returns the result payload stored with
// the done row. A non-nil error records a failure instead.
type Executor func(ctx context.Context, j LeasedJob) (any, error)

// Register binds an executor to a job type. Jobs of an unregistered type
// fail until their attempt budget runs out.
func (c *Consumer) Register(jobType string, fn Executor) {
	c.executors[jobType] = fn
}

func (c *Consumer) execute(ctx context.Context, j LeasedJob) (any, error) {
	fn, ok := c.executors[j.Type]

	if !ok {
		return nil, fmt.Errorf("no executor for type %s", j.Type)
	}

	return fn(ctx, j)
}
