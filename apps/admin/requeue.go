package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/trezcool/alama/core/csvtask"
)

// requeue republishes a deferred operation whose queue message was lost.
func (cli *commandLine) requeue(opID string) error {
	ctx := context.Background()

	op, err := cli.ops.GetOperationByID(ctx, opID)
	if err != nil {
		return err
	}
	if op.Committed {
		return errors.Errorf("operation %q is already committed", opID)
	}
	if op.Operation != csvtask.OpCommit {
		return errors.Errorf("operation %q has no deferred commit", opID)
	}
	if err = cli.queue.Publish(ctx, op.ID); err != nil {
		return err
	}
	fmt.Fprintf(out, "operation %q requeued\n", opID)
	return nil
}
