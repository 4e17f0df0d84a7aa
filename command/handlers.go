package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-deploysync/core"
)

type Reconciler interface {
	Reconcile(ctx context.Context, event core.DeploymentEvent) (core.ReconcileOutcome, error)
	ReconcileService(ctx context.Context, serviceID string) (core.ReconcileOutcome, error)
}

type ReconcileDeploymentCommand struct {
	reconciler Reconciler
}

func NewReconcileDeploymentCommand(reconciler Reconciler) *ReconcileDeploymentCommand {
	return &ReconcileDeploymentCommand{reconciler: reconciler}
}

func (c *ReconcileDeploymentCommand) Execute(ctx context.Context, msg ReconcileDeploymentMessage) error {
	if c == nil || c.reconciler == nil {
		return commandDependencyError("command: reconciler is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.reconciler.Reconcile(ctx, msg.Event)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ReconcileServiceCommand struct {
	reconciler Reconciler
}

func NewReconcileServiceCommand(reconciler Reconciler) *ReconcileServiceCommand {
	return &ReconcileServiceCommand{reconciler: reconciler}
}

func (c *ReconcileServiceCommand) Execute(ctx context.Context, msg ReconcileServiceMessage) error {
	if c == nil || c.reconciler == nil {
		return commandDependencyError("command: reconciler is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.reconciler.ReconcileService(ctx, msg.ServiceID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
