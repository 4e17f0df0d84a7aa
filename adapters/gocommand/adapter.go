package gocommand

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"

	deploycommand "github.com/goliatone/go-deploysync/command"
	"github.com/goliatone/go-deploysync/core"
)

// ValidateMessageContract enforces Type() plus optional Validate() contract.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) RegisterCommand(cmd any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(cmd)
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

func SubscribeCommand[T any](cmd command.Commander[T], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	subscription := SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

// RegisterReconcileCommands subscribes both reconcile commands and returns an
// unsubscribe func for shutdown.
func RegisterReconcileCommands(adapter *RegistryAdapter, reconciler deploycommand.Reconciler) (func(), error) {
	if reconciler == nil {
		return nil, fmt.Errorf("gocommand: reconciler is required")
	}
	deployment, err := RegisterAndSubscribe(adapter, deploycommand.NewReconcileDeploymentCommand(reconciler))
	if err != nil {
		return nil, err
	}
	service, err := RegisterAndSubscribe(adapter, deploycommand.NewReconcileServiceCommand(reconciler))
	if err != nil {
		deployment.Unsubscribe()
		return nil, err
	}
	if err := adapter.Initialize(); err != nil {
		deployment.Unsubscribe()
		service.Unsubscribe()
		return nil, err
	}
	return func() {
		deployment.Unsubscribe()
		service.Unsubscribe()
	}, nil
}

// DeploymentDispatcher hands accepted webhook events to the command bus.
type DeploymentDispatcher struct{}

func (DeploymentDispatcher) HandleDeployment(ctx context.Context, event core.DeploymentEvent) error {
	msg := deploycommand.ReconcileDeploymentMessage{Event: event}
	if err := ValidateMessageContract(msg); err != nil {
		return err
	}
	return Dispatch(ctx, msg)
}

// ReconcileService dispatches a manual reconcile and returns its outcome.
func ReconcileService(ctx context.Context, serviceID string) (core.ReconcileOutcome, error) {
	collector := command.NewResult[core.ReconcileOutcome]()
	ctx = command.ContextWithResult(ctx, collector)
	if err := Dispatch(ctx, deploycommand.ReconcileServiceMessage{ServiceID: serviceID}); err != nil {
		return core.ReconcileOutcome{}, err
	}
	out, _ := collector.Load()
	return out, nil
}

var _ core.DeploymentHandler = DeploymentDispatcher{}
