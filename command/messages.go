package command

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-deploysync/core"
)

const (
	TypeReconcileDeployment = "deploysync.command.reconcile_deployment"
	TypeReconcileService    = "deploysync.command.reconcile_service"
)

// ReconcileDeploymentMessage carries one accepted webhook delivery.
type ReconcileDeploymentMessage struct {
	Event core.DeploymentEvent
}

func (ReconcileDeploymentMessage) Type() string { return TypeReconcileDeployment }

func (m ReconcileDeploymentMessage) Validate() error {
	if strings.TrimSpace(m.Event.ServiceID) == "" {
		return commandValidationError("service_id", "service id is required")
	}
	return nil
}

type ReconcileServiceMessage struct {
	ServiceID string
}

func (ReconcileServiceMessage) Type() string { return TypeReconcileService }

func (m ReconcileServiceMessage) Validate() error {
	if strings.TrimSpace(m.ServiceID) == "" {
		return commandValidationError("service_id", "service id is required")
	}
	if strings.ContainsAny(m.ServiceID, " /") {
		return commandValidationError("service_id", fmt.Sprintf("invalid service id %q", m.ServiceID))
	}
	return nil
}
