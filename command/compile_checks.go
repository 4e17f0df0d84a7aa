package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[ReconcileDeploymentMessage] = (*ReconcileDeploymentCommand)(nil)
	_ gocmd.Commander[ReconcileServiceMessage]    = (*ReconcileServiceCommand)(nil)
)
