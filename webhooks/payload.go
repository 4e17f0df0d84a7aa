package webhooks

import (
	"encoding/json"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-deploysync/core"
)

const (
	EventDeployEnded     = "deploy_ended"
	EventDeploySucceeded = "deploy_succeeded"
)

// Payload is the Render deploy notification body.
type Payload struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"`
	Data      PayloadData `json:"data"`
}

type PayloadData struct {
	ID          string `json:"id"`
	ServiceID   string `json:"serviceId"`
	ServiceName string `json:"serviceName"`
	Status      string `json:"status"`
}

func DecodePayload(body []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Payload{}, core.WrapError(err, goerrors.CategoryBadInput, "webhooks: unparsable payload", nil)
	}
	payload.Type = strings.TrimSpace(payload.Type)
	if payload.Type == "" {
		return Payload{}, core.NewError("webhooks: payload type is required", goerrors.CategoryBadInput, nil)
	}
	return payload, nil
}

// Supported reports whether the event can carry a finished deploy. The
// succeeded gate itself belongs to the orchestrator.
func (p Payload) Supported() bool {
	switch p.Type {
	case EventDeployEnded, EventDeploySucceeded:
		return true
	}
	return strings.TrimSpace(p.Data.Status) != ""
}

func (p Payload) Event(deliveryID string) core.DeploymentEvent {
	status := core.NormalizeDeployStatus(p.Data.Status)
	if status == "" && p.Type == EventDeploySucceeded {
		status = core.DeployStatusSucceeded
	}
	event := core.DeploymentEvent{
		EventType:    p.Type,
		DeploymentID: strings.TrimSpace(p.Data.ID),
		ServiceID:    strings.TrimSpace(p.Data.ServiceID),
		ServiceName:  strings.TrimSpace(p.Data.ServiceName),
		Status:       status,
		DeliveryID:   deliveryID,
	}
	if parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(p.Timestamp)); err == nil {
		event.Timestamp = parsed.UTC()
	}
	return event
}
