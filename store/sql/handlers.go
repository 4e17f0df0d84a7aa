package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

// recordHandlers builds the go-repository-bun wiring for models keyed by a
// string uuid column named id.
func recordHandlers[T any](newRecord func() T, id func(T) *string) repository.ModelHandlers[T] {
	return repository.ModelHandlers[T]{
		NewRecord: newRecord,
		GetID: func(record T) uuid.UUID {
			ptr := id(record)
			if ptr == nil {
				return uuid.Nil
			}
			return parseUUID(*ptr)
		},
		SetID: func(record T, value uuid.UUID) {
			if ptr := id(record); ptr != nil {
				*ptr = value.String()
			}
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record T) string {
			ptr := id(record)
			if ptr == nil {
				return ""
			}
			return strings.TrimSpace(*ptr)
		},
	}
}

func processedTicketHandlers() repository.ModelHandlers[*processedTicketRecord] {
	return recordHandlers(
		func() *processedTicketRecord { return &processedTicketRecord{} },
		func(record *processedTicketRecord) *string {
			if record == nil {
				return nil
			}
			return &record.ID
		},
	)
}

func lastProcessedCommitHandlers() repository.ModelHandlers[*lastProcessedCommitRecord] {
	return recordHandlers(
		func() *lastProcessedCommitRecord { return &lastProcessedCommitRecord{} },
		func(record *lastProcessedCommitRecord) *string {
			if record == nil {
				return nil
			}
			return &record.ID
		},
	)
}

func webhookDeliveryHandlers() repository.ModelHandlers[*webhookDeliveryRecord] {
	return recordHandlers(
		func() *webhookDeliveryRecord { return &webhookDeliveryRecord{} },
		func(record *webhookDeliveryRecord) *string {
			if record == nil {
				return nil
			}
			return &record.ID
		},
	)
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}
