// Package core holds the deploy reconciliation domain: entities, collaborator
// contracts, configuration, the error taxonomy and observability helpers.
// Provider clients, stores and transports depend on core; core depends on
// none of them.
package core
