// Package webhooks authenticates deploy notifications and hands them off for
// reconciliation.
//
// Deliveries move through a claim lifecycle recorded in a DeliveryLedger:
// processing -> processed | retry_ready -> dead. A redelivery of a processed
// delivery is acknowledged without being dispatched again.
package webhooks
