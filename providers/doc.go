// Package providers holds the outbound clients for the deploy platform, the
// git host and the issue tracker, plus the transport wiring they share.
package providers
