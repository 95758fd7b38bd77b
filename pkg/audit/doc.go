// Package audit provides the append-only audit trail for token lifecycle
// and verification events.
//
// Emission is fire-and-forget by contract: the AsyncEmitter queues events
// to a background worker and drops them when the pipeline is unhealthy,
// logging locally instead of surfacing an error. Verification strictness
// and audit leniency are deliberately asymmetric.
package audit
