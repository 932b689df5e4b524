// Package message implements the client-side outbound message pipeline:
// optimistic local construction, the delivery lifecycle state machine, and
// local-to-server identifier reconciliation.
//
// # Overview
//
// The package provides three primary components:
//
//   - Factory: Constructs ephemeral pending messages with collision-free
//     local identifiers and default lifecycle flags
//   - Controller: Owns the pending/sent/failed state machine, per-message
//     retry/delete/recall capabilities, and per-conversation FIFO send queues
//   - ReconciliationStore: Maps local identifiers to server-assigned ones so
//     UI list keys stay stable across the swap
//
// # Lifecycle
//
// Messages move through defined statuses:
//
//	StatusPending  // Displayed locally, persistence in flight
//	StatusSent     // Persisted by the server; recallable for 60 seconds
//	StatusFailed   // Persistence failed; retryable per message kind
//
// A pending message is handed back for rendering before any network
// round-trip completes:
//
//	msg := factory.NewText(conversationID, "Hello!", sender)
//	controller.Track(msg)
//	controller.Send(msg.LocalID)
//
// On save success the server identifier is adopted and LocalID is cleared;
// consumers must keep keying lists through ReconciliationStore.ResolveKey so
// no re-ordering occurs on reconciliation.
//
// # Ordering
//
// Saves for a single conversation flow through a per-conversation FIFO
// queue, so rapid-fire sends persist in submission order.
//
// # Error Handling
//
// Every rejected save is caught inside the controller and becomes a state
// transition with a human-readable Error on the message. No asynchronous
// failure escapes a send goroutine.
//
// # Deterministic Testing
//
// Both Factory and Controller accept a TimeProvider, so the 60-second recall
// window can be tested by advancing a mock clock instead of sleeping.
package message
