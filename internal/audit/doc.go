// Package audit implements async event dispatching for session and access
// decisions.
//
// # Components
//
//   - [Sink]: interface for event consumers (channel, JSON writer, slog, no-op).
//   - [Dispatcher]: buffered async relay with drop-if-full or block-if-full semantics.
//   - [Event]: structured record with a uuid, timestamp, type, user, role and path.
//
// # Architecture boundaries
//
// This package owns event buffering and sink delivery. It does NOT decide which events
// to emit; that belongs to the Manager and the route guard.
//
// # What this package must NOT do
//
//   - Filter or suppress events based on business logic.
//   - Import rentauth or any sibling internal package.
//   - Perform network I/O beyond what a caller-supplied Sink does.
package audit
