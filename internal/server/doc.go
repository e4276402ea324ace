// Package server implements the core of the huddle presence-and-messaging
// service.
//
// Many reader goroutines (one per connection) decode inbound frames and feed
// a single bounded event queue; one dispatcher goroutine drains that queue
// and performs every state mutation and broadcast before advancing, which
// gives the system its total ordering of effects. The connection registry and
// each room's membership set are the only long-lived shared resources, each
// guarded independently. The broadcast engine fans rendered responses out to
// a registry snapshot, reaps connections whose sends fail, and cascades a
// single best-effort offline notice per removal.
package server
