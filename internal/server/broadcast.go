// Package server fans rendered responses out to connections through the
// Broadcaster, reaping dead connections and cascading their offline notices.
package server

import (
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/jmordane/huddle/internal/protocol"
)

type targetKind uint8

const (
	targetAll targetKind = iota
	targetClient
	targetOmit
)

// Target is the enumerated recipient filter for a broadcast. Keeping the
// filter a plain value, rather than an arbitrary callback, keeps executable
// code from crossing the component boundary.
type Target struct {
	kind targetKind
	id   uuid.UUID
}

// TargetAll selects every registered connection.
func TargetAll() Target { return Target{kind: targetAll} }

// TargetClient selects exactly the connection with the given id.
func TargetClient(id uuid.UUID) Target { return Target{kind: targetClient, id: id} }

// TargetOmit selects every connection except the given id, typically the
// event's originator.
func TargetOmit(id uuid.UUID) Target { return Target{kind: targetOmit, id: id} }

func (t Target) matches(id uuid.UUID) bool {
	switch t.kind {
	case targetClient:
		return id == t.id
	case targetOmit:
		return id != t.id
	default:
		return true
	}
}

// Broadcaster delivers rendered messages to the connections a Target selects.
// Delivery is attempted independently per recipient against a snapshot of the
// registry; failures never abort delivery to the others. Every failed
// connection is removed from the registry exactly once, and each removal
// triggers one best-effort offline notice to the survivors. That cascade is
// not allowed to recurse: its own failures are logged and dropped.
type Broadcaster struct {
	registry *Registry
	metrics  *Metrics
}

// NewBroadcaster wires a broadcaster to the registry it reaps from. metrics
// may be nil.
func NewBroadcaster(registry *Registry, metrics *Metrics) *Broadcaster {
	return &Broadcaster{registry: registry, metrics: metrics}
}

// Send delivers payload to every connection target selects. A broadcast that
// matches nothing succeeds as a no-op, with one exception: a direct send
// whose recipient already left returns client-not-found before any delivery
// is attempted, which is distinct from a mid-broadcast transport failure.
func (b *Broadcaster) Send(target Target, payload []byte) error {
	start := time.Now()
	recipients := b.registry.Match(target)
	if target.kind == targetClient && len(recipients) == 0 {
		return errClientNotFound(target.id)
	}

	failed := b.deliver(recipients, payload)
	b.Reap(failed)

	b.metrics.recordBroadcast(len(recipients), time.Since(start))
	return nil
}

// deliver attempts each send independently and returns the ids whose channel
// errored.
func (b *Broadcaster) deliver(recipients []*Session, payload []byte) []uuid.UUID {
	var failed []uuid.UUID
	for _, sess := range recipients {
		if err := sess.Send(payload); err != nil {
			log.Printf("Send to %s failed: %v", sess.addr, errTransport(sess.ID(), err))
			failed = append(failed, sess.ID())
		}
	}
	b.metrics.recordDeliveries(len(recipients)-len(failed), len(failed))
	return failed
}

// Reap removes each failed connection from the registry and fans an offline
// notice out to the connections that remain after all removals. The notice
// is best-effort: a survivor whose own send fails here is logged but not
// removed, bounding the cascade at exactly one level.
func (b *Broadcaster) Reap(failed []uuid.UUID) {
	if len(failed) == 0 {
		return
	}

	removed := make([]uuid.UUID, 0, len(failed))
	for _, id := range failed {
		// Remove reports false if another broadcast already reaped this id,
		// so at most one offline notice is ever emitted per connection.
		if b.registry.Remove(id) {
			removed = append(removed, id)
		}
	}

	survivors := b.registry.Match(TargetAll())
	for _, id := range removed {
		payload, err := protocol.EncodeResponse(protocol.ResponseOffline, protocol.OfflineResponse{ID: id})
		if err != nil {
			log.Printf("Skipping offline notice for %s: %v", id, errSerialization(err))
			continue
		}
		for _, sess := range survivors {
			if err := sess.Send(payload); err != nil {
				log.Printf("Offline cascade send to %s failed: %v", sess.addr, err)
			}
		}
	}
}
