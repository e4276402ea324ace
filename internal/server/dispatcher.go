// Package server serializes all state mutation through the Dispatcher, the
// single consumer of the inbound event queue.
package server

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/jmordane/huddle/internal/protocol"
)

// Dispatcher drains the bounded inbound queue one event at a time and runs
// the matching handler to completion before pulling the next. That total
// ordering of effects is the system's concurrency anchor: reader goroutines
// only decode and enqueue, so every registry and room mutation happens on
// this one goroutine (plus the broadcast calls it makes synchronously).
//
// A handler error never stops the loop; it becomes a private error response
// to the originating connection.
type Dispatcher struct {
	registry    *Registry
	rooms       *RoomManager
	broadcaster *Broadcaster
	events      chan event
	metrics     *Metrics
	done        chan struct{}
}

// NewDispatcher builds a dispatcher over the given registries with a queue of
// the configured capacity.
func NewDispatcher(registry *Registry, rooms *RoomManager, broadcaster *Broadcaster, queueCapacity int, metrics *Metrics) *Dispatcher {
	if queueCapacity <= 0 {
		queueCapacity = defaultQueueCapacity
	}
	return &Dispatcher{
		registry:    registry,
		rooms:       rooms,
		broadcaster: broadcaster,
		events:      make(chan event, queueCapacity),
		metrics:     metrics,
		done:        make(chan struct{}),
	}
}

// Run consumes events until ctx is canceled. It should be called in its own
// goroutine; it is the only goroutine allowed to mutate shared state.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.events:
			d.dispatch(ev)
		}
	}
}

// Done is closed once Run has returned.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// dispatch executes one event end to end. Handler failures are converted to
// a private error response for the requester and never reach other clients.
func (d *Dispatcher) dispatch(ev event) {
	d.metrics.recordEvent(string(ev.request.Type()))

	var err error
	switch req := ev.request.(type) {
	case protocol.GetIDRequest:
		err = d.handleGetID(ev.clientID)
	case protocol.SetNicknameRequest:
		err = d.handleSetNickname(ev.clientID, req)
	case protocol.OnlineRequest:
		err = d.handleOnline(ev.clientID)
	case protocol.MessageRequest:
		err = d.handleMessage(ev.clientID, req)
	case protocol.GlobalOnlineRequest:
		err = d.handleGlobalOnline(ev.clientID)
	case protocol.CreateRoomRequest:
		err = d.handleCreateRoom(ev.clientID, req)
	case protocol.JoinRoomRequest:
		err = d.handleJoinRoom(ev.clientID, req)
	case protocol.DisconnectedRequest:
		err = d.handleDisconnected(ev.clientID)
	default:
		log.Printf("Dropping unhandled request type %s from %s", ev.request.Type(), ev.clientID)
		return
	}

	if err != nil {
		log.Printf("%s from %s failed: %v", ev.request.Type(), ev.clientID, err)
		d.sendError(ev.clientID, err)
	}
}

// sendError routes a failed request's error privately to its sender. If the
// sender itself is already gone there is nobody to tell; that is logged and
// dropped rather than retried.
func (d *Dispatcher) sendError(clientID uuid.UUID, cause error) {
	payload, err := protocol.EncodeResponse(protocol.ResponseError, protocol.ErrorResponse{Message: cause.Error()})
	if err != nil {
		log.Printf("Skipping error response for %s: %v", clientID, errSerialization(err))
		return
	}
	if err := d.broadcaster.Send(TargetClient(clientID), payload); err != nil {
		log.Printf("Error response to %s undeliverable: %v", clientID, err)
	}
}

func (d *Dispatcher) handleGetID(clientID uuid.UUID) error {
	if _, err := d.registry.Get(clientID); err != nil {
		return err
	}
	payload, err := protocol.EncodeResponse(protocol.ResponseGetID, protocol.GetIDResponse{ID: clientID})
	if err != nil {
		return errSerialization(err)
	}
	return d.broadcaster.Send(TargetClient(clientID), payload)
}

func (d *Dispatcher) handleSetNickname(clientID uuid.UUID, req protocol.SetNicknameRequest) error {
	if err := d.registry.SetName(clientID, req.Name); err != nil {
		return err
	}
	payload, err := protocol.EncodeResponse(protocol.ResponseSetNickname, protocol.SetNicknameResponse{
		ID:   clientID,
		Name: req.Name,
	})
	if err != nil {
		return errSerialization(err)
	}
	return d.broadcaster.Send(TargetAll(), payload)
}

func (d *Dispatcher) handleOnline(clientID uuid.UUID) error {
	name, err := d.requireName(clientID)
	if err != nil {
		return err
	}
	payload, err := protocol.EncodeResponse(protocol.ResponseOnline, protocol.OnlineResponse{
		ID:   clientID,
		Name: name,
	})
	if err != nil {
		return errSerialization(err)
	}
	return d.broadcaster.Send(TargetAll(), payload)
}

func (d *Dispatcher) handleMessage(clientID uuid.UUID, req protocol.MessageRequest) error {
	name, err := d.requireName(clientID)
	if err != nil {
		return err
	}
	payload, err := protocol.EncodeResponse(protocol.ResponseMessage, protocol.MessageResponse{
		ID:        clientID,
		Name:      name,
		Message:   req.Message,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return errSerialization(err)
	}

	switch req.MessageType {
	case protocol.ScopeRoom:
		return d.rooms.Multicast(req.ReceiverID, payload)
	default:
		return d.broadcaster.Send(TargetClient(req.ReceiverID), payload)
	}
}

func (d *Dispatcher) handleGlobalOnline(clientID uuid.UUID) error {
	if _, err := d.registry.Get(clientID); err != nil {
		return err
	}

	// Snapshot of everyone who has set a name; anonymous connections are
	// not announced.
	users := make([]protocol.UserInfo, 0)
	for _, sess := range d.registry.Match(TargetAll()) {
		if sess.Name() == "" {
			continue
		}
		users = append(users, protocol.UserInfo{ID: sess.ID(), Name: sess.Name()})
	}

	payload, err := protocol.EncodeResponse(protocol.ResponseGlobalOnline, protocol.GlobalOnlineResponse{Users: users})
	if err != nil {
		return errSerialization(err)
	}
	return d.broadcaster.Send(TargetClient(clientID), payload)
}

func (d *Dispatcher) handleCreateRoom(clientID uuid.UUID, req protocol.CreateRoomRequest) error {
	if _, err := d.registry.Get(clientID); err != nil {
		return err
	}
	room := d.rooms.Create(req.Name, clientID)
	info := room.Info()

	payload, err := protocol.EncodeResponse(protocol.ResponseRoomCreated, protocol.RoomCreatedResponse{
		ID:   info.ID,
		Name: info.Name,
	})
	if err != nil {
		return errSerialization(err)
	}
	return d.broadcaster.Send(TargetClient(clientID), payload)
}

func (d *Dispatcher) handleJoinRoom(clientID uuid.UUID, req protocol.JoinRoomRequest) error {
	if _, err := d.registry.Get(clientID); err != nil {
		return err
	}
	info, err := d.rooms.Join(req.ID, clientID)
	if err != nil {
		return err
	}

	payload, err := protocol.EncodeResponse(protocol.ResponseRoomJoined, protocol.RoomJoinedResponse{
		ID:   info.ID,
		Name: info.Name,
	})
	if err != nil {
		return errSerialization(err)
	}
	return d.broadcaster.Send(TargetClient(clientID), payload)
}

// handleDisconnected removes the connection and tells everyone else. Room
// memberships are left alone; the next multicast sweeps them. Processing a
// disconnect for an id that is already gone is a no-op, since a broadcast
// failure may have reaped it first.
func (d *Dispatcher) handleDisconnected(clientID uuid.UUID) error {
	if !d.registry.Remove(clientID) {
		return nil
	}
	log.Printf("Client %s disconnected. Total clients: %d", clientID, d.registry.Len())

	payload, err := protocol.EncodeResponse(protocol.ResponseOffline, protocol.OfflineResponse{ID: clientID})
	if err != nil {
		return errSerialization(err)
	}
	return d.broadcaster.Send(TargetOmit(clientID), payload)
}

// requireName resolves the connection and insists a display name was set,
// the precondition for Online and Message.
func (d *Dispatcher) requireName(clientID uuid.UUID) (string, error) {
	sess, err := d.registry.Get(clientID)
	if err != nil {
		return "", err
	}
	if sess.Name() == "" {
		return "", errNameNotSet(clientID)
	}
	return sess.Name(), nil
}
