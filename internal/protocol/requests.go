// Package protocol defines the JSON wire envelope exchanged with clients.
//
// Both directions use a two-level encoding: the outer envelope carries a type
// tag and a data field, and the data field is itself a JSON document encoded
// as a string. DecodeRequest and EncodeResponse are the only entry points, so
// the double encoding never leaks past this package.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// RequestType tags an inbound envelope with the client action it carries.
type RequestType string

// Inbound request types.
const (
	RequestGetID        RequestType = "GetId"
	RequestSetNickname  RequestType = "SetNickname"
	RequestOnline       RequestType = "Online"
	RequestMessage      RequestType = "Message"
	RequestDisconnected RequestType = "Disconnected"
	RequestGlobalOnline RequestType = "GlobalOnline"
	RequestCreateRoom   RequestType = "CreateRoom"
	RequestJoinRoom     RequestType = "JoinRoom"
)

// MessageScope selects between a direct message and a room message.
type MessageScope string

// Message scopes accepted in MessageRequest.MessageType.
const (
	ScopeUser MessageScope = "User"
	ScopeRoom MessageScope = "Room"
)

// Request is the decoded form of one inbound envelope. Exactly one concrete
// type implements it per RequestType.
type Request interface {
	// Type returns the tag the request was decoded from.
	Type() RequestType
}

// GetIDRequest asks the server to echo back the connection's identifier.
type GetIDRequest struct{}

// SetNicknameRequest sets the connection's display name.
type SetNicknameRequest struct {
	Name string `json:"name"`
}

// OnlineRequest announces the connection to all clients.
type OnlineRequest struct{}

// MessageRequest carries a chat message to a user or a room.
type MessageRequest struct {
	MessageType MessageScope `json:"messageType"`
	ReceiverID  uuid.UUID    `json:"receiverId"`
	Message     string       `json:"message"`
}

// DisconnectedRequest signals that the connection's channel closed. It is
// synthesized by the session reader, never sent by well-behaved clients,
// but accepting it on the wire matches the envelope contract.
type DisconnectedRequest struct{}

// GlobalOnlineRequest asks for a snapshot of all named connections.
type GlobalOnlineRequest struct{}

// CreateRoomRequest creates a named room with the requester as sole member.
type CreateRoomRequest struct {
	Name string `json:"name"`
}

// JoinRoomRequest adds the requester to an existing room.
type JoinRoomRequest struct {
	ID uuid.UUID `json:"id"`
}

func (GetIDRequest) Type() RequestType        { return RequestGetID }
func (SetNicknameRequest) Type() RequestType  { return RequestSetNickname }
func (OnlineRequest) Type() RequestType       { return RequestOnline }
func (MessageRequest) Type() RequestType      { return RequestMessage }
func (DisconnectedRequest) Type() RequestType { return RequestDisconnected }
func (GlobalOnlineRequest) Type() RequestType { return RequestGlobalOnline }
func (CreateRoomRequest) Type() RequestType   { return RequestCreateRoom }
func (JoinRoomRequest) Type() RequestType     { return RequestJoinRoom }

// requestEnvelope is the outer layer of every inbound frame.
type requestEnvelope struct {
	RequestType RequestType `json:"requestType"`
	Data        string      `json:"data"`
}

// DecodeRequest parses a raw inbound frame into its typed request. Any
// malformed envelope, unknown request type, or malformed payload yields an
// error; callers drop the frame and keep the connection open.
func DecodeRequest(raw []byte) (Request, error) {
	var env requestEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.RequestType {
	case RequestGetID:
		return GetIDRequest{}, nil
	case RequestOnline:
		return OnlineRequest{}, nil
	case RequestDisconnected:
		return DisconnectedRequest{}, nil
	case RequestGlobalOnline:
		return GlobalOnlineRequest{}, nil
	case RequestSetNickname:
		var req SetNicknameRequest
		if err := decodePayload(env, &req); err != nil {
			return nil, err
		}
		return req, nil
	case RequestMessage:
		var req MessageRequest
		if err := decodePayload(env, &req); err != nil {
			return nil, err
		}
		if req.MessageType != ScopeUser && req.MessageType != ScopeRoom {
			return nil, fmt.Errorf("decode %s payload: unknown message type %q", env.RequestType, req.MessageType)
		}
		return req, nil
	case RequestCreateRoom:
		var req CreateRoomRequest
		if err := decodePayload(env, &req); err != nil {
			return nil, err
		}
		return req, nil
	case RequestJoinRoom:
		var req JoinRoomRequest
		if err := decodePayload(env, &req); err != nil {
			return nil, err
		}
		return req, nil
	default:
		return nil, fmt.Errorf("unknown request type %q", env.RequestType)
	}
}

func decodePayload(env requestEnvelope, dst any) error {
	if err := json.Unmarshal([]byte(env.Data), dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.RequestType, err)
	}
	return nil
}

// EncodeRequest renders a typed request to its wire form. The server never
// sends requests; this exists for clients and tests exercising the contract.
func EncodeRequest(req Request) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", req.Type(), err)
	}
	return json.Marshal(requestEnvelope{
		RequestType: req.Type(),
		Data:        string(payload),
	})
}
