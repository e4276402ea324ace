package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ResponseType tags an outbound envelope with the event it carries.
type ResponseType string

// Outbound response types.
const (
	ResponseGetID        ResponseType = "GetId"
	ResponseOnline       ResponseType = "Online"
	ResponseOffline      ResponseType = "Offline"
	ResponseSetNickname  ResponseType = "SetNickname"
	ResponseMessage      ResponseType = "Message"
	ResponseGlobalOnline ResponseType = "GlobalOnline"
	ResponseRoomCreated  ResponseType = "RoomCreated"
	ResponseRoomJoined   ResponseType = "RoomJoined"
	ResponseError        ResponseType = "Error"
)

// GetIDResponse assigns the connection its identifier.
type GetIDResponse struct {
	ID uuid.UUID `json:"id"`
}

// SetNicknameResponse announces a nickname change to all clients.
type SetNicknameResponse struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// MessageResponse delivers a chat message. CreatedAt is stamped at render
// time in UTC.
type MessageResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// OfflineResponse announces that a connection left.
type OfflineResponse struct {
	ID uuid.UUID `json:"id"`
}

// OnlineResponse announces that a named connection is present.
type OnlineResponse struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// UserInfo is one entry of a presence snapshot.
type UserInfo struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// GlobalOnlineResponse lists every named connection at snapshot time.
type GlobalOnlineResponse struct {
	Users []UserInfo `json:"users"`
}

// RoomCreatedResponse confirms room creation to the creator.
type RoomCreatedResponse struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// RoomJoinedResponse confirms a join to the joining connection.
type RoomJoinedResponse struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// ErrorResponse reports a failed request privately to its sender.
type ErrorResponse struct {
	Message string `json:"message"`
}

// responseEnvelope is the outer layer of every outbound frame.
type responseEnvelope struct {
	ResponseType ResponseType `json:"responseType"`
	Data         string       `json:"data"`
}

// EncodeResponse renders a response payload into its wire form. The payload
// is marshaled first and embedded as a string, matching the envelope
// contract. A marshal failure here is a serialization error fatal only to
// this one response.
func EncodeResponse(rt ResponseType, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", rt, err)
	}
	raw, err := json.Marshal(responseEnvelope{
		ResponseType: rt,
		Data:         string(data),
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", rt, err)
	}
	return raw, nil
}

// DecodeResponse splits an outbound frame back into its type tag and inner
// payload bytes. Used by clients and tests; the server only encodes.
func DecodeResponse(raw []byte) (ResponseType, []byte, error) {
	var env responseEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}
	return env.ResponseType, []byte(env.Data), nil
}
