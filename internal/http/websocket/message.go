package websocket

import (
	"fmt"

	"github.com/google/uuid"
)

type socketMessageType int

const (
	Update socketMessageType = iota
	Command
	Response
	ErrorResponse
	Welcome
)

// SocketMessage is a message sent to (or received from) a websocket client. The Id
// of a command is echoed back on its reply so the client can pair the two, and the
// Origin of a received message becomes the Target of the reply.
type SocketMessage struct {
	Title  string                 `json:"title"`
	Body   map[string]interface{} `json:"arguments"`
	Id     int                    `json:"id"`
	Type   socketMessageType      `json:"type"`
	Origin *uuid.UUID             `json:"-"`
	Target *uuid.UUID             `json:"-"`
}

// StringArgument returns the named string argument of the message, or an error
// if the argument is missing or empty.
func (message *SocketMessage) StringArgument(key string) (string, error) {
	v, ok := message.Body[key]
	if !ok {
		return "", fmt.Errorf("argument '%s' is missing", key)
	}

	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument '%s' must be a non-empty string, got %#v", key, v)
	}

	return s, nil
}

// FormReply returns a NEW message addressed to the origin of this message,
// carrying the same Id.
func (message *SocketMessage) FormReply(replyTitle string, replyBody map[string]interface{}, replyType socketMessageType) *SocketMessage {
	if replyBody == nil {
		replyBody = make(map[string]interface{})
	}
	replyBody["command"] = message.Title

	return &SocketMessage{
		Title:  replyTitle,
		Body:   replyBody,
		Type:   replyType,
		Id:     message.Id,
		Target: message.Origin,
	}
}
