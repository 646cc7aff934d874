package v2g

import (
	"encoding/json"
	"errors"
	"fmt"

	"v2gcharge/backend/services/v2g-node/internal/v2g/protocol"
)

// Parser decodes V2G message payloads.
type Parser struct{}

// NewParser returns parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse decodes a frame payload into a Message.
func (p *Parser) Parse(data []byte) (*protocol.Message, error) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("v2g: decode envelope: %w", err)
	}
	if msg.Type == "" {
		return nil, errors.New("v2g: message type is empty")
	}
	return &msg, nil
}

// Encode serializes a Message into a frame payload.
func Encode(msg *protocol.Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("v2g: nil message")
	}
	return json.Marshal(msg)
}

// BuildMessage wraps a typed body into an envelope.
func BuildMessage(sessionID, messageType string, body interface{}) (*protocol.Message, error) {
	msg := &protocol.Message{SessionID: sessionID, Type: messageType}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		msg.Body = raw
	}
	return msg, nil
}

// BuildFailure builds the response to requestType carrying only a response code.
func BuildFailure(sessionID, requestType, code string) *protocol.Message {
	responseType, ok := protocol.ResponseType(requestType)
	if !ok {
		responseType = protocol.TypeUnknownRes
	}
	raw, _ := json.Marshal(protocol.Status{ResponseCode: code})
	return &protocol.Message{SessionID: sessionID, Type: responseType, Body: raw}
}

// Decode convenience helper for handlers.
func Decode[T any](payload json.RawMessage) (T, error) {
	var target T
	if len(payload) == 0 {
		return target, nil
	}
	if err := json.Unmarshal(payload, &target); err != nil {
		var zero T
		return zero, err
	}
	return target, nil
}
