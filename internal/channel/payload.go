package channel

import (
	"encoding/json"
	"fmt"
)

// ErrorKind classifies a remote failure.
type ErrorKind string

const (
	// ErrorKindResource means the referenced resource could not be used;
	// the conversation should keep asking for a link.
	ErrorKindResource ErrorKind = "resource"
	// ErrorKindGeneration means the resource was accepted but producing a
	// reply failed.
	ErrorKindGeneration ErrorKind = "generation"
)

// PayloadType is the discriminant of a content payload.
type PayloadType int

const (
	PayloadUnknown PayloadType = iota
	PayloadError
	PayloadChunk
	PayloadComplete
	PayloadStopped
	PayloadStopAck
)

func (t PayloadType) String() string {
	switch t {
	case PayloadError:
		return "error"
	case PayloadChunk:
		return "chunk"
	case PayloadComplete:
		return "complete"
	case PayloadStopped:
		return "stopped"
	case PayloadStopAck:
		return "stop_acknowledged"
	}
	return "unknown"
}

// Payload is the body of a content event.
type Payload struct {
	Error            string    `json:"error,omitempty"`
	Kind             ErrorKind `json:"kind,omitempty"`
	Complete         bool      `json:"complete,omitempty"`
	Streaming        bool      `json:"streaming,omitempty"`
	Data             string    `json:"data,omitempty"`
	MessageID        string    `json:"messageId,omitempty"`
	Stopped          bool      `json:"stopped,omitempty"`
	StopAcknowledged bool      `json:"stop_acknowledged,omitempty"`
}

// Type reports which variant p is. Errors take precedence, then stop
// signals, then completion, then chunks.
func (p Payload) Type() PayloadType {
	switch {
	case p.Error != "":
		return PayloadError
	case p.StopAcknowledged:
		return PayloadStopAck
	case p.Stopped:
		return PayloadStopped
	case p.Complete:
		return PayloadComplete
	case p.Streaming:
		return PayloadChunk
	}
	return PayloadUnknown
}

// DecodePayload parses a payload. Both messageId and message_id are
// accepted for the server id.
func DecodePayload(data []byte) (Payload, error) {
	var wire struct {
		Payload
		LegacyMessageID string `json:"message_id,omitempty"`
	}
	if len(data) == 0 {
		return Payload{}, nil
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	p := wire.Payload
	if p.MessageID == "" {
		p.MessageID = wire.LegacyMessageID
	}
	return p, nil
}
