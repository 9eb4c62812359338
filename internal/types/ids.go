// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type MessageID string
type RequestID string
type ClientID string

// StorageKey scopes a conversation's persisted messages to its context.
type StorageKey string

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func NewRequestID() RequestID {
	return RequestID(uuid.New().String())
}

func NewClientID() ClientID {
	return ClientID(uuid.New().String())
}

func NewStorageKey(parts ...string) StorageKey {
	return StorageKey(strings.Join(parts, ":"))
}
