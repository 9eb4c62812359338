package channel

import (
	"encoding/json"

	"github.com/user/chatrecipe/internal/types"
)

// Outbound request names.
const (
	RequestFetchContent      = "fetch_content"
	RequestGenerate          = "generate"
	RequestStop              = "stop"
	RequestResetConversation = "reset_conversation"
)

// Request is one outbound emit.
type Request struct {
	Name       string
	ID         types.RequestID
	ClientID   types.ClientID
	Identifier string
	Prompt     string
	MessageID  string
}

// FetchContent asks the remote side to fetch and process a resource.
func FetchContent(identifier string) Request {
	return Request{Name: RequestFetchContent, ID: types.NewRequestID(), Identifier: identifier}
}

// Generate asks a free-form question about the current resource.
func Generate(prompt string) Request {
	return Request{Name: RequestGenerate, ID: types.NewRequestID(), Prompt: prompt}
}

// Stop cancels the generation identified by messageID.
func Stop(messageID string) Request {
	return Request{Name: RequestStop, ID: types.NewRequestID(), MessageID: messageID}
}

// ResetConversation discards the remote side's conversation state.
func ResetConversation() Request {
	return Request{Name: RequestResetConversation, ID: types.NewRequestID()}
}

// StreamEvent is the inbound event name carrying replies to r.
func (r Request) StreamEvent() string {
	switch r.Name {
	case RequestFetchContent:
		return EventContentStream
	case RequestGenerate:
		return EventResponse
	}
	return ""
}

// Body encodes the request's wire payload.
func (r Request) Body() ([]byte, error) {
	return json.Marshal(struct {
		RequestID  types.RequestID `json:"request_id"`
		ClientID   types.ClientID  `json:"client_id"`
		Identifier string          `json:"identifier,omitempty"`
		Prompt     string          `json:"prompt,omitempty"`
		MessageID  string          `json:"message_id,omitempty"`
	}{r.ID, r.ClientID, r.Identifier, r.Prompt, r.MessageID})
}
