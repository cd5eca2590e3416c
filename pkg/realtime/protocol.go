package realtime

import "encoding/json"

// Client -> server message types (spec.md §4.9).
const (
	TypeHello     = "hello"
	TypeSubscribe = "subscribe"
	TypeTyping    = "typing"
	TypeRead      = "read"
)

// Server -> client message types.
const (
	TypeWelcome       = "welcome"
	TypeAck           = "ack"
	TypeError         = "error"
	EventMsgNew       = "event.crm:msg:new"
	EventMsgUpdate    = "event.crm:msg:update"
	EventConvUpdate   = "event.crm:conv:update"
	EventTypingUpdate = "event.crm:typing"
)

// inbound is a client frame decoded generically; fields not relevant
// to Type are simply left zero.
type inbound struct {
	Type            string   `json:"type"`
	ConversationIDs []string `json:"conversation_ids,omitempty"`
	ConversationID  string   `json:"conversation_id,omitempty"`
	State           string   `json:"state,omitempty"`
	UpToMessageID   string   `json:"up_to_message_id,omitempty"`
}

// outbound is a server frame. Data carries the event-specific payload
// pre-marshaled (a raw model.Message/model.Conversation change record)
// so the hub never has to know each event's Go type.
type outbound struct {
	Type           string          `json:"type"`
	ClientID       string          `json:"client_id,omitempty"`
	ServerTime     string          `json:"server_time,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}
