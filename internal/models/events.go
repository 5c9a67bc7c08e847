package models

import "encoding/json"

// Inbound event types carried over the WebSocket channel.
const (
	EventJoin              = "join"
	EventMessage           = "message"
	EventRegisterPushToken = "registerPushToken"
	EventStatusUpdate      = "statusUpdate"
	EventTyping            = "typing"
	EventStopTyping        = "stopTyping"
)

// Outbound event types.
const (
	EventMessageResponse   = "messageResponse"
	EventMessageStatus     = "messageStatus"
	EventUserOnline        = "userOnline"
	EventUserOffline       = "userOffline"
	EventOnlineUsers       = "onlineUsers"
	EventUserTyping        = "userTyping"
	EventUserStoppedTyping = "userStoppedTyping"
	EventTokenResponse     = "tokenResponse"
)

// Envelope is the frame format on the wire: a type tag plus an
// event-specific payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope. Marshal errors are
// returned so callers can decide whether to drop or report.
func NewEnvelope(eventType string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: eventType, Payload: raw}, nil
}

// JoinPayload registers an identity on the current connection.
type JoinPayload struct {
	UserID string `json:"userId"`
}

// RegisterTokenPayload stores a push token for an identity.
type RegisterTokenPayload struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

// StatusUpdatePayload reports a recipient-side status change for a message.
type StatusUpdatePayload struct {
	MessageID    string `json:"messageId"`
	Status       Status `json:"status"`
	TargetUserID string `json:"targetUserId"`
}

// TypingPayload identifies who is (or stopped) typing.
type TypingPayload struct {
	UserID string `json:"userId"`
}

// MessageResponse acknowledges an ingested message to its sender.
type MessageResponse struct {
	MessageID string `json:"messageId"`
	Success   bool   `json:"success"`
	Status    Status `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TokenResponse acknowledges a push-token registration.
type TokenResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// PresencePayload announces an identity going online or offline.
type PresencePayload struct {
	UserID string `json:"userId"`
}

// OnlineUsersPayload is the point-in-time presence snapshot sent to a
// freshly joined connection. The list may already be stale on arrival.
type OnlineUsersPayload struct {
	Users []string `json:"users"`
}
