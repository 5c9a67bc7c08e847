package models

// Status tracks a message through its delivery lifecycle.
type Status string

const (
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusRead      Status = "READ"
	StatusFailed    Status = "FAILED"
)

// ValidStatus reports whether s is a known lifecycle status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

// Message is a chat message as relayed between clients. Once a message
// is shared beyond its ingest goroutine it is never mutated; status
// changes produce a replacement copy.
type Message struct {
	ID          string `json:"id"`
	Content     string `json:"content"`
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId,omitempty"`
	SenderName  string `json:"senderName,omitempty"`
	Timestamp   int64  `json:"timestamp"` // unix milliseconds
	Status      Status `json:"status"`
}

// Broadcast reports whether the message is unaddressed and fans out to
// every connection instead of a single recipient.
func (m *Message) Broadcast() bool {
	return m.RecipientID == ""
}
