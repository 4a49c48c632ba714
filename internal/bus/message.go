package bus

import "errors"

// MessageType names a coordination message.
type MessageType string

const (
	ElectionRequest  MessageType = "election_request"
	ElectionResponse MessageType = "election_response"
	Heartbeat        MessageType = "heartbeat"
	SessionStart     MessageType = "session_start"
	SessionEnd       MessageType = "session_end"
	TabClosing       MessageType = "tab_closing"
)

// Message is the envelope exchanged on a topic. Every message carries the
// sender's tab id, the sender's leadership claim and the epoch of the session
// record the sender last wrote or read.
type Message struct {
	Type        MessageType `json:"type"`
	From        string      `json:"from"`
	SessionID   string      `json:"session_id,omitempty"`
	IsLeader    bool        `json:"is_leader,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	Epoch       int64       `json:"epoch,omitempty"`
	LeaderSince int64       `json:"leader_since,omitempty"`
	SentAt      int64       `json:"sent_at"`
}

// Handler receives messages from a subscription.
type Handler func(Message)

// Bus is the broadcast capability consumed by the coordination layer.
type Bus interface {
	// Publish broadcasts msg to every other subscriber of topic.
	Publish(topic string, msg Message) error
	// Subscribe registers h for topic. The returned function removes the
	// subscription.
	Subscribe(topic string, h Handler) (unsubscribe func(), err error)
}

// ErrClosed is returned when publishing or subscribing on a closed bus.
var ErrClosed = errors.New("bus: closed")

// Topic returns the broadcast topic for a project.
func Topic(project string) string {
	return "tracelog:" + project + ":coordination"
}
