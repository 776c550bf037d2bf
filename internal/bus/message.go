package bus

import (
	"encoding/json"
	"maps"
	"slices"
	"time"

	"github.com/aristath/agentflow/internal/priority"
)

// MessageType tags what a message is about.
type MessageType string

const (
	TypeTaskAssignment MessageType = "task_assignment"
	TypeTaskResult     MessageType = "task_result"
	TypeStatusUpdate   MessageType = "status_update"
	TypeCoordination   MessageType = "coordination"
	TypeNotification   MessageType = "notification"
	TypeError          MessageType = "error"
	TypeHeartbeat      MessageType = "heartbeat"
)

// Message is one delivery to one mailbox.
type Message struct {
	ID        string
	Type      MessageType
	Priority  priority.Priority
	Sender    string
	Recipient string // Empty only in options for a broadcast
	Topic     string // Set when delivered through a topic
	Content   json.RawMessage
	Metadata  map[string]string
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// Expired reports whether the message may no longer be delivered at now.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

func (m *Message) clone() *Message {
	c := *m
	c.Content = slices.Clone(m.Content)
	c.Metadata = maps.Clone(m.Metadata)
	if m.ExpiresAt != nil {
		exp := *m.ExpiresAt
		c.ExpiresAt = &exp
	}
	return &c
}

// SendOptions describes an addressed message.
type SendOptions struct {
	Sender    string
	Recipient string
	Type      MessageType
	Content   json.RawMessage
	Priority  priority.Priority // Unset means Normal
	Metadata  map[string]string
	ExpiresAt *time.Time // Nil uses the bus default TTL, if any
}

// BroadcastOptions describes a message for every agent, or for the
// subscribers of Topic when it is set.
type BroadcastOptions struct {
	Sender    string
	Type      MessageType
	Content   json.RawMessage
	Priority  priority.Priority // Unset means Normal
	Metadata  map[string]string
	ExpiresAt *time.Time
	Topic     string
}

// HistoryFilter narrows History results. Zero values match everything.
type HistoryFilter struct {
	AgentID string // Matches sender or recipient
	Type    MessageType
	Limit   int
}
