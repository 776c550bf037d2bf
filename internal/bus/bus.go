// Package bus delivers messages between agents through per-agent mailboxes
// and topic subscriptions.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/aristath/agentflow/internal/logging"
	"github.com/aristath/agentflow/internal/priority"
)

var (
	// ErrRecipientNotRegistered is returned when addressing or reading a mailbox that does not exist.
	ErrRecipientNotRegistered = errors.New("recipient not registered")
	// ErrEmptyAgentID is returned by Register for an empty id.
	ErrEmptyAgentID = errors.New("agent id is empty")
	// ErrNoRecipient is returned by Send for a message without a recipient.
	// Such messages go through Broadcast.
	ErrNoRecipient = errors.New("message has no recipient")
)

// Config tunes the bus. Zero fields fall back to defaults.
type Config struct {
	HistorySize   int           // Messages kept for inspection (default 1000)
	SweepInterval time.Duration // Expiry sweep period (default 1s)
	DefaultTTL    time.Duration // Applied when a message has no expiry, zero disables
	Logger        logrus.FieldLogger
}

func (c Config) withDefaults() Config {
	if c.HistorySize <= 0 {
		c.HistorySize = 1000
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	return c
}

// Stats is a snapshot of bus activity.
type Stats struct {
	Sent         int
	Received     int
	Failed       int
	Expired      int
	ActiveAgents int
	MessageTypes map[MessageType]int // Deliveries per type
	Topics       map[string]int      // Subscribers per topic
	HistorySize  int
}

// Bus routes messages to mailboxes.
type Bus struct {
	cfg     Config
	log     logrus.FieldLogger
	history *lru.Cache[string, *Message]

	mu        sync.RWMutex
	mailboxes map[string]*Mailbox
	topics    map[string]map[string]struct{} // topic -> agent ids

	statsMu  sync.Mutex
	sent     int
	received int
	failed   int
	expired  int
	byType   map[MessageType]int

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a bus. Call Start to run the expiry sweep.
func New(cfg Config) (*Bus, error) {
	cfg = cfg.withDefaults()
	history, err := lru.New[string, *Message](cfg.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("failed to create history: %w", err)
	}
	return &Bus{
		cfg:       cfg,
		log:       logging.Component(cfg.Logger, "bus"),
		history:   history,
		mailboxes: make(map[string]*Mailbox),
		topics:    make(map[string]map[string]struct{}),
		byType:    make(map[MessageType]int),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Register creates a mailbox for agentID, or returns the existing one.
func (b *Bus) Register(agentID string) (*Mailbox, error) {
	if agentID == "" {
		return nil, ErrEmptyAgentID
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if mb, ok := b.mailboxes[agentID]; ok {
		return mb, nil
	}
	mb := newMailbox(agentID)
	b.mailboxes[agentID] = mb
	b.log.WithField("agent", agentID).Debug("agent registered")
	return mb, nil
}

// Unregister removes the mailbox of agentID and its subscriptions.
// Undelivered messages are discarded. Blocked receivers get ErrRecipientNotRegistered.
func (b *Bus) Unregister(agentID string) {
	b.mu.Lock()
	mb, ok := b.mailboxes[agentID]
	if ok {
		delete(b.mailboxes, agentID)
	}
	for topic, subs := range b.topics {
		delete(subs, agentID)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
	b.mu.Unlock()

	if ok {
		mb.close()
		b.log.WithField("agent", agentID).Debug("agent unregistered")
	}
}

// Subscribe adds agentID to the subscribers of topic.
func (b *Bus) Subscribe(agentID, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.mailboxes[agentID]; !ok {
		return fmt.Errorf("%w: %s", ErrRecipientNotRegistered, agentID)
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[string]struct{})
		b.topics[topic] = subs
	}
	subs[agentID] = struct{}{}
	return nil
}

// Unsubscribe removes agentID from the subscribers of topic.
func (b *Bus) Unsubscribe(agentID, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[topic]
	if !ok {
		return
	}
	delete(subs, agentID)
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
}

// Send delivers a message to one mailbox and returns its id. Sending to an
// unregistered agent fails and is counted. An empty recipient is rejected
// with ErrNoRecipient; use Broadcast to reach every agent.
func (b *Bus) Send(ctx context.Context, opts SendOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if opts.Recipient == "" {
		return "", ErrNoRecipient
	}

	b.mu.RLock()
	mb, ok := b.mailboxes[opts.Recipient]
	b.mu.RUnlock()
	if !ok {
		b.statsMu.Lock()
		b.failed++
		b.statsMu.Unlock()
		b.log.WithFields(logrus.Fields{
			"sender":    opts.Sender,
			"recipient": opts.Recipient,
			"type":      opts.Type,
		}).Warn("send to unregistered agent")
		return "", fmt.Errorf("%w: %s", ErrRecipientNotRegistered, opts.Recipient)
	}

	msg := b.newMessage(opts.Sender, opts.Recipient, "", opts.Type, opts.Priority, opts.Content, opts.Metadata, opts.ExpiresAt)
	b.deliver(mb, msg)
	return msg.ID, nil
}

// Broadcast delivers a copy of the message to every registered agent, or
// to the subscribers of opts.Topic. It returns the ids of the copies.
// A sender that is registered, or subscribed to the topic, gets a copy too.
func (b *Bus) Broadcast(ctx context.Context, opts BroadcastOptions) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	var targets []*Mailbox
	if opts.Topic != "" {
		for agentID := range b.topics[opts.Topic] {
			if mb, ok := b.mailboxes[agentID]; ok {
				targets = append(targets, mb)
			}
		}
	} else {
		for _, mb := range b.mailboxes {
			targets = append(targets, mb)
		}
	}
	b.mu.RUnlock()

	slices.SortFunc(targets, func(x, y *Mailbox) int {
		return strings.Compare(x.agentID, y.agentID)
	})

	ids := make([]string, 0, len(targets))
	for _, mb := range targets {
		msg := b.newMessage(opts.Sender, mb.agentID, opts.Topic, opts.Type, opts.Priority, opts.Content, opts.Metadata, opts.ExpiresAt)
		b.deliver(mb, msg)
		ids = append(ids, msg.ID)
	}
	return ids, nil
}

// Receive waits for the next live message in the mailbox of agentID.
// A timeout of zero waits until ctx is done. It returns nil, nil when the
// timeout passes. Expired messages are skipped and never returned.
func (b *Bus) Receive(ctx context.Context, agentID string, timeout time.Duration) (*Message, error) {
	b.mu.RLock()
	mb, ok := b.mailboxes[agentID]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecipientNotRegistered, agentID)
	}

	var expire <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}

	for {
		msg, skipped := mb.pop(time.Now())
		b.countReceive(msg, skipped)
		if msg != nil {
			return msg.clone(), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-expire:
			return nil, nil
		case <-mb.gone:
			return nil, fmt.Errorf("%w: %s", ErrRecipientNotRegistered, agentID)
		case <-mb.notify:
		}
	}
}

// History returns recorded messages, newest first.
func (b *Bus) History(filter HistoryFilter) []*Message {
	keys := b.history.Keys() // oldest first
	out := make([]*Message, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		msg, ok := b.history.Peek(keys[i])
		if !ok {
			continue
		}
		if filter.AgentID != "" && msg.Sender != filter.AgentID && msg.Recipient != filter.AgentID {
			continue
		}
		if filter.Type != "" && msg.Type != filter.Type {
			continue
		}
		out = append(out, msg.clone())
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out
}

// Stats returns delivery counters and the current topology.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	agents := len(b.mailboxes)
	topics := make(map[string]int, len(b.topics))
	for topic, subs := range b.topics {
		topics[topic] = len(subs)
	}
	b.mu.RUnlock()

	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return Stats{
		Sent:         b.sent,
		Received:     b.received,
		Failed:       b.failed,
		Expired:      b.expired,
		ActiveAgents: agents,
		MessageTypes: maps.Clone(b.byType),
		Topics:       topics,
		HistorySize:  b.history.Len(),
	}
}

func (b *Bus) newMessage(sender, recipient, topic string, typ MessageType, p priority.Priority, content json.RawMessage, metadata map[string]string, expiresAt *time.Time) *Message {
	now := time.Now()
	if expiresAt == nil && b.cfg.DefaultTTL > 0 {
		exp := now.Add(b.cfg.DefaultTTL)
		expiresAt = &exp
	}
	msg := &Message{
		ID:        uuid.NewString(),
		Type:      typ,
		Priority:  p.OrDefault(),
		Sender:    sender,
		Recipient: recipient,
		Topic:     topic,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	return msg.clone()
}

func (b *Bus) deliver(mb *Mailbox, msg *Message) {
	mb.push(msg)
	b.history.Add(msg.ID, msg.clone())

	b.statsMu.Lock()
	b.sent++
	b.byType[msg.Type]++
	b.statsMu.Unlock()
}

func (b *Bus) countReceive(msg *Message, skipped int) {
	if msg == nil && skipped == 0 {
		return
	}
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	b.expired += skipped
	if msg != nil {
		b.received++
	}
}
