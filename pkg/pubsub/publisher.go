package pubsub

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridiandb/meridian/pkg/hlc"
	"github.com/meridiandb/meridian/pkg/log"
	"github.com/meridiandb/meridian/pkg/metrics"
	"github.com/meridiandb/meridian/pkg/raft"
)

// dedupeWindow bounds how many recently applied message ids are remembered
// to keep replayed entries exactly-once.
const dedupeWindow = 1024

// Proposer is the consensus handle publishes go through. *raft.Node
// satisfies it.
type Proposer interface {
	Propose(command []byte) (uint64, error)
}

// Publisher submits PUBLISH commands through consensus and, as the group's
// state machine, delivers each committed message to the local registry. All
// replicas apply the same committed entries, so all of them deliver
// identical messages.
type Publisher struct {
	registry *Registry
	clock    *hlc.Clock
	logger   zerolog.Logger

	mu       sync.Mutex
	proposer Proposer
	seen     map[string]struct{}
	seenRing []string
}

// NewPublisher creates a publisher delivering into registry.
func NewPublisher(registry *Registry, clock *hlc.Clock) *Publisher {
	return &Publisher{
		registry: registry,
		clock:    clock,
		logger:   log.WithComponent("pubsub"),
		seen:     make(map[string]struct{}),
	}
}

// Bind attaches the consensus handle. The publisher is created first so it
// can serve as the group's state machine.
func (p *Publisher) Bind(proposer Proposer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.proposer = proposer
}

// Publish submits channel/data as a replicated command. Delivery happens on
// commit, on every replica.
func (p *Publisher) Publish(channelName string, data []byte) (string, error) {
	msg := &Message{
		ID:        uuid.NewString(),
		Channel:   channelName,
		Data:      data,
		Timestamp: p.clock.Now(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	proposer := p.proposer
	p.mu.Unlock()

	if _, err := proposer.Propose(payload); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// Apply implements raft.StateMachine: each committed PUBLISH is delivered to
// the local registry exactly once.
func (p *Publisher) Apply(entry raft.LogEntry) {
	var msg Message
	if err := json.Unmarshal(entry.Command, &msg); err != nil {
		p.logger.Error().Err(err).Uint64("index", entry.Index).Msg("ill-formed publish command")
		return
	}

	p.mu.Lock()
	if _, dup := p.seen[msg.ID]; dup {
		p.mu.Unlock()
		return
	}
	p.seen[msg.ID] = struct{}{}
	p.seenRing = append(p.seenRing, msg.ID)
	if len(p.seenRing) > dedupeWindow {
		delete(p.seen, p.seenRing[0])
		p.seenRing = p.seenRing[1:]
	}
	p.mu.Unlock()

	p.clock.Update(msg.Timestamp)
	p.registry.Deliver(&msg)
	metrics.PubSubPublished.WithLabelValues(msg.Channel).Inc()
}
