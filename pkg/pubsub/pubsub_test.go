package pubsub

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian/pkg/hlc"
	"github.com/meridiandb/meridian/pkg/raft"
)

func newTestPublisher(t *testing.T) (*Publisher, *Registry) {
	t.Helper()

	registry := NewRegistry()
	t.Cleanup(registry.Stop)

	clock := hlc.NewClock("node-1")
	publisher := NewPublisher(registry, clock)

	transport := raft.NewInmemTransport()
	cfg := raft.DefaultConfig()
	cfg.GroupID = "pubsub"
	cfg.NodeID = "node-1"
	cfg.ElectionTimeoutMin = 20 * time.Millisecond
	cfg.ElectionTimeoutMax = 40 * time.Millisecond

	node, err := raft.NewNode(cfg, transport, publisher)
	require.NoError(t, err)
	transport.Register("node-1", node)
	node.Start()
	t.Cleanup(node.Stop)

	require.Eventually(t, node.IsLeader, 2*time.Second, 5*time.Millisecond)
	publisher.Bind(node)
	return publisher, registry
}

func receive(t *testing.T, queue <-chan *Message, timeout time.Duration) *Message {
	t.Helper()
	select {
	case msg := <-queue:
		return msg
	case <-time.After(timeout):
		t.Fatal("no message received")
		return nil
	}
}

func TestPublishDeliversToExactSubscriber(t *testing.T) {
	publisher, registry := newTestPublisher(t)

	queue := registry.Subscribe("sub-1", "events")
	id, err := publisher.Publish("events", []byte("hello"))
	require.NoError(t, err)

	msg := receive(t, queue, 2*time.Second)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, "events", msg.Channel)
	assert.Equal(t, []byte("hello"), msg.Data)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestPatternSubscribersNotifiedIdentically(t *testing.T) {
	publisher, registry := newTestPublisher(t)

	exact := registry.Subscribe("sub-exact", "news.sports")
	pattern := registry.PSubscribe("sub-pattern", "news.*")

	_, err := publisher.Publish("news.sports", []byte("score"))
	require.NoError(t, err)

	exactMsg := receive(t, exact, 2*time.Second)
	patternMsg := receive(t, pattern, 2*time.Second)
	assert.Equal(t, exactMsg.ID, patternMsg.ID)
	assert.Equal(t, exactMsg.Data, patternMsg.Data)
}

func TestPatternDoesNotMatchOtherChannels(t *testing.T) {
	publisher, registry := newTestPublisher(t)

	pattern := registry.PSubscribe("sub-pattern", "news.*")
	_, err := publisher.Publish("alerts.fire", []byte("x"))
	require.NoError(t, err)

	select {
	case msg := <-pattern:
		t.Fatalf("unexpected delivery: %v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestChannelCreatedOnFirstPublish(t *testing.T) {
	publisher, registry := newTestPublisher(t)

	assert.NotContains(t, registry.Channels(), "fresh")
	_, err := publisher.Publish("fresh", []byte("x"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, name := range registry.Channels() {
			if name == "fresh" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExactlyOncePerCommittedEntry(t *testing.T) {
	_, registry := newTestPublisher(t)
	clock := hlc.NewClock("replayer")
	publisher := NewPublisher(registry, clock)

	queue := registry.Subscribe("sub-1", "replay")

	msg := Message{ID: "fixed-id", Channel: "replay", Data: []byte("once"), Timestamp: clock.Now()}
	payload, err := jsonMarshal(msg)
	require.NoError(t, err)
	entry := raft.LogEntry{Term: 1, Index: 1, Command: payload}

	// Applying the same committed entry twice delivers once.
	publisher.Apply(entry)
	publisher.Apply(entry)

	received := receive(t, queue, time.Second)
	assert.Equal(t, "fixed-id", received.ID)

	select {
	case dup := <-queue:
		t.Fatalf("duplicate delivery: %v", dup)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFullSubscriberQueueDropsMessages(t *testing.T) {
	registry := NewRegistry()
	defer registry.Stop()
	clock := hlc.NewClock("node-1")
	publisher := NewPublisher(registry, clock)

	queue := registry.Subscribe("slow", "busy")

	// Flood past the queue bound without consuming.
	for i := 0; i < subscriberQueueSize+10; i++ {
		msg := Message{ID: fmt.Sprintf("m-%d", i), Channel: "busy", Data: []byte("x"), Timestamp: clock.Now()}
		payload, err := jsonMarshal(msg)
		require.NoError(t, err)
		publisher.Apply(raft.LogEntry{Term: 1, Index: uint64(i + 1), Command: payload})
	}

	// Messages past the bound were dropped; the subscriber stays registered.
	assert.Len(t, queue, subscriberQueueSize)
	assert.Equal(t, 1, registry.SubscriberCount("busy"))
}

func TestUnsubscribe(t *testing.T) {
	registry := NewRegistry()
	defer registry.Stop()

	registry.Subscribe("sub-1", "c1")
	registry.Subscribe("sub-1", "c2")
	assert.Equal(t, 1, registry.SubscriberCount("c1"))

	registry.Unsubscribe("sub-1", "c1")
	assert.Equal(t, 0, registry.SubscriberCount("c1"))
	assert.Equal(t, 1, registry.SubscriberCount("c2"))

	registry.Unsubscribe("sub-1", "")
	assert.Equal(t, 0, registry.SubscriberCount("c2"))
}

func TestPublishOnFollowerFails(t *testing.T) {
	registry := NewRegistry()
	defer registry.Stop()
	clock := hlc.NewClock("node-2")
	publisher := NewPublisher(registry, clock)

	transport := raft.NewInmemTransport()
	cfg := raft.DefaultConfig()
	cfg.GroupID = "pubsub"
	cfg.NodeID = "node-2"
	cfg.Peers = []string{"node-3"} // never elected without a peer

	node, err := raft.NewNode(cfg, transport, publisher)
	require.NoError(t, err)
	publisher.Bind(node)

	_, err = publisher.Publish("events", []byte("x"))
	assert.Error(t, err)
}

func jsonMarshal(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}
