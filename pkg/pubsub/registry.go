package pubsub

import (
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"

	"github.com/meridiandb/meridian/pkg/hlc"
	"github.com/meridiandb/meridian/pkg/log"
	"github.com/meridiandb/meridian/pkg/metrics"
)

// Message is one published event delivered to subscribers.
type Message struct {
	ID        string        `json:"id"`
	Channel   string        `json:"channel"`
	Data      []byte        `json:"data"`
	Timestamp hlc.Timestamp `json:"timestamp"`
}

const (
	// subscriberQueueSize bounds each subscriber's delivery queue; overflow
	// drops the message for that subscriber.
	subscriberQueueSize = 64
	// channelIdleThreshold is how long an empty channel lingers before the
	// reaper removes it.
	channelIdleThreshold = 5 * time.Minute
	// reapInterval is how often idle channels are collected.
	reapInterval = time.Minute
)

// channel tracks one named channel's subscribers and activity.
type channel struct {
	name        string
	subscribers map[string]struct{}
	lastActive  time.Time
}

// subscriber is one consumer with a bounded queue.
type subscriber struct {
	id       string
	queue    chan *Message
	channels map[string]struct{}
	patterns []string
}

// Registry is the local subscription registry: it tracks exact and pattern
// subscriptions and delivers committed messages to both identically.
type Registry struct {
	logger zerolog.Logger

	mu          sync.RWMutex
	channels    map[string]*channel
	subscribers map[string]*subscriber

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a registry and starts its idle-channel reaper.
func NewRegistry() *Registry {
	r := &Registry{
		logger:      log.WithComponent("pubsub"),
		channels:    make(map[string]*channel),
		subscribers: make(map[string]*subscriber),
		stopCh:      make(chan struct{}),
	}
	go r.reapLoop()
	return r
}

// Stop halts the reaper.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Registry) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.reapIdleChannels()
		case <-r.stopCh:
			return
		}
	}
}

// reapIdleChannels removes channels with no subscribers that have been idle
// past the threshold.
func (r *Registry) reapIdleChannels() {
	cutoff := time.Now().Add(-channelIdleThreshold)
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, ch := range r.channels {
		if len(ch.subscribers) == 0 && ch.lastActive.Before(cutoff) {
			delete(r.channels, name)
		}
	}
}

func (r *Registry) getOrCreateChannelLocked(name string) *channel {
	ch, ok := r.channels[name]
	if !ok {
		ch = &channel{
			name:        name,
			subscribers: make(map[string]struct{}),
			lastActive:  time.Now(),
		}
		r.channels[name] = ch
	}
	return ch
}

func (r *Registry) getOrCreateSubscriberLocked(id string) *subscriber {
	sub, ok := r.subscribers[id]
	if !ok {
		sub = &subscriber{
			id:       id,
			queue:    make(chan *Message, subscriberQueueSize),
			channels: make(map[string]struct{}),
		}
		r.subscribers[id] = sub
	}
	return sub
}

// Subscribe registers subscriberID on an exact channel and returns its
// delivery queue.
func (r *Registry) Subscribe(subscriberID, channelName string) <-chan *Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := r.getOrCreateSubscriberLocked(subscriberID)
	sub.channels[channelName] = struct{}{}

	ch := r.getOrCreateChannelLocked(channelName)
	ch.subscribers[subscriberID] = struct{}{}
	return sub.queue
}

// PSubscribe registers subscriberID on a glob-style channel pattern and
// returns its delivery queue.
func (r *Registry) PSubscribe(subscriberID, pattern string) <-chan *Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := r.getOrCreateSubscriberLocked(subscriberID)
	sub.patterns = append(sub.patterns, pattern)
	return sub.queue
}

// Unsubscribe removes subscriberID from channelName, or from everything when
// channelName is empty.
func (r *Registry) Unsubscribe(subscriberID, channelName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subscribers[subscriberID]
	if !ok {
		return
	}

	if channelName != "" {
		delete(sub.channels, channelName)
		if ch, ok := r.channels[channelName]; ok {
			delete(ch.subscribers, subscriberID)
		}
		if len(sub.channels) == 0 && len(sub.patterns) == 0 {
			r.dropSubscriberLocked(sub)
		}
		return
	}

	for name := range sub.channels {
		if ch, ok := r.channels[name]; ok {
			delete(ch.subscribers, subscriberID)
		}
	}
	r.dropSubscriberLocked(sub)
}

func (r *Registry) dropSubscriberLocked(sub *subscriber) {
	delete(r.subscribers, sub.id)
	close(sub.queue)
}

// Deliver fans a committed message out to exact and pattern subscribers
// identically, creating the channel on first publish. Full subscriber queues
// drop the message.
func (r *Registry) Deliver(msg *Message) int {
	r.mu.Lock()
	ch := r.getOrCreateChannelLocked(msg.Channel)
	ch.lastActive = time.Now()

	targets := make(map[string]*subscriber)
	for id := range ch.subscribers {
		if sub, ok := r.subscribers[id]; ok {
			targets[id] = sub
		}
	}
	for id, sub := range r.subscribers {
		if _, already := targets[id]; already {
			continue
		}
		for _, pattern := range sub.patterns {
			if matched, err := doublestar.Match(pattern, msg.Channel); err == nil && matched {
				targets[id] = sub
				break
			}
		}
	}
	r.mu.Unlock()

	delivered := 0
	for _, sub := range targets {
		select {
		case sub.queue <- msg:
			delivered++
		default:
			metrics.PubSubDropped.Inc()
			r.logger.Debug().Str("subscriber", sub.id).Str("channel", msg.Channel).Msg("subscriber queue full, dropping message")
		}
	}
	return delivered
}

// Channels returns the currently known channel names.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channels))
	for name := range r.channels {
		out = append(out, name)
	}
	return out
}

// SubscriberCount returns the number of subscribers on a channel.
func (r *Registry) SubscriberCount(channelName string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[channelName]
	if !ok {
		return 0
	}
	return len(ch.subscribers)
}
