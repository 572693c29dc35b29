// Package channel fans live feed events out to subscribers.
package channel

import (
	"errors"
	"sync"

	"tradestream/internal/metrics"
	"tradestream/logger"
	"tradestream/models"

	"github.com/google/uuid"
)

// ErrListenerClosed is returned by Publish once the broadcaster is closed.
var ErrListenerClosed = errors.New("listener channel closed")

// DefaultSubscriberBuffer is used when Subscribe is given a non-positive size.
const DefaultSubscriberBuffer = 1024

type ChannelStats struct {
	Published   int64
	Delivered   int64
	Dropped     int64
	Subscribers int
}

// Subscription is one consumer of the feed. C is closed on Unsubscribe or
// when the broadcaster closes.
type Subscription struct {
	ID string
	C  <-chan models.AggrMessage

	ch chan models.AggrMessage
}

// Broadcaster delivers every published message to every subscriber in
// publish order. A subscriber whose buffer is full misses the message.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	stats      ChannelStats
	statsMutex sync.Mutex
	log        *logger.Log
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[string]*Subscription),
		log:  logger.GetLogger(),
	}
}

// Subscribe registers a consumer with the given buffer size. Subscribing to
// a closed broadcaster returns an already closed subscription.
func (b *Broadcaster) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan models.AggrMessage, buffer)
	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub.ID] = sub

	b.log.WithComponent("broadcaster").WithFields(logger.Fields{
		"subscriber":  sub.ID,
		"buffer":      buffer,
		"subscribers": len(b.subs),
	}).Debug("subscriber added")
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Unknown ids
// are ignored.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)

	b.log.WithComponent("broadcaster").WithFields(logger.Fields{
		"subscriber":  id,
		"subscribers": len(b.subs),
	}).Debug("subscriber removed")
}

// Publish never blocks on a slow subscriber.
func (b *Broadcaster) Publish(msg models.AggrMessage) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrListenerClosed
	}

	var delivered, dropped int64
	for id, sub := range b.subs {
		select {
		case sub.ch <- msg:
			delivered++
		default:
			dropped++
			b.log.WithComponent("broadcaster").WithFields(logger.Fields{
				"subscriber": id,
				"symbol":     msg.Symbol,
			}).Warn("subscriber channel full, dropping message")
			metrics.EmitDropMetric(b.log, metrics.DropMetricFeedFanout, "binance", msg.Symbol, "fanout")
		}
	}

	b.statsMutex.Lock()
	b.stats.Published++
	b.stats.Delivered += delivered
	b.stats.Dropped += dropped
	b.statsMutex.Unlock()
	return nil
}

// Close closes every subscriber channel. Later Publish calls fail with
// ErrListenerClosed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	b.log.WithComponent("broadcaster").Info("broadcaster closed")
}

func (b *Broadcaster) GetStats() ChannelStats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()

	b.statsMutex.Lock()
	defer b.statsMutex.Unlock()
	stats := b.stats
	stats.Subscribers = n
	return stats
}
