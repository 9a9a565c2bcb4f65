// Package eventbus implements per-topic (transaction hash, contract
// address, or firehose) fan-out of status
// transitions to subscribers, at-least-once, coalescing consecutive
// duplicate transitions, with bounded buffers that drop the oldest event
// on overflow rather than block a publisher.
package eventbus

import (
	"sync"

	"github.com/genlayerlabs/genlayer-studio-sub001/ids"
	"github.com/genlayerlabs/genlayer-studio-sub001/types"
)

// Event is one published transition.
type Event struct {
	Hash   ids.Hash
	To     ids.Address
	Status types.Status
	Tx     *types.Transaction
}

// Subscription delivers events on Events until Unsubscribe is called.
type Subscription struct {
	Events <-chan Event

	bus   *Bus
	topic topic
	ch    chan Event
}

// Unsubscribe stops delivery and releases the subscription's buffer.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.topic, s.ch)
}

type topicKind int

const (
	topicHash topicKind = iota
	topicAddress
	topicFirehose
)

type topic struct {
	kind    topicKind
	hash    ids.Hash
	address ids.Address
}

// Bus is the Event Bus. The zero value is not usable; use New.
type Bus struct {
	mu          sync.Mutex
	subscribers map[topic][]chan Event
	bufferSize  int
	last        map[chan Event]Event
}

// New returns a Bus whose per-subscriber buffers hold bufferSize events
// before the oldest is dropped.
func New(bufferSize int) *Bus {
	return &Bus{
		subscribers: make(map[topic][]chan Event),
		bufferSize:  bufferSize,
		last:        make(map[chan Event]Event),
	}
}

// SubscribeHash subscribes to transitions for a single transaction.
func (b *Bus) SubscribeHash(hash ids.Hash) *Subscription {
	return b.subscribe(topic{kind: topicHash, hash: hash})
}

// SubscribeAddress subscribes to transitions for every transaction against
// a contract address.
func (b *Bus) SubscribeAddress(address ids.Address) *Subscription {
	return b.subscribe(topic{kind: topicAddress, address: address})
}

// SubscribeFirehose subscribes to every transition in the system.
func (b *Bus) SubscribeFirehose() *Subscription {
	return b.subscribe(topic{kind: topicFirehose})
}

func (b *Bus) subscribe(t topic) *Subscription {
	ch := make(chan Event, b.bufferSize)

	b.mu.Lock()
	b.subscribers[t] = append(b.subscribers[t], ch)
	b.mu.Unlock()

	return &Subscription{Events: ch, bus: b, topic: t, ch: ch}
}

func (b *Bus) remove(t topic, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[t]
	for i, s := range subs {
		if s == ch {
			b.subscribers[t] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	delete(b.last, ch)
	close(ch)
}

// Publish fans tx's current status out to every matching subscriber.
// Consecutive duplicate transitions to the same subscriber are coalesced
// rather than queued twice.
func (b *Bus) Publish(tx *types.Transaction) {
	ev := Event{Hash: tx.Hash, To: tx.To, Status: tx.Status, Tx: tx}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.deliverTo(b.subscribers[topic{kind: topicHash, hash: tx.Hash}], ev)
	b.deliverTo(b.subscribers[topic{kind: topicAddress, address: tx.To}], ev)
	b.deliverTo(b.subscribers[topic{kind: topicFirehose}], ev)
}

func (b *Bus) deliverTo(chans []chan Event, ev Event) {
	for _, ch := range chans {
		if last, ok := b.last[ch]; ok && last.Status == ev.Status && last.Hash == ev.Hash {
			continue
		}
		b.last[ch] = ev

		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
