package dispatch

import (
	"sync"

	"go.uber.org/zap"

	"github.com/DoyleJ11/meshdraw/internal/types"
)

// Sender delivers one envelope over a peer's data channel.
type Sender interface {
	Send(peerID uint32, data []byte) error
}

type Subscriber func(types.Notification)

type subscription struct {
	id int
	fn Subscriber
}

// Dispatcher fans envelopes out to peers and notifications out to local
// subscribers.
type Dispatcher struct {
	sender Sender
	log    *zap.Logger

	mu     sync.Mutex
	nextID int
	subs   []subscription
}

func New(sender Sender, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{sender: sender, log: log.Named("dispatch")}
}

// BroadcastToPeers sends data to every id. Failed sends are logged and
// skipped; nothing is queued or retried. It returns how many sends succeeded.
func (d *Dispatcher) BroadcastToPeers(ids []uint32, data []byte) int {
	sent := 0
	for _, id := range ids {
		if err := d.sender.Send(id, data); err != nil {
			d.log.Warn("skipping peer", zap.Uint32("peer", id), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// Subscribe registers fn and returns a func that removes it.
func (d *Dispatcher) Subscribe(fn Subscriber) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.subs = append(d.subs, subscription{id: id, fn: fn})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, s := range d.subs {
			if s.id == id {
				d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
				return
			}
		}
	}
}

// BroadcastLocally calls every subscriber synchronously in subscription order.
func (d *Dispatcher) BroadcastLocally(n types.Notification) {
	d.mu.Lock()
	subs := make([]subscription, len(d.subs))
	copy(subs, d.subs)
	d.mu.Unlock()

	for _, s := range subs {
		s.fn(n)
	}
}
