package hostmod

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/patrickmn/go-cache"

	"opensocdebug.org/osd/internal/core"
)

// reassembler joins events split over several packets. Fragments are keyed by
// source address; all but the last carry the CONT subtype.
type reassembler struct {
	frags *cache.Cache
}

// newReassembler returns a reassembler whose pending fragments expire after
// expiry without a new fragment from the same source. Zero keeps them forever.
func newReassembler(expiry time.Duration) *reassembler {
	if expiry <= 0 {
		return &reassembler{frags: cache.New(cache.NoExpiration, 0)}
	}
	return &reassembler{frags: cache.New(expiry, expiry)}
}

// add consumes one event packet. It returns the complete event once the last
// fragment arrived, otherwise nil.
func (r *reassembler) add(p *core.Packet) *core.Packet {
	key := strconv.FormatUint(uint64(p.Src()), 16)

	var frags []*core.Packet
	if v, ok := r.frags.Get(key); ok {
		frags = v.([]*core.Packet)
	}

	if p.Subtype() == core.SubEventCont {
		r.frags.Set(key, append(frags, p), cache.DefaultExpiration)
		return nil
	}
	if len(frags) == 0 {
		return p
	}
	r.frags.Delete(key)

	frags = append(frags, p)
	n := 0
	for _, f := range frags {
		n += f.PayloadWords()
	}
	out := core.NewPacketWithHeader(p.Dest(), p.Src(), p.Type(), p.Subtype(), n)
	payload := out.Payload()
	for _, f := range frags {
		payload = payload[copy(payload, f.Payload()):]
	}
	return out
}

// pending returns the number of sources with buffered fragments.
func (r *reassembler) pending() int {
	return r.frags.ItemCount()
}

func (r *reassembler) reset() {
	r.frags.Flush()
}

// inbox queues complete events for EventReceive.
type inbox struct {
	mu     sync.Mutex
	q      *queue.Queue
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{q: queue.New(), signal: make(chan struct{}, 1)}
}

func (b *inbox) push(p *core.Packet) {
	b.mu.Lock()
	b.q.Add(p)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *inbox) tryPop() *core.Packet {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.q.Length() == 0 {
		return nil
	}
	return b.q.Remove().(*core.Packet)
}

// pop waits for an event. A nil deadline channel waits until ctx is done.
func (b *inbox) pop(ctx context.Context, deadline <-chan time.Time) (*core.Packet, bool) {
	for {
		if p := b.tryPop(); p != nil {
			return p, true
		}
		select {
		case <-b.signal:
		case <-deadline:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.q.Length()
}
