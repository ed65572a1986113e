// Package tap mirrors routed packets to an external sink for offline
// inspection. Mirroring is best effort: a slow sink never slows routing.
package tap

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"opensocdebug.org/osd/internal/core"
	"opensocdebug.org/osd/internal/metrics"
)

const (
	defaultQueueSize = 4096
	writeTimeout     = 5 * time.Second
	maxBatch         = 128
)

// Record is the mirrored form of one packet.
type Record struct {
	Time    time.Time `json:"time"`
	Src     uint16    `json:"src"`
	Dest    uint16    `json:"dest"`
	Type    string    `json:"type"`
	Subtype uint8     `json:"subtype"`
	Payload string    `json:"payload"` // hex of the payload bytes
}

// NewRecord captures p at time now.
func NewRecord(p *core.Packet, now time.Time) Record {
	return Record{
		Time:    now,
		Src:     uint16(p.Src()),
		Dest:    uint16(p.Dest()),
		Type:    p.Type().String(),
		Subtype: p.Subtype(),
		Payload: hex.EncodeToString(p.Bytes()[2*core.HeaderWords:]),
	}
}

// Writer delivers batches of records to a backend.
type Writer interface {
	Name() string
	Write(ctx context.Context, records []Record) error
	Close() error
}

// Tap queues records and writes them from a background goroutine.
type Tap struct {
	writer Writer
	queue  chan Record

	written atomic.Uint64
	dropped atomic.Uint64

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New starts a tap writing to w. queueSize <= 0 selects the default.
func New(w Writer, queueSize int) *Tap {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	t := &Tap{
		writer: w,
		queue:  make(chan Record, queueSize),
	}
	t.wg.Add(1)
	go t.run()
	slog.Info("traffic tap started", "sink", w.Name(), "queue_size", queueSize)
	return t
}

// Publish mirrors p. It never blocks; records are dropped when the queue is
// full. Publish on a nil Tap is a no-op.
func (t *Tap) Publish(p *core.Packet) {
	if t == nil {
		return
	}
	select {
	case t.queue <- NewRecord(p, time.Now()):
	default:
		t.dropped.Add(1)
		metrics.TapRecordsDropped.WithLabelValues(t.writer.Name()).Inc()
	}
}

func (t *Tap) run() {
	defer t.wg.Done()

	batch := make([]Record, 0, maxBatch)
	for rec := range t.queue {
		batch = append(batch[:0], rec)
	fill:
		for len(batch) < maxBatch {
			select {
			case r, ok := <-t.queue:
				if !ok {
					break fill
				}
				batch = append(batch, r)
			default:
				break fill
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := t.writer.Write(ctx, batch)
		cancel()
		if err != nil {
			slog.Warn("traffic tap write failed", "sink", t.writer.Name(), "records", len(batch), "error", err)
			continue
		}
		t.written.Add(uint64(len(batch)))
	}
}

// Stats returns the number of written and dropped records.
func (t *Tap) Stats() (written, dropped uint64) {
	return t.written.Load(), t.dropped.Load()
}

// Close flushes queued records and closes the writer.
func (t *Tap) Close() error {
	if t == nil {
		return nil
	}
	var err error
	t.closeOnce.Do(func() {
		close(t.queue)
		t.wg.Wait()
		if cerr := t.writer.Close(); cerr != nil {
			err = fmt.Errorf("failed to close tap writer: %w", cerr)
		}
		written, dropped := t.Stats()
		slog.Info("traffic tap stopped", "sink", t.writer.Name(), "written", written, "dropped", dropped)
	})
	return err
}
