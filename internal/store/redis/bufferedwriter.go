package redis

import (
	"context"
	"errors"
	"log"
	"sync"

	"ictbot/internal/model"
)

// sink is the subset of Writer the buffered writer forwards to.
type sink interface {
	WriteFeatureEvents(ctx context.Context, events []model.FeatureEvent) error
	WriteZoneSnapshot(ctx context.Context, symbol, tf string, data []byte) error
}

// pendingWrite is a write held back while the circuit is open or the last
// attempt failed. Exactly one of events/zones is set.
type pendingWrite struct {
	events []model.FeatureEvent
	zones  *zoneWrite
}

type zoneWrite struct {
	symbol, tf string
	data       []byte
}

// BufferedWriter wraps a Writer with a circuit breaker. Writes that are
// rejected or fail are kept locally and replayed once the circuit closes.
type BufferedWriter struct {
	sink sink
	cb   *CircuitBreaker
	ctx  context.Context

	mu     sync.Mutex
	buffer []pendingWrite
	maxBuf int // max buffered writes before dropping oldest (default: 10000)

	OnBuffer func()          // called when a write is buffered
	OnFlush  func(count int) // called after flushing buffered writes
	OnDrop   func()          // called when the buffer overflows
}

// NewBufferedWriter creates a BufferedWriter wrapping w.
func NewBufferedWriter(ctx context.Context, w *Writer, cb *CircuitBreaker, maxBufferSize int) *BufferedWriter {
	return newBufferedWriter(ctx, w, cb, maxBufferSize)
}

func newBufferedWriter(ctx context.Context, s sink, cb *CircuitBreaker, maxBufferSize int) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bw := &BufferedWriter{
		sink:   s,
		cb:     cb,
		ctx:    ctx,
		buffer: make([]pendingWrite, 0, 64),
		maxBuf: maxBufferSize,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed && from != StateClosed {
			go bw.Flush()
		}
	}
	return bw
}

// WriteFeatureEvents forwards events through the circuit breaker. A
// rejected or failed write is buffered and reported as nil.
func (bw *BufferedWriter) WriteFeatureEvents(ctx context.Context, events []model.FeatureEvent) error {
	if len(events) == 0 {
		return nil
	}
	err := bw.cb.Execute(func() error {
		return bw.sink.WriteFeatureEvents(ctx, events)
	})
	if err != nil {
		if !errors.Is(err, ErrCircuitOpen) {
			log.Printf("[buffered-writer] events write failed, buffering %d: %v", len(events), err)
		}
		cp := make([]model.FeatureEvent, len(events))
		copy(cp, events)
		bw.add(pendingWrite{events: cp})
	}
	return nil
}

// WriteZoneSnapshot forwards a zone snapshot through the circuit breaker,
// buffering it on failure.
func (bw *BufferedWriter) WriteZoneSnapshot(ctx context.Context, symbol, tf string, data []byte) error {
	err := bw.cb.Execute(func() error {
		return bw.sink.WriteZoneSnapshot(ctx, symbol, tf, data)
	})
	if err != nil {
		bw.add(pendingWrite{zones: &zoneWrite{symbol: symbol, tf: tf, data: data}})
	}
	return nil
}

func (bw *BufferedWriter) add(pw pendingWrite) {
	bw.mu.Lock()
	if len(bw.buffer) >= bw.maxBuf {
		bw.buffer = bw.buffer[1:]
		if bw.OnDrop != nil {
			bw.OnDrop()
		}
	}
	bw.buffer = append(bw.buffer, pw)
	bw.mu.Unlock()

	if bw.OnBuffer != nil {
		bw.OnBuffer()
	}
}

// Flush replays buffered writes in order. Writes that fail again are put
// back at the front of the buffer.
func (bw *BufferedWriter) Flush() {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return
	}
	toFlush := bw.buffer
	bw.buffer = make([]pendingWrite, 0, 64)
	bw.mu.Unlock()

	flushed := 0
	for i, pw := range toFlush {
		var err error
		if pw.zones != nil {
			err = bw.sink.WriteZoneSnapshot(bw.ctx, pw.zones.symbol, pw.zones.tf, pw.zones.data)
		} else {
			err = bw.sink.WriteFeatureEvents(bw.ctx, pw.events)
		}
		if err != nil {
			log.Printf("[buffered-writer] flush stopped after %d writes: %v", flushed, err)
			bw.mu.Lock()
			bw.buffer = append(append([]pendingWrite{}, toFlush[i:]...), bw.buffer...)
			bw.mu.Unlock()
			break
		}
		flushed++
	}

	if flushed > 0 {
		log.Printf("[buffered-writer] flushed %d buffered writes", flushed)
	}
	if bw.OnFlush != nil {
		bw.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered writes waiting to be flushed.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}
