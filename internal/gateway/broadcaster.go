package gateway

import (
	"strconv"
	"time"

	"ictbot/internal/ringbuf"
)

// Broadcast sends data on a channel to all subscribed clients.
// The envelope is hand-crafted instead of json.Marshal'd since data is
// already JSON. channel_seq lets clients detect gaps and backfill them from
// /missed.
func (h *Hub) Broadcast(channel string, data []byte) {
	now := h.now()

	h.mu.Lock()
	h.channelSeqs[channel]++
	channelSeq := h.channelSeqs[channel]
	h.seq++
	seq := h.seq
	h.latest[channel] = LatestEntry{Data: data, TS: now, Seq: channelSeq}

	buf := appendEnvelope(make([]byte, 0, len(channel)+len(data)+128), channel, data, now, seq, channelSeq)

	rb, ok := h.replay[channel]
	if !ok {
		rb = ringbuf.New[replayEntry](h.replaySize)
		h.replay[channel] = rb
	}
	rb.Push(replayEntry{Seq: channelSeq, Data: buf})

	// Fan out under the same lock so clients see each channel in seq order.
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.matchesChannel(channel) {
			c.enqueue(buf)
		}
	}
}

func appendEnvelope(buf []byte, channel string, data []byte, now time.Time, seq, channelSeq int64) []byte {
	buf = append(buf, `{"channel":"`...)
	buf = append(buf, channel...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"channel_seq":`...)
	buf = strconv.AppendInt(buf, channelSeq, 10)
	buf = append(buf, '}')
	return buf
}
