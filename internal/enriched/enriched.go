// Package enriched keeps a short rolling history of candles annotated with
// what each candle formed or confirmed. Snapshots are immutable once
// appended.
package enriched

import (
	"ictbot/internal/detector"
	"ictbot/internal/model"
	"ictbot/internal/ringbuf"
)

// DefaultWindow is how many prior candles each append looks back over.
const DefaultWindow = 20

// Indicators are the patterns completed by one candle.
type Indicators struct {
	Displacement *model.Displacement    `json:"displacement,omitempty"`
	FVGs         []model.FairValueGap   `json:"fvgs,omitempty"`
	OrderBlocks  []model.OrderBlock     `json:"order_blocks,omitempty"`
	Inducements  []model.Inducement     `json:"inducements,omitempty"`
	Swings       []model.SwingPoint     `json:"swings,omitempty"`
	Breaks       []model.StructureBreak `json:"breaks,omitempty"`
}

// Empty reports whether the candle completed nothing.
func (ind Indicators) Empty() bool {
	return ind.Displacement == nil && len(ind.FVGs) == 0 && len(ind.OrderBlocks) == 0 &&
		len(ind.Inducements) == 0 && len(ind.Swings) == 0 && len(ind.Breaks) == 0
}

// Snapshot pairs a candle with its indicators.
type Snapshot struct {
	Candle     model.Candle `json:"candle"`
	Indicators Indicators   `json:"indicators"`
}

// Buffer is a bounded FIFO of snapshots. Not safe for concurrent use.
type Buffer struct {
	params  detector.Params
	window  int
	candles *ringbuf.Ring[model.Candle]
	snaps   *ringbuf.Ring[Snapshot]
}

// New creates a buffer holding capacity snapshots and looking back window
// candles per append (DefaultWindow when <= 0).
func New(capacity, window int, p detector.Params) *Buffer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Buffer{
		params:  p,
		window:  window,
		candles: ringbuf.New[model.Candle](window + 1),
		snaps:   ringbuf.New[Snapshot](capacity),
	}
}

// Append annotates c against the preceding window and stores the snapshot.
// Indexes inside the returned indicators are relative to that window, whose
// last element is c.
func (b *Buffer) Append(c model.Candle) Snapshot {
	b.candles.Push(c)
	w := b.candles.Slice()
	newest := len(w) - 1
	p := b.params

	var ind Indicators
	for _, d := range detector.DetectDisplacements(w, p) {
		if d.Index == newest {
			d := d
			ind.Displacement = &d
		}
	}
	for _, g := range detector.DetectFVGs(w, p) {
		if g.TriggerIndex == newest {
			ind.FVGs = append(ind.FVGs, g)
		}
	}
	for _, ob := range detector.DetectOrderBlocks(w, p) {
		if ob.TriggerIndex == newest {
			ind.OrderBlocks = append(ind.OrderBlocks, ob)
		}
	}
	for _, in := range detector.DetectInducements(w, p.InducementLookback) {
		if in.ConfirmIndex == newest {
			ind.Inducements = append(ind.Inducements, in)
		}
	}
	for _, sp := range detector.DetectSwings(w, p.SwingLeft, p.SwingRight) {
		if sp.Index+p.SwingRight == newest {
			ind.Swings = append(ind.Swings, sp)
		}
	}
	for _, brk := range detector.DetectStructure(w, p.SwingLeft, p.SwingRight) {
		if brk.Index+p.SwingRight == newest {
			ind.Breaks = append(ind.Breaks, brk)
		}
	}

	s := Snapshot{Candle: c, Indicators: ind}
	b.snaps.Push(s)
	return s
}

// All returns every stored snapshot, oldest first.
func (b *Buffer) All() []Snapshot { return b.snaps.Slice() }

// Last returns the newest n snapshots, oldest first.
func (b *Buffer) Last(n int) []Snapshot { return b.snaps.Tail(n) }

// Clear drops every snapshot and the lookback window.
func (b *Buffer) Clear() {
	b.snaps.Reset()
	b.candles.Reset()
}

func (b *Buffer) Len() int { return b.snaps.Len() }
func (b *Buffer) Cap() int { return b.snaps.Cap() }
