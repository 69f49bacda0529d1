// Package geometry keeps the bounded trail of drawn segments handed to the
// renderer. Trimming only affects the visual trail; seeks rebuild it from
// the command store.
package geometry

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"gcode-sim/pkg/printer"
)

// Channel identifies one of the two segment kinds.
type Channel int

const (
	Extrusion Channel = iota
	Travel
)

func (c Channel) String() string {
	if c == Travel {
		return "travel"
	}
	return "extrusion"
}

// Trim thresholds.
const (
	trimHighWater = 1.2
	trimFraction  = 0.25

	MinPointCap = 2
)

// Color is a linear RGB triple in [0, 1].
type Color [3]float32

// Default channel colors.
var (
	DefaultExtrusionColor = Color{1.0, 0.55, 0.1}
	DefaultTravelColor    = Color{0.35, 0.45, 0.9}
)

// ParseColor reads "#rrggbb" or "rrggbb".
func ParseColor(s string) (Color, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return Color{}, fmt.Errorf("color %q: want 6 hex digits", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return Color{}, fmt.Errorf("color %q: %w", s, err)
	}
	return Color{
		float32(v>>16&0xff) / 255,
		float32(v>>8&0xff) / 255,
		float32(v&0xff) / 255,
	}, nil
}

// CapForTotal derives the retained point cap from the program size.
// Larger programs keep more points so their trail is not overly sparse.
func CapForTotal(total int) int {
	switch {
	case total <= 10_000:
		return 100_000
	case total <= 100_000:
		return 500_000
	case total <= 1_000_000:
		return 2_000_000
	default:
		return 4_000_000
	}
}

// BatchSizeForTotal derives how many points accumulate between change
// notifications. Larger programs notify less often.
func BatchSizeForTotal(total int) int {
	switch {
	case total <= 10_000:
		return 1_000
	case total <= 100_000:
		return 5_000
	case total <= 1_000_000:
		return 20_000
	default:
		return 50_000
	}
}

// Change describes the buffer at a notification boundary.
type Change struct {
	Extrusion int // points per channel
	Travel    int
	Appended  int // points appended since the previous notification
	Trimmed   int // points trimmed since the previous notification
	Cleared   bool
}

// Points is the retained point total.
func (c Change) Points() int {
	return c.Extrusion + c.Travel
}

// ChannelData is a flat vertex array: xyz positions with parallel rgb
// colors, two points per segment.
type ChannelData struct {
	Positions []float32
	Colors    []float32
}

// Points returns the number of points held.
func (d *ChannelData) Points() int {
	return len(d.Positions) / 3
}

func (d *ChannelData) push(p printer.Vec3, c Color) {
	d.Positions = append(d.Positions, float32(p.X), float32(p.Y), float32(p.Z))
	d.Colors = append(d.Colors, c[0], c[1], c[2])
}

// dropOldest removes the first n points, keeping capacity.
func (d *ChannelData) dropOldest(n int) {
	k := n * 3
	d.Positions = d.Positions[:copy(d.Positions, d.Positions[k:])]
	d.Colors = d.Colors[:copy(d.Colors, d.Colors[k:])]
}

func (d *ChannelData) clone() ChannelData {
	return ChannelData{
		Positions: append([]float32(nil), d.Positions...),
		Colors:    append([]float32(nil), d.Colors...),
	}
}

// Snapshot is a copy of the retained geometry.
type Snapshot struct {
	Extrusion ChannelData
	Travel    ChannelData
	PointCap  int
}

// Stats are counters kept for the life of the buffer.
type Stats struct {
	Points          int
	ExtrusionPoints int
	TravelPoints    int
	PointCap        int
	BatchSize       int
	Segments        int // appended over the buffer's life
	Trims           int
	Dropped         int // points removed by trimming
}

// Options configure a Buffer.
type Options struct {
	// PointCap fixes the cap. Zero derives it from the command total.
	PointCap       int
	ExtrusionColor Color
	TravelColor    Color
	// OnChange fires after each batch of appended points and on Flush.
	OnChange func(Change)
}

// Buffer holds the extrusion and travel channels under a point cap.
// There is a single writer; Snapshot and Stats may be called concurrently.
type Buffer struct {
	mu sync.RWMutex

	channels [2]ChannelData
	colors   [2]Color

	fixedCap  int
	cap       int
	batchSize int

	pendingAppended int
	pendingTrimmed  int
	pendingCleared  bool

	trims    int
	dropped  int
	segments int

	onChange func(Change)
}

// New creates an empty buffer sized for an unknown program.
func New(opts Options) *Buffer {
	b := &Buffer{
		colors:   [2]Color{DefaultExtrusionColor, DefaultTravelColor},
		onChange: opts.OnChange,
	}
	if opts.PointCap > 0 {
		b.fixedCap = max(opts.PointCap, MinPointCap)
	}
	if opts.ExtrusionColor != (Color{}) {
		b.colors[Extrusion] = opts.ExtrusionColor
	}
	if opts.TravelColor != (Color{}) {
		b.colors[Travel] = opts.TravelColor
	}
	b.SetTotal(0)
	return b
}

// SetTotal re-derives the cap and notification batch size from the known
// command total. A fixed cap set through Options or SetPointCap wins.
func (b *Buffer) SetTotal(total int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.batchSize = BatchSizeForTotal(total)
	if b.fixedCap == 0 {
		b.cap = CapForTotal(total)
	} else {
		b.cap = b.fixedCap
	}
	for b.overBudget() {
		b.trimLocked()
	}
}

// SetPointCap fixes the cap (n <= 0 restores the derived cap on the next
// SetTotal) and trims immediately if the buffer is now over budget.
func (b *Buffer) SetPointCap(n int) {
	b.mu.Lock()
	if n <= 0 {
		b.fixedCap = 0
		b.mu.Unlock()
		return
	}
	if n < MinPointCap {
		n = MinPointCap
	}
	b.fixedCap = n
	b.cap = n
	for b.overBudget() {
		b.trimLocked()
	}
	b.mu.Unlock()
}

// PointCap returns the cap in effect.
func (b *Buffer) PointCap() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cap
}

// Append adds a segment to its channel, trimming and notifying as needed.
func (b *Buffer) Append(seg printer.Segment) {
	ch := Extrusion
	if seg.IsTravel() {
		ch = Travel
	}

	b.mu.Lock()
	d := &b.channels[ch]
	d.push(seg.Start, b.colors[ch])
	d.push(seg.End, b.colors[ch])
	b.segments++
	b.pendingAppended += 2
	for b.overBudget() {
		b.trimLocked()
	}
	var change *Change
	if b.pendingAppended >= b.batchSize {
		c := b.takeChangeLocked()
		change = &c
	}
	b.mu.Unlock()

	if change != nil && b.onChange != nil {
		b.onChange(*change)
	}
}

// TrimIfOverBudget drops the oldest quarter of each channel while the
// retained points exceed 120% of the cap. It returns the points removed.
func (b *Buffer) TrimIfOverBudget() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for b.overBudget() {
		removed += b.trimLocked()
	}
	return removed
}

// Shrink drops the oldest quarter regardless of budget. Used under memory
// pressure from the ingestor.
func (b *Buffer) Shrink() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trimLocked()
}

func (b *Buffer) overBudget() bool {
	return float64(b.pointsLocked()) > trimHighWater*float64(b.cap)
}

func (b *Buffer) trimLocked() int {
	removed := 0
	for i := range b.channels {
		d := &b.channels[i]
		pts := d.Points()
		if pts == 0 {
			continue
		}
		n := int(float64(pts) * trimFraction)
		n -= n % 2 // keep segments whole
		if n < 2 {
			n = 2
		}
		if n > pts {
			n = pts
		}
		d.dropOldest(n)
		removed += n
	}
	if removed > 0 {
		b.trims++
		b.dropped += removed
		b.pendingTrimmed += removed
	}
	return removed
}

func (b *Buffer) pointsLocked() int {
	return b.channels[Extrusion].Points() + b.channels[Travel].Points()
}

// Points returns the retained point total.
func (b *Buffer) Points() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pointsLocked()
}

// Clear drops all geometry. Counters survive; the next notification
// reports Cleared.
func (b *Buffer) Clear() {
	b.mu.Lock()
	for i := range b.channels {
		b.channels[i].Positions = b.channels[i].Positions[:0]
		b.channels[i].Colors = b.channels[i].Colors[:0]
	}
	b.pendingAppended = 0
	b.pendingTrimmed = 0
	b.pendingCleared = true
	b.mu.Unlock()
}

// Flush notifies any pending change. Called at explicit boundaries such as
// seek completion, pause and end of program.
func (b *Buffer) Flush() {
	b.mu.Lock()
	if b.pendingAppended == 0 && b.pendingTrimmed == 0 && !b.pendingCleared {
		b.mu.Unlock()
		return
	}
	change := b.takeChangeLocked()
	b.mu.Unlock()

	if b.onChange != nil {
		b.onChange(change)
	}
}

func (b *Buffer) takeChangeLocked() Change {
	c := Change{
		Extrusion: b.channels[Extrusion].Points(),
		Travel:    b.channels[Travel].Points(),
		Appended:  b.pendingAppended,
		Trimmed:   b.pendingTrimmed,
		Cleared:   b.pendingCleared,
	}
	b.pendingAppended = 0
	b.pendingTrimmed = 0
	b.pendingCleared = false
	return c
}

// Snapshot copies the retained geometry.
func (b *Buffer) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Snapshot{
		Extrusion: b.channels[Extrusion].clone(),
		Travel:    b.channels[Travel].clone(),
		PointCap:  b.cap,
	}
}

// Stats returns buffer counters.
func (b *Buffer) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Points:          b.pointsLocked(),
		ExtrusionPoints: b.channels[Extrusion].Points(),
		TravelPoints:    b.channels[Travel].Points(),
		PointCap:        b.cap,
		BatchSize:       b.batchSize,
		Segments:        b.segments,
		Trims:           b.trims,
		Dropped:         b.dropped,
	}
}
