package playback

import (
	"sync"
	"sync/atomic"

	"gcode-sim/pkg/geometry"
	"gcode-sim/pkg/printer"
)

// Event is published to subscribers on every observable change.
type Event interface {
	// Name is the notification method the viewer API forwards it as.
	Name() string
}

// StateChanged reports a controller transition.
type StateChanged struct {
	From, To State
	Err      string
}

// SegmentsAdded carries the segments produced by one tick or step.
type SegmentsAdded struct {
	Segments []printer.Segment
	Index    int
}

// BufferChanged forwards a geometry buffer notification.
type BufferChanged struct {
	geometry.Change
}

// LoadProgress reports ingestion progress.
type LoadProgress struct {
	Percent float64
	Loaded  int
	Total   int
	Done    bool
}

// SeekProgress reports a seek in flight. Phase is "waiting" while the
// target has not been loaded yet and "replay" while commands are re-applied.
type SeekProgress struct {
	Phase   string
	Target  int
	Done    int
	Percent float64
}

// ErrorEvent reports a failure. Fatal errors also move the engine to Error;
// recoverable ones (a seek timeout) leave the state as it was.
type ErrorEvent struct {
	Code    string
	Message string
	Fatal   bool
}

func (StateChanged) Name() string  { return "notify_playback_state" }
func (SegmentsAdded) Name() string { return "notify_segments" }
func (BufferChanged) Name() string { return "notify_buffer_changed" }
func (LoadProgress) Name() string  { return "notify_load_progress" }
func (SeekProgress) Name() string  { return "notify_seek_progress" }
func (ErrorEvent) Name() string    { return "notify_error" }

// bus fans events out to subscribers. Sends never block; a subscriber
// that falls behind loses events and is expected to resync from a snapshot.
type bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	dropped atomic.Uint64
}

func newBus() *bus {
	return &bus{subs: make(map[uint64]chan Event)}
}

func (b *bus) subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan Event, buf)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
}

func (b *bus) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *bus) close() {
	b.mu.Lock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}
