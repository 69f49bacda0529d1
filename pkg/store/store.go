// Package store holds the parsed command history of one session.
//
// The ingestor is the only writer; playback and seek read concurrently.
// Commands live in fixed-size pages so the history grows without copying.
package store

import (
	"fmt"
	"sync"
	"sync/atomic"

	"gcode-sim/pkg/errors"
	"gcode-sim/pkg/gcode"
)

// PageSize is the number of commands per storage page.
const PageSize = 1 << 16

// Store is an append-only sequence of commands with a declared-line counter
// fed ahead of parsing.
type Store struct {
	mu       sync.RWMutex
	pages    [][]gcode.Command
	lastLine int

	loaded    atomic.Int64
	declared  atomic.Int64
	streaming atomic.Bool
}

// New creates an empty store. It is not streaming until Begin is called.
func New() *Store {
	return &Store{}
}

// Begin marks the start of a stream.
func (s *Store) Begin() {
	s.streaming.Store(true)
}

// Finish marks end-of-stream. Total becomes final.
func (s *Store) Finish() {
	s.streaming.Store(false)
}

// Streaming reports whether more commands may still arrive.
func (s *Store) Streaming() bool {
	return s.streaming.Load()
}

// Append adds a batch atomically. Line numbers must keep increasing;
// a violation means the store is corrupt and the batch is rejected whole.
func (s *Store) Append(cmds []gcode.Command) error {
	if len(cmds) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.lastLine
	for i := range cmds {
		if cmds[i].Line <= prev {
			return errors.InvariantError(fmt.Sprintf(
				"command line %d does not follow line %d", cmds[i].Line, prev)).
				SetLine(cmds[i].Line)
		}
		prev = cmds[i].Line
	}

	n := int(s.loaded.Load())
	for len(cmds) > 0 {
		page, off := n/PageSize, n%PageSize
		if page == len(s.pages) {
			s.pages = append(s.pages, make([]gcode.Command, 0, PageSize))
		}
		room := PageSize - off
		if room > len(cmds) {
			room = len(cmds)
		}
		s.pages[page] = append(s.pages[page], cmds[:room]...)
		cmds = cmds[room:]
		n += room
	}
	s.lastLine = prev

	// Publish the count only once the whole batch is in place.
	s.loaded.Store(int64(n))
	return nil
}

// Get returns the command at index i.
func (s *Store) Get(i int) (gcode.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := int(s.loaded.Load())
	if i < 0 || i >= n {
		return gcode.Command{}, errors.OutOfRangeError(i, n)
	}
	return s.pages[i/PageSize][i%PageSize], nil
}

// Slice appends commands [from, to) to dst and returns it. The range is
// clipped to what is loaded.
func (s *Store) Slice(dst []gcode.Command, from, to int) []gcode.Command {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := int(s.loaded.Load())
	if from < 0 {
		from = 0
	}
	if to > n {
		to = n
	}
	for from < to {
		page, off := from/PageSize, from%PageSize
		end := off + (to - from)
		if end > PageSize {
			end = PageSize
		}
		dst = append(dst, s.pages[page][off:end]...)
		from += end - off
	}
	return dst
}

// Len returns the number of parsed, stored commands.
func (s *Store) Len() int {
	return int(s.loaded.Load())
}

// Declare records that n more command lines were seen in the stream.
func (s *Store) Declare(n int) {
	if n > 0 {
		s.declared.Add(int64(n))
	}
}

// Declared returns the number of command lines seen so far.
func (s *Store) Declared() int {
	return int(s.declared.Load())
}

// Total is the best known command count: max(loaded, declared).
func (s *Store) Total() int {
	l, d := s.loaded.Load(), s.declared.Load()
	if d > l {
		return int(d)
	}
	return int(l)
}

// Clear drops every command and counter. Only a full reset calls this.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pages = nil
	s.lastLine = 0
	s.loaded.Store(0)
	s.declared.Store(0)
	s.streaming.Store(false)
}
