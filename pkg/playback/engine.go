// Package playback runs a loaded G-code program through the printer model.
//
// An Engine owns one session: the command store filled by a streaming
// ingestor, the printer machine, the geometry buffer and a reactor timer
// that drives playback ticks. The machine and the geometry have one writer
// at a time (a tick, a step or a seek replay), serialized by writeMu.
// Controller state lives under mu; lock order is writeMu before mu.
package playback

import (
	"context"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gcode-sim/pkg/errors"
	"gcode-sim/pkg/gcode"
	"gcode-sim/pkg/geometry"
	"gcode-sim/pkg/ingest"
	"gcode-sim/pkg/log"
	"gcode-sim/pkg/metrics"
	"gcode-sim/pkg/printer"
	"gcode-sim/pkg/reactor"
	"gcode-sim/pkg/store"
)

// Defaults for Options.
const (
	DefaultTickBudget       = 16 * time.Millisecond
	DefaultReplayBatch      = 1000
	DefaultSeekPollInterval = 20 * time.Millisecond
	DefaultSeekStallTimeout = 5 * time.Second
	DefaultEventBuffer      = 256

	applyChunk = 256
)

// Options configure an Engine. Zero values take the defaults.
type Options struct {
	Speed float64
	// TickBudget bounds the wall time one tick spends applying commands.
	TickBudget  time.Duration
	ReplayBatch int

	SeekPollInterval time.Duration
	// SeekStallTimeout fails a seek when the stream has not grown for
	// this long while the target is still unloaded.
	SeekStallTimeout time.Duration

	// PointCap fixes the geometry cap. Zero derives it from the program size.
	PointCap       int
	ExtrusionColor geometry.Color
	TravelColor    geometry.Color

	// Ingest tunes loading. Its callbacks, metrics and logger are set by
	// the engine.
	Ingest ingest.Options

	// Reactor runs playback ticks. When nil the engine runs its own.
	Reactor *reactor.Reactor
	// Yield runs between replay batches. Defaults to runtime.Gosched.
	Yield func()

	Metrics *metrics.SimMetrics
	Logger  *log.Logger
}

func (o *Options) applyDefaults() {
	if o.Speed <= 0 || math.IsNaN(o.Speed) {
		o.Speed = 1
	}
	o.Speed = clampSpeed(o.Speed)
	if o.TickBudget <= 0 {
		o.TickBudget = DefaultTickBudget
	}
	if o.ReplayBatch <= 0 {
		o.ReplayBatch = DefaultReplayBatch
	}
	if o.SeekPollInterval <= 0 {
		o.SeekPollInterval = DefaultSeekPollInterval
	}
	if o.SeekStallTimeout <= 0 {
		o.SeekStallTimeout = DefaultSeekStallTimeout
	}
	if o.Yield == nil {
		o.Yield = yield
	}
	if o.Logger == nil {
		o.Logger = log.GetLogger("playback")
	}
}

func clampSpeed(m float64) float64 {
	return math.Min(math.Max(m, MinSpeed), MaxSpeed)
}

// Engine is the playback controller and seek/replay engine for one program.
type Engine struct {
	opts    Options
	store   *store.Store
	machine *printer.Machine
	geom    *geometry.Buffer
	reactor *reactor.Reactor
	ticker  *reactor.Timer
	events  *bus
	metrics *metrics.SimMetrics
	logger  *log.Logger

	ownReactor bool

	// Held by whoever mutates machine or geom.
	writeMu sync.Mutex
	cmdBuf  []gcode.Command

	mu         sync.Mutex
	state      State
	errMsg     string
	speed      float64
	session    uuid.UUID
	ingestor   *ingest.Ingestor
	loadGen    uint64
	loadCancel context.CancelFunc
	loadDone   chan struct{}
	seekGen    uint64
	seekCancel context.CancelFunc
	seeking    bool
	disposed   bool

	// Bumped by every control call that must stop an in-flight tick.
	epoch atomic.Uint64
	// Latest machine state, published by the writer for lock-free reads.
	current atomic.Pointer[printer.State]
}

// New creates an idle engine with an empty store.
func New(opts Options) *Engine {
	opts.applyDefaults()
	e := &Engine{
		opts:    opts,
		store:   store.New(),
		machine: printer.NewMachine(),
		events:  newBus(),
		metrics: opts.Metrics,
		logger:  opts.Logger,
		speed:   opts.Speed,
		session: uuid.New(),
	}
	e.geom = geometry.New(geometry.Options{
		PointCap:       opts.PointCap,
		ExtrusionColor: opts.ExtrusionColor,
		TravelColor:    opts.TravelColor,
		OnChange:       e.onGeometryChange,
	})

	e.reactor = opts.Reactor
	if e.reactor == nil {
		e.reactor = reactor.New()
		e.ownReactor = true
	}
	e.ticker = e.reactor.RegisterTimer(e.tick, reactor.NEVER)
	if e.ownReactor {
		e.reactor.Run()
	}

	e.publishCurrent()
	e.metrics.SetPlaybackState(Idle.String())
	return e
}

// Store exposes the command store for read access.
func (e *Engine) Store() *store.Store { return e.store }

// Geometry exposes the geometry buffer for snapshots.
func (e *Engine) Geometry() *geometry.Buffer { return e.geom }

// SessionID identifies the currently loaded program.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.String()
}

// State returns the controller state and, in Error, its message.
func (e *Engine) State() (State, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.errMsg
}

// Index returns the number of commands applied so far.
func (e *Engine) Index() int {
	return e.current.Load().Index
}

// Printer returns the latest printer state.
func (e *Engine) Printer() printer.State {
	return *e.current.Load()
}

// Subscribe returns a channel of engine events and a function that
// cancels the subscription. Slow subscribers lose events rather than
// stalling playback.
func (e *Engine) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = DefaultEventBuffer
	}
	return e.events.subscribe(buf)
}

// Load replaces the current program with the contents of r and starts
// ingesting it in the background. size is the byte count, or <= 0 when
// unknown. Playback may start as soon as the first command is stored.
// The returned completion yields the ingestion error, or nil.
func (e *Engine) Load(ctx context.Context, r io.Reader, size int64) *reactor.Completion {
	e.Reset()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	comp := e.reactor.Completion()

	iopts := e.opts.Ingest
	iopts.OnProgress = e.onLoadProgress
	iopts.OnPressure = e.onPressure
	iopts.Metrics = e.metrics
	if iopts.Logger == nil {
		iopts.Logger = e.logger.WithPrefix("ingest")
	}
	in := ingest.New(e.store, iopts)

	// Mark the store as streaming before returning so that a seek issued
	// right after Load waits for its target.
	e.store.Begin()

	e.mu.Lock()
	e.loadGen++
	gen := e.loadGen
	e.loadCancel = cancel
	e.loadDone = done
	e.ingestor = in
	e.session = uuid.New()
	e.setStateLocked(Loading, "")
	e.mu.Unlock()

	go func() {
		// A blocked read only returns once the source is closed.
		stop := func() bool { return false }
		if c, ok := r.(io.Closer); ok {
			stop = context.AfterFunc(ctx, func() { c.Close() })
		}
		err := in.Run(ctx, r, size)
		stop()
		cancel()
		e.finishLoad(gen, err)
		close(done)
		comp.Complete(err)
	}()
	return comp
}

func (e *Engine) finishLoad(gen uint64, err error) {
	e.geom.SetTotal(e.store.Total())

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.loadGen {
		return
	}
	e.loadCancel = nil

	if err != nil && !errors.Is(err, errors.ErrCancelled) {
		e.failLocked(err)
		return
	}
	switch e.state {
	case Loading:
		e.setStateLocked(Idle, "")
	case Running:
		// The tick may be stalled waiting for more input.
		e.reactor.UpdateTimer(e.ticker, reactor.NOW)
	}
}

// failLocked moves the engine to Error and stops any activity.
func (e *Engine) failLocked(err error) {
	e.haltLocked()
	e.setStateLocked(Error, err.Error())

	e.events.publish(ErrorEvent{Code: errorCode(err), Message: err.Error(), Fatal: true})
	e.logger.WithError(err).Error("playback failed")
}

// haltLocked stops ticking and cancels a running seek.
func (e *Engine) haltLocked() {
	e.epoch.Add(1)
	e.reactor.UpdateTimer(e.ticker, reactor.NEVER)
	if e.seekCancel != nil {
		e.seekCancel()
	}
}

func (e *Engine) onLoadProgress(p ingest.Progress) {
	e.events.publish(LoadProgress{
		Percent: p.Percent,
		Loaded:  e.store.Len(),
		Total:   e.store.Total(),
		Done:    p.Done,
	})
}

func (e *Engine) onPressure() {
	if n := e.geom.Shrink(); n > 0 {
		e.logger.WithField("points", n).Warn("geometry shrunk under memory pressure")
	}
}

func (e *Engine) onGeometryChange(c geometry.Change) {
	trims := 0
	if c.Trimmed > 0 {
		trims = 1
	}
	e.metrics.RecordGeometry(c.Points(), trims, c.Trimmed)
	e.events.publish(BufferChanged{Change: c})
}

// LoadProgress returns ingestion progress in [0, 100].
func (e *Engine) LoadProgress() float64 {
	e.mu.Lock()
	in := e.ingestor
	e.mu.Unlock()
	if in == nil {
		return 0
	}
	return in.Progress()
}

func (e *Engine) setStateLocked(to State, msg string) {
	from := e.state
	if from == to && e.errMsg == msg {
		return
	}
	e.state = to
	e.errMsg = msg
	e.metrics.SetPlaybackState(to.String())
	e.events.publish(StateChanged{From: from, To: to, Err: msg})
	e.logger.WithFields(log.Fields{"from": from.String(), "to": to.String()}).Debug("state changed")
}

// publishCurrent makes the machine state visible to readers. Called by the
// writer only.
func (e *Engine) publishCurrent() {
	st := e.machine.State()
	e.current.Store(&st)
}

// Start begins or continues playback. From Completed it first rewinds to
// the beginning of the program, which is refused while a seek is replaying.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.state != Completed {
		defer e.mu.Unlock()
		return e.startLocked("start")
	}
	if e.seeking {
		e.mu.Unlock()
		return errors.StateError("start", "seeking")
	}
	e.mu.Unlock()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Completed {
		e.rewindLocked()
	}
	return e.startLocked("start")
}

func (e *Engine) startLocked(op string) error {
	switch e.state {
	case Running:
		return nil
	case Error:
		return errors.StateError(op, e.state.String())
	}
	if e.store.Len() == 0 {
		return errors.New(errors.ErrState, "no commands loaded")
	}
	e.setStateLocked(Running, "")
	e.reactor.UpdateTimer(e.ticker, reactor.NOW)
	return nil
}

// rewindLocked returns the machine and geometry to the program start.
// Both locks are held.
func (e *Engine) rewindLocked() {
	e.machine.Reset()
	e.geom.Clear()
	e.geom.Flush()
	e.publishCurrent()
	e.metrics.SetProgress(0, e.store.Total())
	e.setStateLocked(Idle, "")
}

// Pause toggles between Running and Paused.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case Running:
		e.epoch.Add(1)
		e.reactor.UpdateTimer(e.ticker, reactor.NEVER)
		e.setStateLocked(Paused, "")
		e.geom.Flush()
		return nil
	case Paused:
		return e.startLocked("resume")
	default:
		return errors.StateError("pause", e.state.String())
	}
}

// Resume continues a paused program.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case Running:
		return nil
	case Paused:
		return e.startLocked("resume")
	default:
		return errors.StateError("resume", e.state.String())
	}
}

// Stop halts playback and any seek, leaving the printer state where it
// is. The loaded program is kept.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.haltLocked()
	switch e.state {
	case Running, Paused, Completed, Loading:
		e.setStateLocked(Idle, "")
	}
	e.mu.Unlock()
	e.geom.Flush()
}

// Reset cancels loading and seeking, clears the store and returns the
// machine and geometry to their initial state.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.haltLocked()
	e.loadGen++
	if e.loadCancel != nil {
		e.loadCancel()
		e.loadCancel = nil
	}
	done := e.loadDone
	e.loadDone = nil
	e.mu.Unlock()

	if done != nil {
		<-done
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	e.store.Clear()
	e.machine.Reset()
	e.geom.Clear()
	e.geom.SetTotal(0)
	e.geom.Flush()
	e.publishCurrent()
	e.ingestor = nil
	e.metrics.SetProgress(0, 0)
	e.setStateLocked(Idle, "")
}

// StepForward applies up to n commands synchronously. A running program
// is paused first.
func (e *Engine) StepForward(n int) error {
	if n <= 0 {
		return errors.InvalidArgumentError("steps", n)
	}
	e.mu.Lock()
	switch {
	case e.seeking:
		e.mu.Unlock()
		return errors.StateError("step", "seeking")
	case e.state == Error:
		e.mu.Unlock()
		return errors.StateError("step", e.state.String())
	case e.state == Running:
		e.epoch.Add(1)
		e.reactor.UpdateTimer(e.ticker, reactor.NEVER)
		e.setStateLocked(Paused, "")
	}
	e.mu.Unlock()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	segs := e.apply(n, time.Time{}, 0)
	idx := e.Index()
	if len(segs) > 0 {
		e.events.publish(SegmentsAdded{Segments: segs, Index: idx})
	}
	e.geom.Flush()
	e.metrics.SetProgress(idx, e.store.Total())

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store.Len() > 0 && e.atEnd(idx) && e.state != Error && e.state != Loading {
		e.setStateLocked(Completed, "")
	}
	return nil
}

// StepBack moves n commands back by replaying from the start.
func (e *Engine) StepBack(ctx context.Context, n int) error {
	if n <= 0 {
		return errors.InvalidArgumentError("steps", n)
	}
	return e.JumpTo(ctx, max(e.Index()-n, 0))
}

// SetPlaybackSpeed sets the speed multiplier, clamped to
// [MinSpeed, MaxSpeed].
func (e *Engine) SetPlaybackSpeed(m float64) error {
	if m <= 0 || math.IsNaN(m) || math.IsInf(m, 0) {
		return errors.InvalidArgumentError("speed", m)
	}
	e.mu.Lock()
	e.speed = clampSpeed(m)
	e.mu.Unlock()
	return nil
}

// Speed returns the current speed multiplier.
func (e *Engine) Speed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speed
}

// SetGeometryPointCap fixes the geometry point cap. Zero restores the cap
// derived from the program size.
func (e *Engine) SetGeometryPointCap(n int) error {
	if n < 0 {
		return errors.InvalidArgumentError("point_cap", n)
	}
	e.geom.SetPointCap(n)
	if n == 0 {
		e.geom.SetTotal(e.store.Total())
	}
	e.geom.Flush()
	return nil
}

// Dispose stops the engine for good. Subscriber channels are closed.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	e.mu.Unlock()

	e.Reset()
	e.reactor.UnregisterTimer(e.ticker)
	if e.ownReactor {
		e.reactor.End()
		e.reactor.Wait()
	}
	e.events.close()
}

// atEnd reports whether idx is past the last command of a finished stream.
func (e *Engine) atEnd(idx int) bool {
	if e.store.Streaming() {
		return false
	}
	return idx >= e.store.Len()
}

// apply runs up to n commands from the current index. It stops early at
// the end of the loaded commands, after deadline (if set) or when the
// epoch moves away from a non-zero value. writeMu is held.
func (e *Engine) apply(n int, deadline time.Time, epoch uint64) []printer.Segment {
	var segs []printer.Segment
	idx := e.machine.State().Index
	for done := 0; done < n; {
		if epoch != 0 && e.epoch.Load() != epoch {
			break
		}
		if !deadline.IsZero() && done > 0 && time.Now().After(deadline) {
			break
		}
		cmds := e.store.Slice(e.cmdBuf[:0], idx, idx+min(n-done, applyChunk))
		e.cmdBuf = cmds
		if len(cmds) == 0 {
			break
		}
		for _, cmd := range cmds {
			if seg, ok := e.machine.Apply(cmd); ok {
				e.geom.Append(seg)
				segs = append(segs, seg)
			}
		}
		done += len(cmds)
		idx += len(cmds)
	}
	e.publishCurrent()
	return segs
}

// tick is the reactor callback that advances playback by one batch.
func (e *Engine) tick(eventtime float64) float64 {
	if !e.writeMu.TryLock() {
		// A step or seek owns the machine; it reschedules us when done.
		return eventtime + MinTickInterval.Seconds()
	}
	defer e.writeMu.Unlock()

	e.mu.Lock()
	if e.state != Running || e.seeking {
		e.mu.Unlock()
		return reactor.NEVER
	}
	epoch := e.epoch.Load()
	speed := e.speed
	e.mu.Unlock()

	start := time.Now()
	total := e.store.Total()
	e.geom.SetTotal(total)
	interval, batch := Pace(total, speed)

	before := e.Index()
	segs := e.apply(batch, start.Add(e.opts.TickBudget), epoch)
	idx := e.Index()
	if len(segs) > 0 {
		e.events.publish(SegmentsAdded{Segments: segs, Index: idx})
	}
	e.metrics.SetProgress(idx, e.store.Total())

	stalled := false
	if idx >= e.store.Len() {
		if e.atEnd(idx) {
			e.geom.Flush()
			e.metrics.RecordTick(time.Since(start), idx-before, false)

			e.mu.Lock()
			if e.state == Running && e.epoch.Load() == epoch {
				e.setStateLocked(Completed, "")
				e.logger.WithFields(log.Fields{
					"commands": idx,
					"elapsed":  e.Printer().Elapsed,
				}).Info("playback completed")
			}
			e.mu.Unlock()
			return reactor.NEVER
		}
		stalled = true
	}
	e.metrics.RecordTick(time.Since(start), idx-before, stalled)
	return eventtime + interval.Seconds()
}
