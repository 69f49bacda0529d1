package playback

import (
	"context"
	"runtime"
	"time"

	"gcode-sim/pkg/errors"
	"gcode-sim/pkg/log"
	"gcode-sim/pkg/reactor"
)

func yield() { runtime.Gosched() }

func errorCode(err error) string {
	if code := errors.CodeOf(err); code != "" {
		return string(code)
	}
	return "INTERNAL"
}

// JumpTo moves playback so that exactly target commands have been applied,
// by resetting the machine and replaying [0, target). The target is clamped
// to the loaded commands; while the stream is still loading the seek waits
// for it, and fails with SEEK_TIMEOUT if ingestion stalls. A negative target
// is ignored. A running program keeps running unless the target is the end.
//
// A later JumpTo, Stop or Reset cancels the seek within one replay batch.
func (e *Engine) JumpTo(ctx context.Context, target int) error {
	if target < 0 {
		return nil
	}

	e.mu.Lock()
	if e.state == Error {
		defer e.mu.Unlock()
		return errors.StateError("seek", e.state.String())
	}
	if e.seekCancel != nil {
		e.seekCancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.seekGen++
	gen := e.seekGen
	e.seekCancel = cancel
	e.seeking = true
	e.epoch.Add(1)
	e.reactor.UpdateTimer(e.ticker, reactor.NEVER)
	e.mu.Unlock()

	start := time.Now()
	reached, err := e.seek(ctx, target)
	e.finishSeek(gen, target, reached, err, time.Since(start))
	return err
}

func (e *Engine) seek(ctx context.Context, target int) (int, error) {
	if err := e.waitForLoaded(ctx, target); err != nil {
		return 0, err
	}
	if loaded := e.store.Len(); target > loaded {
		target = loaded
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, errors.CancelledError("seek", err)
	}

	e.machine.Reset()
	e.geom.Clear()
	e.geom.SetTotal(e.store.Total())

	for from := 0; from < target; {
		if err := ctx.Err(); err != nil {
			e.publishCurrent()
			e.geom.Flush()
			return from, errors.CancelledError("seek", err)
		}
		to := min(from+e.opts.ReplayBatch, target)
		cmds := e.store.Slice(e.cmdBuf[:0], from, to)
		e.cmdBuf = cmds
		if len(cmds) != to-from {
			e.publishCurrent()
			return from, errors.InvariantError("command store shrank during seek")
		}
		for _, cmd := range cmds {
			if seg, ok := e.machine.Apply(cmd); ok {
				e.geom.Append(seg)
			}
		}
		from = to

		e.publishCurrent()
		e.events.publish(SeekProgress{
			Phase:   "replay",
			Target:  target,
			Done:    from,
			Percent: 100 * float64(from) / float64(target),
		})
		e.opts.Yield()
	}

	e.publishCurrent()
	e.geom.Flush()
	e.metrics.SetProgress(target, e.store.Total())
	return target, nil
}

// waitForLoaded polls until target commands are loaded or the stream ends.
// It gives up when the loaded count has not grown for SeekStallTimeout.
func (e *Engine) waitForLoaded(ctx context.Context, target int) error {
	poll := time.NewTicker(e.opts.SeekPollInterval)
	defer poll.Stop()

	last := e.store.Len()
	grew := time.Now()
	for {
		if !e.store.Streaming() {
			return nil
		}
		loaded := e.store.Len()
		if loaded >= target {
			return nil
		}
		if loaded > last {
			last, grew = loaded, time.Now()
		} else if time.Since(grew) >= e.opts.SeekStallTimeout {
			return errors.SeekTimeoutError(target, loaded)
		}

		e.events.publish(SeekProgress{
			Phase:   "waiting",
			Target:  target,
			Done:    loaded,
			Percent: 100 * float64(loaded) / float64(target),
		})
		select {
		case <-ctx.Done():
			return errors.CancelledError("seek", ctx.Err())
		case <-poll.C:
		}
	}
}

func (e *Engine) finishSeek(gen uint64, target, reached int, err error, d time.Duration) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, errors.ErrSeekTimeout):
		result = "timeout"
	case errors.Is(err, errors.ErrCancelled):
		result = "cancelled"
	default:
		result = "error"
	}
	e.metrics.RecordSeek(d, result)
	e.logger.WithFields(log.Fields{
		"target":  target,
		"reached": reached,
		"result":  result,
		"elapsed": d.String(),
	}).Debug("seek finished")

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.seekGen {
		// Superseded by a newer seek, which owns the controller now.
		return
	}
	e.seeking = false
	e.seekCancel = nil

	if err != nil {
		switch {
		case errors.IsFatal(err):
			e.failLocked(err)
			return
		case errors.Is(err, errors.ErrSeekTimeout):
			e.events.publish(ErrorEvent{Code: errorCode(err), Message: err.Error()})
		}
		if e.state == Running {
			e.reactor.UpdateTimer(e.ticker, reactor.NOW)
		}
		return
	}

	switch {
	case e.store.Len() > 0 && e.atEnd(reached) && e.state != Loading:
		e.setStateLocked(Completed, "")
	case e.state == Completed:
		e.setStateLocked(Paused, "")
	case e.state == Running:
		e.reactor.UpdateTimer(e.ticker, reactor.NOW)
	}
}
