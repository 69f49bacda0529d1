package playback

import (
	"context"
	"fmt"
)

// Action is one control request. The set is closed; Dispatch handles
// every implementation in this package.
type Action interface {
	action()
}

type (
	StartAction       struct{}
	PauseAction       struct{}
	ResumeAction      struct{}
	StopAction        struct{}
	ResetAction       struct{}
	StepForwardAction struct{ N int }
	StepBackAction    struct{ N int }
	JumpToAction      struct{ Index int }
	SetSpeedAction    struct{ Multiplier float64 }
	SetPointCapAction struct{ N int }
)

func (StartAction) action()       {}
func (PauseAction) action()       {}
func (ResumeAction) action()      {}
func (StopAction) action()        {}
func (ResetAction) action()       {}
func (StepForwardAction) action() {}
func (StepBackAction) action()    {}
func (JumpToAction) action()      {}
func (SetSpeedAction) action()    {}
func (SetPointCapAction) action() {}

// Dispatch applies a control action. Seeks block until done or ctx ends.
func (e *Engine) Dispatch(ctx context.Context, a Action) error {
	switch a := a.(type) {
	case StartAction:
		return e.Start()
	case PauseAction:
		return e.Pause()
	case ResumeAction:
		return e.Resume()
	case StopAction:
		e.Stop()
		return nil
	case ResetAction:
		e.Reset()
		return nil
	case StepForwardAction:
		return e.StepForward(a.N)
	case StepBackAction:
		return e.StepBack(ctx, a.N)
	case JumpToAction:
		return e.JumpTo(ctx, a.Index)
	case SetSpeedAction:
		return e.SetPlaybackSpeed(a.Multiplier)
	case SetPointCapAction:
		return e.SetGeometryPointCap(a.N)
	default:
		panic(fmt.Sprintf("playback: unhandled action %T", a))
	}
}
