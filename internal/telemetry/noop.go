package telemetry

import "context"

// NoOp is a Recorder that does nothing.
type NoOp struct{}

func NewNoOp() *NoOp {
	return &NoOp{}
}

func (NoOp) SessionStarted(context.Context, string)          {}
func (NoOp) SessionEnded(context.Context, string, int, bool) {}
func (NoOp) PhaseEntered(context.Context, string)            {}
func (NoOp) ConnectionFailed(context.Context, string)        {}
func (NoOp) Close(context.Context) error                     { return nil }
