// ABOUTME: Process-wide shutdown signal shared by signal handling and the heartbeat fatal path.
// ABOUTME: One-shot broadcast built on context cancellation; the first cause wins.
package worker

import (
	"context"
	"errors"
)

// ErrPingExhausted is the killpill cause when every heartbeat attempt failed.
var ErrPingExhausted = errors.New("worker heartbeat failed on every attempt")

// Killpill is a broadcast, one-shot shutdown signal. Every long-running task
// selects on Done alongside its normal work.
type Killpill struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewKillpill derives a killpill from parent. Cancelling parent (for example
// on SIGTERM) also fires the killpill.
func NewKillpill(parent context.Context) *Killpill {
	ctx, cancel := context.WithCancelCause(parent)
	return &Killpill{ctx: ctx, cancel: cancel}
}

// Send fires the killpill. Later calls are no-ops and keep the first cause.
func (k *Killpill) Send(cause error) {
	k.cancel(cause)
}

// Context is cancelled once the killpill fires.
func (k *Killpill) Context() context.Context { return k.ctx }

// Done is closed once the killpill fires.
func (k *Killpill) Done() <-chan struct{} { return k.ctx.Done() }

// Cause returns why the killpill fired, or nil if it has not.
func (k *Killpill) Cause() error {
	if k.ctx.Err() == nil {
		return nil
	}
	return context.Cause(k.ctx)
}
