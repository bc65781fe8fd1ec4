package engine

import (
	"context"
	"log/slog"
	"time"
)

// lifecycleSignal is a foreground/background/termination notice from
// the platform layer, delivered to the event loop over lifecycleCh.
type lifecycleSignal int

const (
	sigForeground lifecycleSignal = iota
	sigPause
	sigTerminate
)

// OnForeground tells the engine the app returned to the foreground.
// A paused engine resumes reconnection immediately.
func (e *Engine) OnForeground() {
	e.pauseMu.Lock()
	if e.budgetTimer != nil {
		e.budgetTimer.Stop()
		e.budgetTimer = nil
	}

	e.paused = false
	e.extended = false
	e.pauseMu.Unlock()

	e.sendLifecycle(sigForeground)
	e.wakeResume()
}

// OnBackground tells the engine the app moved to the background with
// the given execution-time budget. When the budget nears exhaustion the
// engine asks for extra time once (if a RequestExtraTime callback is
// configured), then flushes and pauses.
func (e *Engine) OnBackground(budget time.Duration) {
	if budget <= 0 {
		e.budgetExpired()
		return
	}

	e.pauseMu.Lock()
	if e.budgetTimer != nil {
		e.budgetTimer.Stop()
	}

	e.extended = false
	e.budgetTimer = time.AfterFunc(budget, e.budgetExpired)
	e.pauseMu.Unlock()
}

// OnTerminating tells the engine the process is about to die. State is
// already durable after every mutation, so teardown is immediate.
func (e *Engine) OnTerminating() {
	e.sendLifecycle(sigTerminate)

	if err := e.Close(); err != nil {
		e.logger.Warn("close on termination", slog.String("error", err.Error()))
	}
}

// budgetExpired fires when the background budget runs out. One
// extension may be granted by the consumer; after that the engine
// pauses.
func (e *Engine) budgetExpired() {
	if e.cfg.RequestExtraTime != nil {
		e.pauseMu.Lock()
		alreadyExtended := e.extended
		e.pauseMu.Unlock()

		if !alreadyExtended {
			if extra := e.cfg.RequestExtraTime(); extra > 0 {
				e.pauseMu.Lock()
				e.extended = true
				e.budgetTimer = time.AfterFunc(extra, e.budgetExpired)
				e.pauseMu.Unlock()

				e.logger.Info("background budget extended",
					slog.Duration("extra", extra),
				)

				return
			}
		}
	}

	e.pauseMu.Lock()
	e.paused = true
	e.budgetTimer = nil
	e.pauseMu.Unlock()

	e.sendLifecycle(sigPause)
}

func (e *Engine) isPaused() bool {
	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()

	return e.paused
}

func (e *Engine) sendLifecycle(sig lifecycleSignal) {
	select {
	case e.lifecycleCh <- sig:
	default:
		e.logger.Warn("lifecycle signal dropped, channel full")
	}
}

// handleLifecycleConnected processes a lifecycle signal on the live
// event loop. Pausing cancels the connection after durable state is
// settled (every queue and cursor mutation is already written through)
// and emits exactly one paused event instead of silently dropping
// state.
func (e *Engine) handleLifecycleConnected(ctx context.Context, sig lifecycleSignal) error {
	switch sig {
	case sigPause:
		e.emit(Event{Kind: EventTaskPaused, Reason: "background_budget"})
		return errPaused

	case sigTerminate:
		return ErrClosed

	case sigForeground:
		// Already connected; nothing to resume.
		return e.pumpOutbound(ctx)
	}

	return nil
}

// handleLifecycleDisconnected processes a lifecycle signal while in
// the reconnect loop.
func (e *Engine) handleLifecycleDisconnected(sig lifecycleSignal) {
	switch sig {
	case sigPause:
		// An in-flight reconnection is being cancelled by the budget.
		// Queues and cursor are durable; emit the paused event and let
		// the reconnect loop idle until foregrounded.
		e.emit(Event{Kind: EventTaskPaused, Reason: "background_budget"})

	case sigTerminate:
		if err := e.machine.transition(StateClosed); err != nil {
			e.logger.Warn("state transition failed", slog.String("error", err.Error()))
		}

	case sigForeground:
		// Resume retrying immediately; the backoff attempt counter is
		// left alone, only the current wait is cut short.
	}
}
