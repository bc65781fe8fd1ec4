package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// handleInbound processes a single decoded frame from the server, in
// strict arrival order. Returning an error tears down the connection;
// most conditions are absorbed here instead.
func (e *Engine) handleInbound(ctx context.Context, data []byte) error {
	msg, err := Decode(data)
	if err != nil {
		e.logger.Debug("undecodable frame", slog.String("error", err.Error()))
		return nil
	}

	switch m := msg.(type) {
	case StreamEnvelope:
		e.dispatchStream(m)
		return nil

	case Queued:
		e.handleAck(m)
		return nil

	case QueueCleared:
		for _, dropped := range e.queues.clearMessages() {
			if _, first := e.queues.fail(dropped.ID); first {
				e.emit(Event{
					Kind:     EventActionFailed,
					ActionID: dropped.ID,
					Reason:   "queue_cleared",
					Err:      fmt.Errorf("server cleared its inbound queue"),
				})
			}
		}

		return nil

	case ReconnectComplete:
		return e.handleReconnectComplete(m)

	case CursorEvicted:
		return e.handleCursorEvicted(ctx, m)

	case CursorInvalid:
		return e.handleCursorInvalid(ctx, m)

	case History:
		for _, env := range m.Events {
			e.dispatchStream(env)
		}

		return nil

	case ServerError:
		return e.handleServerError(m)

	case ModelChanged:
		e.sessMu.Lock()
		e.session.Model = m.Model
		e.sessMu.Unlock()

		e.emit(Event{Kind: EventModelChanged, Model: m.Model})

		return nil

	case PermissionModeChanged:
		e.sessMu.Lock()
		e.session.PermissionMode = m.PermissionMode
		e.sessMu.Unlock()

		e.emit(Event{Kind: EventPermissionModeChanged, PermissionMode: m.PermissionMode})

		return nil

	case Stopped:
		e.emit(Event{Kind: EventTaskCompleted, Reason: m.Reason})
		return nil

	case Interrupted:
		e.emit(Event{Kind: EventInterrupted})
		return nil

	case SessionEvent:
		e.logger.Debug("session event", slog.String("event", m.Event))
		return nil

	case Ping:
		return e.writeFrame(ctx, Pong{Type: TypePong})

	case Pong:
		return nil

	case Unknown:
		e.logger.Debug("unknown frame type", slog.String("type", m.Type))
		return nil

	default:
		return nil
	}
}

// dispatchStream delivers one stream envelope. The cursor advances
// before handlers run, so a crash mid-handler cannot replay an event
// the cursor already passed: handlers get at-least-once delivery, the
// cursor advances at most once per event. Events at or behind the
// cursor are duplicates from a replay and are skipped entirely.
func (e *Engine) dispatchStream(env StreamEnvelope) {
	cursor := e.Session().Cursor
	if cursor != "" && !messageIDLess(cursor, env.ID) {
		e.logger.Debug("skipping duplicate stream event",
			slog.String("id", env.ID),
			slog.String("cursor", cursor),
		)

		return
	}

	e.advanceCursor(env.ID)

	e.emit(Event{Kind: EventMessage, Envelope: &env})

	switch env.Message.Type {
	case KindPermission:
		e.emit(Event{Kind: EventApprovalNeeded, Envelope: &env})
	case KindQuestion:
		e.emit(Event{Kind: EventQuestionAsked, Envelope: &env})
	}

	if e.replayActive && e.replayRemaining > 0 {
		e.replayRemaining--
		if e.replayRemaining == 0 {
			e.replayActive = false
			e.emit(Event{Kind: EventResyncComplete, Reason: "gap_replay"})
		}
	}
}

// advanceCursor moves the cursor to the given id and persists it. A
// persistence failure degrades to in-memory tracking; the stream keeps
// flowing.
func (e *Engine) advanceCursor(id string) {
	e.sessMu.Lock()
	e.session.Cursor = id
	sessionID := e.session.SessionID
	e.sessMu.Unlock()

	if e.store == nil || sessionID == "" {
		return
	}

	if err := e.store.SetCursor(sessionID, id); err != nil {
		e.logger.Warn("failed to persist cursor",
			slog.String("cursor", id),
			slog.String("error", err.Error()),
		)
	}
}

// handleAck processes a queued acknowledgment for an outbound entry.
func (e *Engine) handleAck(m Queued) {
	if e.inflight.id == m.ID {
		e.inflight = inflightEntry{}
	}

	if e.queues.ack(m.ID) {
		e.emit(Event{Kind: EventActionAcked, ActionID: m.ID})
	}
}

// handleReconnectComplete begins gap-replay accounting: the server will
// push MissedCount buffered events which the dispatcher consumes like
// any live stream traffic.
func (e *Engine) handleReconnectComplete(m ReconnectComplete) error {
	e.logger.Info("gap replay",
		slog.Int("missed", m.MissedCount),
		slog.String("from", m.FromMessageID),
	)

	e.emit(Event{Kind: EventResyncStarted, Reason: "gap_replay"})

	if m.MissedCount <= 0 {
		e.emit(Event{Kind: EventResyncComplete, Reason: "gap_replay"})
		return nil
	}

	e.replayActive = true
	e.replayRemaining = m.MissedCount

	return nil
}

// handleCursorEvicted runs the bulk catch-up path: the server discarded
// its replay buffer, so history is fetched over REST starting after the
// last id the server still knows, then streaming resumes. The
// dispatcher's duplicate skip keeps already-seen events from being
// delivered twice.
func (e *Engine) handleCursorEvicted(ctx context.Context, m CursorEvicted) error {
	e.logger.Info("cursor evicted, fetching history",
		slog.String("last_message_id", m.LastMessageID),
	)

	e.emit(Event{Kind: EventResyncStarted, Reason: "catch_up"})

	after := e.Session().Cursor
	if after == "" {
		after = m.LastMessageID
	}

	if err := e.fetchHistory(ctx, after); err != nil {
		// Tear the connection down; the next reconnect cycle retries
		// the resync from the persisted cursor.
		e.emit(Event{Kind: EventResyncFailed, Reason: "catch_up", Err: err})

		return fmt.Errorf("catch-up fetch: %w", err)
	}

	e.emit(Event{Kind: EventResyncComplete, Reason: "catch_up"})

	return nil
}

// handleCursorInvalid runs the full-resync path: the cursor is
// unrecoverable, so it is discarded and history is rebuilt from the
// start before streaming resumes.
func (e *Engine) handleCursorInvalid(ctx context.Context, m CursorInvalid) error {
	e.logger.Warn("cursor invalid, full resync",
		slog.String("last_message_id", m.LastMessageID),
	)

	e.emit(Event{Kind: EventResyncStarted, Reason: "full_resync"})

	e.sessMu.Lock()
	e.session.Cursor = ""
	sessionID := e.session.SessionID
	e.sessMu.Unlock()

	if e.store != nil && sessionID != "" {
		if err := e.store.ClearCursor(sessionID); err != nil {
			e.logger.Warn("failed to clear persisted cursor",
				slog.String("error", err.Error()),
			)
		}
	}

	if err := e.fetchHistory(ctx, ""); err != nil {
		e.emit(Event{Kind: EventResyncFailed, Reason: "full_resync", Err: err})

		return fmt.Errorf("full resync fetch: %w", err)
	}

	e.emit(Event{Kind: EventResyncComplete, Reason: "full_resync"})

	return nil
}

// fetchHistory pulls ordered history pages after the given id and
// feeds them through the dispatcher, advancing the cursor as it goes.
func (e *Engine) fetchHistory(ctx context.Context, after string) error {
	sessionID := e.Session().SessionID

	for {
		page, err := e.history.History(ctx, sessionID, after)
		if err != nil {
			return err
		}

		for _, env := range page.Events {
			e.dispatchStream(env)
			after = env.ID
		}

		if !page.HasMore {
			return nil
		}

		if len(page.Events) == 0 {
			return fmt.Errorf("history page empty but has_more set")
		}
	}
}

// handleServerError applies the error taxonomy to a server-reported
// error. Transient classes are absorbed; fatal ones end the run.
func (e *Engine) handleServerError(m ServerError) error {
	if m.RefID != "" {
		return e.handleEntryError(m)
	}

	switch m.Class() {
	case ClassSessionFatal:
		e.emit(Event{Kind: EventTaskFailed, Err: m})
		return fmt.Errorf("%w: %w", ErrSessionFatal, m)

	case ClassRetry:
		if m.Code == CodeConnectionReplaced {
			e.emit(Event{Kind: EventTaskFailed, Reason: "connected_elsewhere", Err: m})
			return ErrConnectionReplaced
		}

		e.logger.Warn("transient server error", slog.String("code", m.Code))

		return nil

	case ClassBackpressure:
		e.applyBackpressure(m)
		return nil

	default:
		e.logger.Warn("server error",
			slog.String("code", m.Code),
			slog.String("message", m.Message),
		)

		return nil
	}
}

// handleEntryError resolves a server error that names a specific
// pending entry.
func (e *Engine) handleEntryError(m ServerError) error {
	if e.inflight.id == m.RefID {
		e.inflight = inflightEntry{}
	}

	switch m.Class() {
	case ClassRejected:
		// Permanently rejected: drop exactly this entry, report once.
		if _, first := e.queues.fail(m.RefID); first {
			e.emit(Event{Kind: EventActionFailed, ActionID: m.RefID, Err: m})
		}

		return nil

	case ClassSessionFatal:
		e.emit(Event{Kind: EventTaskFailed, Err: m})
		return fmt.Errorf("%w: %w", ErrSessionFatal, m)

	case ClassBackpressure:
		// The entry stays queued; retry after the server's window.
		e.applyBackpressure(m)
		return nil

	default:
		// Transient: leave the entry in place for the next attempt.
		e.logger.Warn("send failed, will retry",
			slog.String("id", m.RefID),
			slog.String("code", m.Code),
		)

		return nil
	}
}

func (e *Engine) applyBackpressure(m ServerError) {
	delay := m.RetryAfter()
	if delay <= 0 {
		delay = reconnectMin
	}

	e.retryNotBefore = time.Now().Add(delay)
	e.logger.Info("backpressure from server",
		slog.String("code", m.Code),
		slog.Duration("retry_after", delay),
	)
}

// emit delivers one event to every registered handler, in registration
// order. A panicking handler is isolated and reported; it never blocks
// delivery to the remaining handlers or dispatch of later envelopes.
func (e *Engine) emit(ev Event) {
	e.handlersMu.RLock()
	handlers := make([]EventHandler, len(e.handlers))
	copy(handlers, e.handlers)
	e.handlersMu.RUnlock()

	for _, fn := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("event handler panicked",
						slog.String("kind", string(ev.Kind)),
						slog.Any("panic", r),
					)
				}
			}()

			fn(ev)
		}()
	}
}
