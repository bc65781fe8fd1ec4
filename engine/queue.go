package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/agentsync/internal/state"
)

// queues owns the two durable outbound records: the offline action
// queue and the pending message store. All mutation happens on the
// engine's event loop; the mutex exists so external consumers can take
// read-only snapshots without racing it.
//
// Every mutation is written through to bbolt before the in-memory
// mirror changes. A nil or failing store degrades to memory-only
// operation: the engine keeps running and the failure is logged and
// reported once through the engine's error event.
type queues struct {
	mu        sync.Mutex
	sessionID string
	store     *state.Store
	logger    *slog.Logger

	actions  []state.PendingAction
	messages []state.OutboundMessage

	// failed tracks entry ids that already produced a terminal failure
	// event, so duplicate failures for the same entity are suppressed.
	failed map[string]struct{}
}

func newQueues(sessionID string, store *state.Store, logger *slog.Logger) *queues {
	return &queues{
		sessionID: sessionID,
		store:     store,
		logger:    logger,
		failed:    make(map[string]struct{}),
	}
}

// load reloads both queues from the durable store. Called once at
// engine start; entries left by a prior process become eligible for
// transmission again.
func (q *queues) load() error {
	if q.store == nil {
		return nil
	}

	actions, err := q.store.AllActions(q.sessionID)
	if err != nil {
		return err
	}

	messages, err := q.store.AllOutbound(q.sessionID)
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.actions = actions
	q.messages = messages
	q.mu.Unlock()

	return nil
}

// appendAction enqueues a pending action. Duplicate ids are ignored;
// the id is the idempotency key, not the content.
func (q *queues) appendAction(a state.PendingAction) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, existing := range q.actions {
		if existing.ID == a.ID {
			return
		}
	}

	if q.store != nil {
		if err := q.store.AppendAction(q.sessionID, a); err != nil {
			q.logger.Warn("failed to persist pending action, continuing in memory",
				slog.String("id", a.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	q.actions = append(q.actions, a)
}

// appendMessage enqueues an outbound message.
func (q *queues) appendMessage(m state.OutboundMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, existing := range q.messages {
		if existing.ID == m.ID {
			return
		}
	}

	if q.store != nil {
		if err := q.store.AppendOutbound(q.sessionID, m); err != nil {
			q.logger.Warn("failed to persist outbound message, continuing in memory",
				slog.String("id", m.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	q.messages = append(q.messages, m)
}

// ack removes the entry with the given id from whichever queue holds
// it, returning true if found. Called on positive server acknowledgment
// only; mere disconnects never remove entries.
func (q *queues) ack(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.removeLocked(id)
}

// fail removes the entry and records it as terminally failed. The
// second return is false when a failure for this id was already
// reported, letting the caller suppress duplicate failure events.
func (q *queues) fail(id string) (removed, first bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed = q.removeLocked(id)

	if _, seen := q.failed[id]; seen {
		return removed, false
	}

	q.failed[id] = struct{}{}

	return removed, true
}

func (q *queues) removeLocked(id string) bool {
	for i, a := range q.actions {
		if a.ID == id {
			q.actions = append(q.actions[:i], q.actions[i+1:]...)

			if q.store != nil {
				if err := q.store.DeleteAction(q.sessionID, id); err != nil {
					q.logger.Warn("failed to delete persisted action",
						slog.String("id", id),
						slog.String("error", err.Error()),
					)
				}
			}

			return true
		}
	}

	for i, m := range q.messages {
		if m.ID == id {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)

			if q.store != nil {
				if err := q.store.DeleteOutbound(q.sessionID, id); err != nil {
					q.logger.Warn("failed to delete persisted message",
						slog.String("id", id),
						slog.String("error", err.Error()),
					)
				}
			}

			return true
		}
	}

	return false
}

// nextAction returns the head of the action queue without removing it.
// Replay sends the head, waits for its terminal outcome, and only then
// moves to the next entry, preserving user-intent ordering.
func (q *queues) nextAction() (state.PendingAction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.actions) == 0 {
		return state.PendingAction{}, false
	}

	return q.actions[0], true
}

// nextMessage returns the head of the message queue without removing it.
func (q *queues) nextMessage() (state.OutboundMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return state.OutboundMessage{}, false
	}

	return q.messages[0], true
}

// bumpAttempts increments the attempts counter for an action. The
// counter exists for observability only; it never expires the entry.
func (q *queues) bumpAttempts(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.actions {
		if q.actions[i].ID != id {
			continue
		}

		q.actions[i].Attempts++

		if q.store != nil {
			if err := q.store.UpdateAction(q.sessionID, q.actions[i]); err != nil {
				q.logger.Warn("failed to persist action attempts",
					slog.String("id", id),
					slog.String("error", err.Error()),
				)
			}
		}

		return
	}
}

// dropStale removes and returns actions older than the staleness
// window. Stale entries are dropped with a terminal failure rather
// than retried indefinitely against a server that already expired them.
func (q *queues) dropStale(now time.Time, staleAfter time.Duration) []state.PendingAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	var stale []state.PendingAction

	kept := q.actions[:0]
	for _, a := range q.actions {
		age := now.Sub(time.UnixMilli(a.EnqueuedAt))
		if age > staleAfter {
			stale = append(stale, a)
			q.failed[a.ID] = struct{}{}

			if q.store != nil {
				if err := q.store.DeleteAction(q.sessionID, a.ID); err != nil {
					q.logger.Warn("failed to delete stale action",
						slog.String("id", a.ID),
						slog.String("error", err.Error()),
					)
				}
			}

			continue
		}

		kept = append(kept, a)
	}

	q.actions = kept

	return stale
}

// clearMessages drops the whole pending message store. Used when the
// server reports queue_cleared after flushing its inbound queue.
func (q *queues) clearMessages() []state.OutboundMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := q.messages
	q.messages = nil

	if q.store != nil {
		for _, m := range dropped {
			if err := q.store.DeleteOutbound(q.sessionID, m.ID); err != nil {
				q.logger.Warn("failed to delete cleared message",
					slog.String("id", m.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	return dropped
}

// snapshotActions returns a copy of the pending actions for external
// consumers. Callers must never mutate queue contents directly.
func (q *queues) snapshotActions() []state.PendingAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]state.PendingAction, len(q.actions))
	copy(out, q.actions)

	return out
}

// snapshotMessages returns a copy of the pending outbound messages.
func (q *queues) snapshotMessages() []state.OutboundMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]state.OutboundMessage, len(q.messages))
	copy(out, q.messages)

	return out
}
