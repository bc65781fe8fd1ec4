package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/agentsync/internal/state"
)

// eventRecorder collects emitted events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handler(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) byKind(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}

	return out
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}

	return out
}

// fakeHistory records History calls and serves canned pages in order.
type fakeHistory struct {
	afters []string
	pages  []HistoryPage
	err    error
}

func (f *fakeHistory) History(_ context.Context, _ string, after string) (HistoryPage, error) {
	f.afters = append(f.afters, after)

	if f.err != nil {
		return HistoryPage{}, f.err
	}

	if len(f.pages) == 0 {
		return HistoryPage{}, nil
	}

	page := f.pages[0]
	f.pages = f.pages[1:]

	return page, nil
}

func noDial(context.Context) (wsConn, error) {
	return nil, errors.New("dial not expected")
}

func newDispatchEngine(t *testing.T, history HistoryFetcher) (*Engine, *eventRecorder) {
	t.Helper()

	e, err := New(Config{
		SessionID: "s1",
		Dialer:    noDial,
		History:   history,
	}, discardLogger())
	require.NoError(t, err)

	rec := &eventRecorder{}
	e.OnEvent(rec.handler)

	return e, rec
}

func streamFrame(id, kind, text string) []byte {
	return fmt.Appendf(nil,
		`{"type":"message","id":%q,"timestamp":1,"message":{"type":%q,"text":%q}}`,
		id, kind, text)
}

func streamEnv(id, kind string) StreamEnvelope {
	return StreamEnvelope{
		Type:    TypeMessage,
		ID:      id,
		Message: StreamMessage{Type: kind},
	}
}

func TestDispatchStream_AdvancesCursor(t *testing.T) {
	e, rec := newDispatchEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, e.handleInbound(ctx, streamFrame("m1", KindAssistant, "hi")))

	assert.Equal(t, "m1", e.Session().Cursor)

	msgs := rec.byKind(EventMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].Envelope.ID)
	assert.Equal(t, "hi", msgs[0].Envelope.Message.Text)
}

func TestDispatchStream_SkipsDuplicates(t *testing.T) {
	e, rec := newDispatchEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, e.handleInbound(ctx, streamFrame("m2", KindAssistant, "a")))
	require.NoError(t, e.handleInbound(ctx, streamFrame("m2", KindAssistant, "a")))
	require.NoError(t, e.handleInbound(ctx, streamFrame("m1", KindAssistant, "late")))

	assert.Len(t, rec.byKind(EventMessage), 1)
	assert.Equal(t, "m2", e.Session().Cursor)
}

func TestDispatchStream_PersistsCursor(t *testing.T) {
	store, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()

	e, err := New(Config{
		SessionID: "s1",
		Dialer:    noDial,
		Store:     store,
	}, discardLogger())
	require.NoError(t, err)

	require.NoError(t, e.handleInbound(context.Background(), streamFrame("m7", KindAssistant, "x")))

	cursor, err := store.Cursor("s1")
	require.NoError(t, err)
	assert.Equal(t, "m7", cursor)
}

func TestDispatchStream_PermissionKindEmitsApprovalNeeded(t *testing.T) {
	e, rec := newDispatchEngine(t, nil)

	require.NoError(t, e.handleInbound(context.Background(),
		[]byte(`{"type":"message","id":"m1","timestamp":1,"message":{"type":"permission","request_id":"r1","tool_name":"bash"}}`)))

	approvals := rec.byKind(EventApprovalNeeded)
	require.Len(t, approvals, 1)
	assert.Equal(t, "r1", approvals[0].Envelope.Message.RequestID)
}

func TestDispatchStream_QuestionKindEmitsQuestionAsked(t *testing.T) {
	e, rec := newDispatchEngine(t, nil)

	require.NoError(t, e.handleInbound(context.Background(),
		[]byte(`{"type":"message","id":"m1","timestamp":1,"message":{"type":"question","request_id":"r2"}}`)))

	assert.Len(t, rec.byKind(EventQuestionAsked), 1)
}

// Gap replay: reconnect with cursor m100, server buffered three events.
func TestGapReplay(t *testing.T) {
	e, rec := newDispatchEngine(t, nil)
	ctx := context.Background()

	e.advanceCursor("m100")

	require.NoError(t, e.handleInbound(ctx,
		[]byte(`{"type":"reconnect_complete","missed_count":3,"from_message_id":"m100"}`)))

	// The server replays the last acknowledged event too; it must be
	// skipped, not delivered or counted.
	require.NoError(t, e.handleInbound(ctx, streamFrame("m100", KindAssistant, "dup")))
	require.NoError(t, e.handleInbound(ctx, streamFrame("m101", KindAssistant, "a")))
	require.NoError(t, e.handleInbound(ctx, streamFrame("m102", KindAssistant, "b")))
	require.NoError(t, e.handleInbound(ctx, streamFrame("m103", KindAssistant, "c")))

	msgs := rec.byKind(EventMessage)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m101", msgs[0].Envelope.ID)
	assert.Equal(t, "m103", msgs[2].Envelope.ID)

	started := rec.byKind(EventResyncStarted)
	require.Len(t, started, 1)
	assert.Equal(t, "gap_replay", started[0].Reason)

	complete := rec.byKind(EventResyncComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, "gap_replay", complete[0].Reason)

	// Completion fires after the last replayed message was delivered.
	kinds := rec.kinds()
	assert.Equal(t, EventResyncComplete, kinds[len(kinds)-1])

	assert.Equal(t, "m103", e.Session().Cursor)
}

func TestGapReplay_ZeroMissed(t *testing.T) {
	e, rec := newDispatchEngine(t, nil)

	require.NoError(t, e.handleInbound(context.Background(),
		[]byte(`{"type":"reconnect_complete","missed_count":0,"from_message_id":"m5"}`)))

	assert.Len(t, rec.byKind(EventResyncStarted), 1)
	assert.Len(t, rec.byKind(EventResyncComplete), 1)
}

// Cursor eviction: the server discarded its buffer, history is fetched
// over REST exactly once, and nothing is delivered twice.
func TestCursorEvicted_CatchUp(t *testing.T) {
	fetcher := &fakeHistory{
		pages: []HistoryPage{{
			Events: []StreamEnvelope{
				streamEnv("m51", KindAssistant),
				streamEnv("m52", KindAssistant),
			},
		}},
	}

	e, rec := newDispatchEngine(t, fetcher)
	ctx := context.Background()

	e.advanceCursor("m50")

	require.NoError(t, e.handleInbound(ctx,
		[]byte(`{"type":"cursor_evicted","last_message_id":"m50","recommendation":"fetch_from_rest"}`)))

	require.Equal(t, []string{"m50"}, fetcher.afters)

	msgs := rec.byKind(EventMessage)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m51", msgs[0].Envelope.ID)
	assert.Equal(t, "m52", msgs[1].Envelope.ID)
	assert.Equal(t, "m52", e.Session().Cursor)

	started := rec.byKind(EventResyncStarted)
	require.Len(t, started, 1)
	assert.Equal(t, "catch_up", started[0].Reason)
	require.Len(t, rec.byKind(EventResyncComplete), 1)

	// Live streaming resumes; an overlapping event is a duplicate.
	require.NoError(t, e.handleInbound(ctx, streamFrame("m52", KindAssistant, "dup")))
	assert.Len(t, rec.byKind(EventMessage), 2)
}

func TestCursorEvicted_NoLocalCursorUsesServerHint(t *testing.T) {
	fetcher := &fakeHistory{}
	e, _ := newDispatchEngine(t, fetcher)

	require.NoError(t, e.handleInbound(context.Background(),
		[]byte(`{"type":"cursor_evicted","last_message_id":"m80"}`)))

	assert.Equal(t, []string{"m80"}, fetcher.afters)
}

func TestCursorEvicted_FetchFailureTearsDown(t *testing.T) {
	fetcher := &fakeHistory{err: errors.New("boom")}
	e, rec := newDispatchEngine(t, fetcher)

	e.advanceCursor("m50")

	err := e.handleInbound(context.Background(),
		[]byte(`{"type":"cursor_evicted","last_message_id":"m50"}`))

	require.ErrorContains(t, err, "catch-up fetch")
	// The cursor is untouched so the next cycle retries from it.
	assert.Equal(t, "m50", e.Session().Cursor)

	// The started interval is closed by a failure marker, never left open.
	require.Len(t, rec.byKind(EventResyncStarted), 1)
	assert.Empty(t, rec.byKind(EventResyncComplete))

	failed := rec.byKind(EventResyncFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "catch_up", failed[0].Reason)
	assert.ErrorContains(t, failed[0].Err, "boom")
}

func TestCursorInvalid_FetchFailureClosesInterval(t *testing.T) {
	fetcher := &fakeHistory{err: errors.New("rest down")}
	e, rec := newDispatchEngine(t, fetcher)

	err := e.handleInbound(context.Background(),
		[]byte(`{"type":"cursor_invalid","last_message_id":"m9"}`))

	require.ErrorContains(t, err, "full resync fetch")
	assert.Empty(t, rec.byKind(EventResyncComplete))

	failed := rec.byKind(EventResyncFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "full_resync", failed[0].Reason)
}

// Full resync: the cursor is unrecoverable and history is rebuilt from
// the start.
func TestCursorInvalid_FullResync(t *testing.T) {
	store, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()

	fetcher := &fakeHistory{
		pages: []HistoryPage{{
			Events: []StreamEnvelope{
				streamEnv("m1", KindAssistant),
				streamEnv("m2", KindAssistant),
			},
		}},
	}

	e, err := New(Config{
		SessionID: "s1",
		Dialer:    noDial,
		History:   fetcher,
		Store:     store,
	}, discardLogger())
	require.NoError(t, err)

	rec := &eventRecorder{}
	e.OnEvent(rec.handler)

	e.advanceCursor("m99")

	require.NoError(t, e.handleInbound(context.Background(),
		[]byte(`{"type":"cursor_invalid","last_message_id":"m99","recommendation":"full_resync"}`)))

	// Fetch starts from the beginning, not the stale cursor.
	assert.Equal(t, []string{""}, fetcher.afters)
	assert.Len(t, rec.byKind(EventMessage), 2)
	assert.Equal(t, "m2", e.Session().Cursor)

	cursor, err := store.Cursor("s1")
	require.NoError(t, err)
	assert.Equal(t, "m2", cursor)

	started := rec.byKind(EventResyncStarted)
	require.Len(t, started, 1)
	assert.Equal(t, "full_resync", started[0].Reason)
}

func TestFetchHistory_Paged(t *testing.T) {
	fetcher := &fakeHistory{
		pages: []HistoryPage{
			{Events: []StreamEnvelope{streamEnv("m1", KindAssistant)}, HasMore: true},
			{Events: []StreamEnvelope{streamEnv("m2", KindAssistant)}},
		},
	}

	e, rec := newDispatchEngine(t, fetcher)

	require.NoError(t, e.fetchHistory(context.Background(), ""))

	assert.Equal(t, []string{"", "m1"}, fetcher.afters)
	assert.Len(t, rec.byKind(EventMessage), 2)
}

func TestFetchHistory_EmptyPageWithHasMore(t *testing.T) {
	fetcher := &fakeHistory{
		pages: []HistoryPage{{HasMore: true}},
	}

	e, _ := newDispatchEngine(t, fetcher)

	err := e.fetchHistory(context.Background(), "")
	assert.ErrorContains(t, err, "has_more")
}

func TestHandleAck_RemovesEntryAndClearsInflight(t *testing.T) {
	e, rec := newDispatchEngine(t, nil)

	e.queues.appendAction(testAction("a1"))
	e.inflight = inflightEntry{id: "a1", sentAt: time.Now()}

	require.NoError(t, e.handleInbound(context.Background(),
		[]byte(`{"type":"queued","id":"a1"}`)))

	assert.Empty(t, e.inflight.id)
	assert.Empty(t, e.PendingActions())

	acked := rec.byKind(EventActionAcked)
	require.Len(t, acked, 1)
	assert.Equal(t, "a1", acked[0].ActionID)
}

func TestHandleAck_UnknownIDIsSilent(t *testing.T) {
	e, rec := newDispatchEngine(t, nil)

	require.NoError(t, e.handleInbound(context.Background(),
		[]byte(`{"type":"queued","id":"ghost"}`)))

	assert.Empty(t, rec.byKind(EventActionAcked))
}

func TestQueueCleared_DropsMessagesWithFailureEvents(t *testing.T) {
	e, rec := newDispatchEngine(t, nil)
	ctx := context.Background()

	e.queues.appendMessage(testMessage("m1"))
	e.queues.appendMessage(testMessage("m2"))

	require.NoError(t, e.handleInbound(ctx, []byte(`{"type":"queue_cleared"}`)))

	assert.Empty(t, e.PendingMessages())

	failed := rec.byKind(EventActionFailed)
	require.Len(t, failed, 2)
	assert.Equal(t, "queue_cleared", failed[0].Reason)

	// A repeat clear reports nothing new.
	require.NoError(t, e.handleInbound(ctx, []byte(`{"type":"queue_cleared"}`)))
	assert.Len(t, rec.byKind(EventActionFailed), 2)
}

func TestServerError_SessionFatal(t *testing.T) {
	e, rec := newDispatchEngine(t, nil)

	err := e.handleInbound(context.Background(),
		[]byte(`{"type":"error","code":"no_active_agent","message":"gone","recoverable":false}`))

	require.ErrorIs(t, err, ErrSessionFatal)
	require.Len(t, rec.byKind(EventTaskFailed), 1)
}

func TestServerError_ConnectionReplaced(t *testing.T) {
	e, rec := newDispatchEngine(t, nil)

	err := e.handleInbound(context.Background(),
		[]byte(`{"type":"error","code":"connection_replaced","recoverable":true,"retryable":false}`))

	require.ErrorIs(t, err, ErrConnectionReplaced)

	failed := rec.byKind(EventTaskFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "connected_elsewhere", failed[0].Reason)
}

func TestServerError_BackpressureSetsRetryWindow(t *testing.T) {
	e, _ := newDispatchEngine(t, nil)

	require.NoError(t, e.handleInbound(context.Background(),
		[]byte(`{"type":"error","code":"rate_limited","recoverable":true,"retryable":true,"retry_after_ms":2000}`)))

	assert.True(t, e.retryNotBefore.After(time.Now().Add(time.Second)))
}

func TestServerError_TransientIsAbsorbed(t *testing.T) {
	e, _ := newDispatchEngine(t, nil)

	require.NoError(t, e.handleInbound(context.Background(),
		[]byte(`{"type":"error","code":"timeout","recoverable":true,"retryable":true}`)))
}

func TestServerError_RejectedEntryDroppedOnce(t *testing.T) {
	e, rec := newDispatchEngine(t, nil)
	ctx := context.Background()

	e.queues.appendAction(testAction("a1"))
	e.inflight = inflightEntry{id: "a1", sentAt: time.Now()}

	reject := []byte(`{"type":"error","code":"retry_expired","recoverable":true,"retryable":false,"ref_id":"a1"}`)

	require.NoError(t, e.handleInbound(ctx, reject))

	assert.Empty(t, e.inflight.id)
	assert.Empty(t, e.PendingActions())
	require.Len(t, rec.byKind(EventActionFailed), 1)

	// The server may re-report; the failure event stays single.
	require.NoError(t, e.handleInbound(ctx, reject))
	assert.Len(t, rec.byKind(EventActionFailed), 1)
}

func TestServerError_TransientEntryStaysQueued(t *testing.T) {
	e, rec := newDispatchEngine(t, nil)

	e.queues.appendAction(testAction("a1"))
	e.inflight = inflightEntry{id: "a1", sentAt: time.Now()}

	require.NoError(t, e.handleInbound(context.Background(),
		[]byte(`{"type":"error","code":"timeout","recoverable":true,"retryable":true,"ref_id":"a1"}`)))

	// Cleared from flight but still queued for the next attempt.
	assert.Empty(t, e.inflight.id)
	assert.Len(t, e.PendingActions(), 1)
	assert.Empty(t, rec.byKind(EventActionFailed))
}

func TestModelChanged_UpdatesSession(t *testing.T) {
	e, rec := newDispatchEngine(t, nil)

	require.NoError(t, e.handleInbound(context.Background(),
		[]byte(`{"type":"model_changed","model":"small"}`)))

	assert.Equal(t, "small", e.Session().Model)

	changed := rec.byKind(EventModelChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, "small", changed[0].Model)
}

func TestPermissionModeChanged_UpdatesSession(t *testing.T) {
	e, rec := newDispatchEngine(t, nil)

	require.NoError(t, e.handleInbound(context.Background(),
		[]byte(`{"type":"permission_mode_changed","permission_mode":"plan"}`)))

	assert.Equal(t, "plan", e.Session().PermissionMode)
	assert.Len(t, rec.byKind(EventPermissionModeChanged), 1)
}

func TestStopped_EmitsTaskCompleted(t *testing.T) {
	e, rec := newDispatchEngine(t, nil)

	require.NoError(t, e.handleInbound(context.Background(),
		[]byte(`{"type":"stopped","reason":"end_turn"}`)))

	completed := rec.byKind(EventTaskCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "end_turn", completed[0].Reason)
}

func TestInterrupted_EmitsEvent(t *testing.T) {
	e, rec := newDispatchEngine(t, nil)

	require.NoError(t, e.handleInbound(context.Background(),
		[]byte(`{"type":"interrupted"}`)))

	assert.Len(t, rec.byKind(EventInterrupted), 1)
}

func TestUnknownFrame_IsIgnored(t *testing.T) {
	e, rec := newDispatchEngine(t, nil)

	require.NoError(t, e.handleInbound(context.Background(),
		[]byte(`{"type":"hologram","x":1}`)))

	assert.Empty(t, rec.kinds())
}

func TestUndecodableFrame_IsIgnored(t *testing.T) {
	e, _ := newDispatchEngine(t, nil)

	require.NoError(t, e.handleInbound(context.Background(), []byte(`{broken`)))
}

func TestEmit_PanickingHandlerIsIsolated(t *testing.T) {
	e, _ := newDispatchEngine(t, nil)

	e.OnEvent(func(Event) { panic("handler bug") })

	var delivered []EventKind
	e.OnEvent(func(ev Event) { delivered = append(delivered, ev.Kind) })

	require.NoError(t, e.handleInbound(context.Background(),
		streamFrame("m1", KindAssistant, "x")))
	require.NoError(t, e.handleInbound(context.Background(),
		streamFrame("m2", KindAssistant, "y")))

	assert.Equal(t, []EventKind{EventMessage, EventMessage}, delivered)
}
