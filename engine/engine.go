package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/agentsync/internal/state"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	pingAfter       = 10 * time.Second
	disconnectAfter = 120 * time.Second
	tickInterval    = 5 * time.Second
	responseTimeout = 30 * time.Second

	defaultProtocolVersion  = 1
	defaultActionStaleAfter = 5 * time.Minute
)

// errPaused signals the event loop stopped because the lifecycle bridge
// exhausted the execution-time budget. Internal only.
var errPaused = errors.New("paused due to execution budget")

// inboundMsg wraps a frame read from the transport by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// Session is the single live session this engine instance serves.
type Session struct {
	SessionID       string
	AgentID         string
	ProtocolVersion int
	Model           string
	PermissionMode  string

	// Cursor is the id of the last durably processed stream event, or
	// empty. It advances monotonically and is reset only by full resync.
	Cursor string
}

// Config holds the parameters needed to run a session engine.
type Config struct {
	Host      string
	Token     string
	SessionID string
	Device    string

	// ProtocolVersion defaults to 1.
	ProtocolVersion int

	// ActionStaleAfter is the offline-action staleness window. Entries
	// older than this are dropped with a terminal failure instead of
	// replayed. Defaults to 5 minutes, matching the server's
	// retry-expiry window.
	ActionStaleAfter time.Duration

	// Store persists the cursor and the two outbound queues. A nil
	// store runs the engine memory-only.
	Store *state.Store

	// Dialer and History default to the real WebSocket dialer and REST
	// client for Host. Tests inject substitutes.
	Dialer  Dialer
	History HistoryFetcher

	// RequestExtraTime, when set, is called once as the background
	// execution budget nears exhaustion. Returning a positive duration
	// extends the budget; zero pauses immediately.
	RequestExtraTime func() time.Duration
}

type inflightEntry struct {
	id     string
	sentAt time.Time
}

// Engine is the session synchronization engine.
//
// Architecture: a reader goroutine feeds inboundCh with raw transport
// frames. A single event loop goroutine (Run) processes inbound frames,
// outbound queue work, lifecycle signals, and heartbeat ticks. All
// connection writes and all mutation of session state happen from the
// event loop, so the single-writer invariant holds without a write
// mutex.
type Engine struct {
	logger *slog.Logger
	cfg    Config

	dial    Dialer
	history HistoryFetcher
	store   *state.Store

	machine *stateMachine
	queues  *queues
	plan    reconnectPlan

	sessMu  sync.RWMutex
	session Session

	handlersMu sync.RWMutex
	handlers   []EventHandler

	// connMu guards conn and connCancel: the Run goroutine replaces them
	// on every reconnect cycle while Close/Disconnect read them from
	// consumer goroutines.
	connMu     sync.Mutex
	conn       wsConn
	connCancel context.CancelFunc

	inboundCh chan inboundMsg

	// wake nudges the event loop to pump the outbound queues after an
	// external submission. Buffered so submitters never block.
	wake chan struct{}

	lifecycleCh chan lifecycleSignal
	resumeCh    chan struct{}

	// inflight is the single unacknowledged outbound entry. No second
	// entry is transmitted while it is set.
	inflight       inflightEntry
	retryNotBefore time.Time

	// replayRemaining counts gap-replay events still expected after a
	// reconnect_complete outcome.
	replayRemaining int
	replayActive    bool

	lastMsgMu   sync.Mutex
	lastMessage time.Time

	pauseMu     sync.Mutex
	paused      bool
	budgetTimer *time.Timer
	extended    bool

	stopMu        sync.Mutex
	stopRequested bool
}

// New creates an engine for the given session. The store's session
// buckets are initialized and both queues are loaded eagerly, so
// entries left over from a prior process are eligible for replay.
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.Host == "" && cfg.Dialer == nil {
		return nil, fmt.Errorf("config: host or dialer is required")
	}

	if cfg.ProtocolVersion == 0 {
		cfg.ProtocolVersion = defaultProtocolVersion
	}

	if cfg.ActionStaleAfter == 0 {
		cfg.ActionStaleAfter = defaultActionStaleAfter
	}

	if cfg.Dialer == nil {
		cfg.Dialer = NewDialer(cfg.Host, cfg.Token, cfg.Device)
	}

	if cfg.History == nil {
		cfg.History = NewClient(nil, cfg.Host, cfg.Token)
	}

	e := &Engine{
		logger:      logger,
		cfg:         cfg,
		dial:        cfg.Dialer,
		history:     cfg.History,
		store:       cfg.Store,
		queues:      newQueues(cfg.SessionID, cfg.Store, logger),
		wake:        make(chan struct{}, 1),
		lifecycleCh: make(chan lifecycleSignal, 8),
		resumeCh:    make(chan struct{}, 1),
		session: Session{
			SessionID:       cfg.SessionID,
			ProtocolVersion: cfg.ProtocolVersion,
		},
	}

	e.machine = newStateMachine(func(from, to ConnState) {
		e.emit(Event{Kind: EventStateChanged, From: from, To: to})
	})

	if e.store != nil && cfg.SessionID != "" {
		if err := e.store.InitSession(cfg.SessionID); err != nil {
			return nil, fmt.Errorf("initializing session state: %w", err)
		}

		cursor, err := e.store.Cursor(cfg.SessionID)
		if err != nil {
			return nil, fmt.Errorf("loading cursor: %w", err)
		}

		e.session.Cursor = cursor
	}

	if err := e.queues.load(); err != nil {
		// A corrupt or unreadable store is treated as empty: data loss
		// is preferable to refusing to start. Reported via the error
		// event once a handler is registered won't help here, so log.
		logger.Warn("failed to load durable queues, starting empty",
			slog.String("error", err.Error()),
		)
	}

	return e, nil
}

// OnEvent registers a semantic event handler. Handlers run on the
// engine's event loop in emission order.
func (e *Engine) OnEvent(fn EventHandler) {
	e.handlersMu.Lock()
	e.handlers = append(e.handlers, fn)
	e.handlersMu.Unlock()
}

// ConnectionState returns the current connection state.
func (e *Engine) ConnectionState() ConnState {
	return e.machine.current()
}

// Session returns a copy of the current session.
func (e *Engine) Session() Session {
	e.sessMu.RLock()
	defer e.sessMu.RUnlock()

	return e.session
}

// PendingActions returns a read-only snapshot of the offline action
// queue. Mutation is only possible through the engine's API.
func (e *Engine) PendingActions() []state.PendingAction {
	return e.queues.snapshotActions()
}

// PendingMessages returns a read-only snapshot of the pending message
// store.
func (e *Engine) PendingMessages() []state.OutboundMessage {
	return e.queues.snapshotMessages()
}

// SubmitMessage enqueues a user message for transmission and returns
// its client-generated id immediately. Completion or failure arrives
// later as a semantic event keyed by the id.
func (e *Engine) SubmitMessage(payload json.RawMessage) (string, error) {
	if e.machine.current() == StateClosed {
		return "", ErrClosed
	}

	msg := state.OutboundMessage{
		ID:         uuid.NewString(),
		Payload:    payload,
		EnqueuedAt: time.Now().UnixMilli(),
	}

	e.queues.appendMessage(msg)
	e.wakeLoop()

	return msg.ID, nil
}

// SubmitAction enqueues a user decision (permission response or
// question answer) and returns its client-generated id immediately.
// Actions submitted while disconnected are replayed in FIFO order on
// reconnect, deduplicated by id.
func (e *Engine) SubmitAction(kind, requestID string, payload json.RawMessage) (string, error) {
	switch kind {
	case ActionApprove, ActionDeny, ActionAnswer:
	default:
		return "", fmt.Errorf("unknown action kind %q", kind)
	}

	if e.machine.current() == StateClosed {
		return "", ErrClosed
	}

	action := state.PendingAction{
		ID:         uuid.NewString(),
		RequestID:  requestID,
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: time.Now().UnixMilli(),
	}

	e.queues.appendAction(action)
	e.wakeLoop()

	return action.ID, nil
}

func (e *Engine) wakeLoop() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Connect dials the transport and performs the resume handshake. Valid
// only from Disconnected or Closed; any other state returns
// ErrAlreadyConnecting. On success the engine is Connecting; call Run
// to arm the read path and become Connected.
func (e *Engine) Connect(ctx context.Context) error {
	if err := e.machine.tryBeginConnect(); err != nil {
		return err
	}

	e.stopMu.Lock()
	e.stopRequested = false
	e.stopMu.Unlock()

	if err := e.connectOnce(ctx); err != nil {
		if terr := e.machine.transition(StateDisconnected); terr != nil {
			e.logger.Warn("state transition failed", slog.String("error", terr.Error()))
		}

		return err
	}

	return nil
}

// connectOnce dials a fresh transport and performs the resume
// handshake, reading directly from the connection (no reader goroutine
// is running yet). The engine stays in its current state; the caller
// transitions to Connected only after the reader is armed.
func (e *Engine) connectOnce(ctx context.Context) error {
	e.connMu.Lock()
	if e.connCancel != nil {
		e.connCancel()
		e.connCancel = nil
	}
	e.connMu.Unlock()

	conn, err := e.dial(ctx)
	if err != nil {
		return err
	}

	sess := e.Session()
	resume := ResumeRequest{
		Type:            "resume",
		Token:           e.cfg.Token,
		SessionID:       sess.SessionID,
		LastMessageID:   sess.Cursor,
		Device:          e.cfg.Device,
		ProtocolVersion: sess.ProtocolVersion,
	}

	data, err := json.Marshal(resume)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return fmt.Errorf("marshalling resume request: %w", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return fmt.Errorf("sending resume request: %w", err)
	}

	// Read until the connected control arrives. Pings are answered;
	// anything else before connected is a protocol violation.
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "handshake read failed")
			return fmt.Errorf("reading handshake response: %w", err)
		}

		e.touchLastMessage()

		msg, err := Decode(raw)
		if err != nil {
			e.logger.Debug("undecodable handshake frame", slog.String("error", err.Error()))
			continue
		}

		switch m := msg.(type) {
		case Connected:
			e.applyConnected(m)
			e.setConn(conn)

			return nil
		case Ping:
			pong, _ := json.Marshal(Pong{Type: TypePong})
			if err := conn.Write(ctx, websocket.MessageText, pong); err != nil {
				conn.Close(websocket.StatusInternalError, "handshake failed")
				return fmt.Errorf("answering handshake ping: %w", err)
			}
		case ServerError:
			conn.Close(websocket.StatusNormalClosure, "handshake rejected")

			if m.Class() == ClassSessionFatal {
				return fmt.Errorf("handshake rejected: %w", fmt.Errorf("%w: %w", ErrSessionFatal, m))
			}

			return fmt.Errorf("handshake rejected: %w", m)
		default:
			e.logger.Debug("unexpected frame before connected",
				slog.String("type", fmt.Sprintf("%T", msg)),
			)
		}
	}
}

// applyConnected records the handshake result on the session.
func (e *Engine) applyConnected(m Connected) {
	e.sessMu.Lock()
	e.session.SessionID = m.SessionID
	e.session.AgentID = m.AgentID
	e.session.Model = m.Model
	e.session.PermissionMode = m.PermissionMode

	if m.ProtocolVersion != 0 {
		e.session.ProtocolVersion = m.ProtocolVersion
	}
	e.sessMu.Unlock()

	if e.store != nil && m.SessionID != "" {
		if err := e.store.InitSession(m.SessionID); err != nil {
			e.logger.Warn("failed to initialize session buckets",
				slog.String("session_id", m.SessionID),
				slog.String("error", err.Error()),
			)
		}
	}

	e.queues.mu.Lock()
	e.queues.sessionID = m.SessionID
	e.queues.mu.Unlock()
}

// startReader launches a goroutine that reads from the transport and
// feeds inboundCh. Exits when connCtx is cancelled or a read error
// occurs; the error is delivered as the final message on the channel.
// The goroutine captures ch by value so a stale reader from a prior
// connection cannot send into the new channel.
func (e *Engine) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, 64)
	e.inboundCh = ch
	conn := e.currentConn()

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// Run is the event loop with automatic reconnection. Call after a
// successful Connect. It owns all writes to the connection and all
// session state mutation. Returns nil on explicit disconnect or
// teardown, ErrConnectionReplaced when the server evicted this client,
// or a wrapped session-fatal error.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if e.currentConn() == nil {
			return fmt.Errorf("run requires an established connection, call Connect first")
		}

		connCtx, connCancel := context.WithCancel(ctx)
		e.setConnCancel(connCancel)
		e.startReader(connCtx)

		// The read path is armed; becoming Connected is legal now.
		if err := e.machine.transition(StateConnected); err != nil {
			connCancel()
			return err
		}

		e.plan.noteConnected(time.Now())
		e.logger.Info("session connected",
			slog.String("session_id", e.Session().SessionID),
			slog.String("cursor", e.Session().Cursor),
		)

		err := e.eventLoop(ctx, connCtx)
		connCancel()
		e.closeConn(websocket.StatusGoingAway, "connection lost")

		e.plan.noteDisconnected(time.Now(), e.Session().Cursor)
		e.inflight = inflightEntry{}

		switch {
		case ctx.Err() != nil:
			// Cancellation is the consumer shutting down, not a failure.
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}

			return ctx.Err()
		case errors.Is(err, ErrClosed), e.machine.current() == StateClosed:
			return nil
		case e.stopRequestedNow():
			if terr := e.machine.transition(StateDisconnected); terr != nil {
				e.logger.Warn("state transition failed", slog.String("error", terr.Error()))
			}

			return nil
		case errors.Is(err, ErrConnectionReplaced):
			// Connection replacement requires explicit user action;
			// never auto-reconnect.
			if terr := e.machine.transition(StateDisconnected); terr != nil {
				e.logger.Warn("state transition failed", slog.String("error", terr.Error()))
			}

			return ErrConnectionReplaced
		case errors.Is(err, ErrSessionFatal):
			if terr := e.machine.transition(StateDisconnected); terr != nil {
				e.logger.Warn("state transition failed", slog.String("error", terr.Error()))
			}

			return err
		}

		if terr := e.machine.transition(StateReconnecting); terr != nil {
			return terr
		}

		if errors.Is(err, errPaused) {
			e.logger.Info("paused, waiting for foreground")
		} else {
			e.logger.Warn("connection lost, reconnecting",
				slog.String("error", err.Error()),
			)
		}

		if err := e.reconnectLoop(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		}

		// A nil return also covers teardown while waiting; only a fresh
		// connection goes around again.
		if st := e.machine.current(); st == StateClosed || st == StateDisconnected {
			return nil
		}
	}
}

// reconnectLoop retries the connection with jittered exponential
// backoff until it succeeds, the context ends, or teardown is
// requested. While paused it waits for a foreground signal instead of
// dialing.
func (e *Engine) reconnectLoop(ctx context.Context) error {
	for {
		if e.machine.current() == StateClosed {
			return nil
		}

		if e.stopRequestedNow() {
			if terr := e.machine.transition(StateDisconnected); terr != nil {
				e.logger.Warn("state transition failed", slog.String("error", terr.Error()))
			}

			return nil
		}

		if e.isPaused() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.resumeCh:
				continue
			case sig := <-e.lifecycleCh:
				e.handleLifecycleDisconnected(sig)
				continue
			}
		}

		delay := e.plan.nextDelay()
		e.logger.Debug("reconnect backoff",
			slog.Int("attempt", e.plan.attempt),
			slog.Duration("delay", delay),
		)

		timer := time.NewTimer(delay)

	wait:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case sig := <-e.lifecycleCh:
				e.handleLifecycleDisconnected(sig)

				if e.machine.current() == StateClosed {
					timer.Stop()
					return nil
				}

				// Foregrounding cuts the current wait short; pausing
				// abandons it entirely.
				if e.isPaused() || sig == sigForeground {
					timer.Stop()
					break wait
				}
			case <-timer.C:
				break wait
			}
		}

		if e.isPaused() || e.stopRequestedNow() {
			if e.stopRequestedNow() {
				if terr := e.machine.transition(StateDisconnected); terr != nil {
					e.logger.Warn("state transition failed", slog.String("error", terr.Error()))
				}

				return nil
			}

			continue
		}

		err := e.connectOnce(ctx)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, ErrSessionFatal) {
			if terr := e.machine.transition(StateDisconnected); terr != nil {
				e.logger.Warn("state transition failed", slog.String("error", terr.Error()))
			}

			return err
		}

		e.logger.Warn("reconnect failed",
			slog.String("error", err.Error()),
		)
	}
}

// eventLoop is the single event loop for one connection. It selects on
// inbound frames, outbound queue wakes, lifecycle signals, and the
// heartbeat ticker. All writes happen here. Returns on read error,
// lifecycle pause/teardown, or context cancellation.
func (e *Engine) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	// Replay anything queued while disconnected before taking new work.
	if err := e.pumpOutbound(ctx); err != nil {
		return err
	}

	for {
		select {
		case msg := <-e.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}

			e.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				e.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			if err := e.handleInbound(ctx, msg.data); err != nil {
				return err
			}

			if err := e.pumpOutbound(ctx); err != nil {
				return err
			}

		case <-e.wake:
			if err := e.pumpOutbound(ctx); err != nil {
				return err
			}

		case sig := <-e.lifecycleCh:
			if err := e.handleLifecycleConnected(ctx, sig); err != nil {
				return err
			}

		case <-ticker.C:
			if err := e.onTick(ctx); err != nil {
				return err
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// onTick drives the heartbeat and times out the in-flight send.
func (e *Engine) onTick(ctx context.Context) error {
	e.lastMsgMu.Lock()
	elapsed := time.Since(e.lastMessage)
	e.lastMsgMu.Unlock()

	if elapsed > disconnectAfter {
		e.logger.Warn("connection timed out, closing")
		e.closeConn(websocket.StatusGoingAway, "timeout")

		return fmt.Errorf("heartbeat timeout")
	}

	if elapsed > pingAfter {
		if err := e.writeFrame(ctx, Ping{Type: TypePing}); err != nil {
			return fmt.Errorf("sending ping: %w", err)
		}
	}

	if e.inflight.id != "" && time.Since(e.inflight.sentAt) > responseTimeout {
		// Transient failure: the entry stays queued at the head and is
		// retried on the next opportunity.
		e.logger.Warn("send timed out, will retry",
			slog.String("id", e.inflight.id),
		)
		e.inflight = inflightEntry{}
	}

	return e.pumpOutbound(ctx)
}

// pumpOutbound transmits the next outbound entry when the engine is
// Connected, nothing is in flight, and backpressure allows it. Actions
// replay strictly before messages, each waiting for a terminal outcome
// before the next entry is sent.
func (e *Engine) pumpOutbound(ctx context.Context) error {
	if e.machine.current() != StateConnected {
		return nil
	}

	if e.inflight.id != "" {
		return nil
	}

	now := time.Now()
	if now.Before(e.retryNotBefore) {
		return nil
	}

	for _, stale := range e.queues.dropStale(now, e.cfg.ActionStaleAfter) {
		e.logger.Warn("dropping stale offline action",
			slog.String("id", stale.ID),
			slog.String("request_id", stale.RequestID),
		)
		e.emit(Event{
			Kind:     EventActionFailed,
			ActionID: stale.ID,
			Reason:   "stale",
			Err:      fmt.Errorf("action older than %s dropped", e.cfg.ActionStaleAfter),
		})
	}

	if action, ok := e.queues.nextAction(); ok {
		frame := actionFrame(action)
		if err := e.writeFrame(ctx, frame); err != nil {
			return fmt.Errorf("sending action %s: %w", action.ID, err)
		}

		e.queues.bumpAttempts(action.ID)
		e.inflight = inflightEntry{id: action.ID, sentAt: now}

		return nil
	}

	if msg, ok := e.queues.nextMessage(); ok {
		frame := UserMessage{Type: "user_message", ID: msg.ID, Payload: msg.Payload}
		if err := e.writeFrame(ctx, frame); err != nil {
			return fmt.Errorf("sending message %s: %w", msg.ID, err)
		}

		e.inflight = inflightEntry{id: msg.ID, sentAt: now}
	}

	return nil
}

// actionFrame maps a pending action to its wire frame.
func actionFrame(a state.PendingAction) ActionResponse {
	frame := ActionResponse{
		ID:        a.ID,
		RequestID: a.RequestID,
		Payload:   a.Payload,
	}

	switch a.Kind {
	case ActionApprove:
		frame.Type = "permission_response"
		frame.Behavior = "allow"
	case ActionDeny:
		frame.Type = "permission_response"
		frame.Behavior = "deny"
	case ActionAnswer:
		frame.Type = "question_response"
	}

	return frame
}

// Disconnect closes the connection and stops reconnection without
// tearing the engine down. Connect starts a fresh cycle afterwards.
func (e *Engine) Disconnect() {
	e.stopMu.Lock()
	e.stopRequested = true
	e.stopMu.Unlock()

	e.cancelConn()
	e.wakeResume()
}

// Close tears the engine down. Both queues are already durable (every
// mutation is written through to the store), so no extra flush is
// needed; the current state of the world survives the process.
func (e *Engine) Close() error {
	if err := e.machine.transition(StateClosed); err != nil {
		return err
	}

	e.cancelConn()
	e.closeConn(websocket.StatusNormalClosure, "bye")
	e.wakeResume()

	return nil
}

func (e *Engine) setConn(conn wsConn) {
	e.connMu.Lock()
	e.conn = conn
	e.connMu.Unlock()
}

func (e *Engine) currentConn() wsConn {
	e.connMu.Lock()
	defer e.connMu.Unlock()

	return e.conn
}

func (e *Engine) setConnCancel(fn context.CancelFunc) {
	e.connMu.Lock()
	e.connCancel = fn
	e.connMu.Unlock()
}

func (e *Engine) cancelConn() {
	e.connMu.Lock()
	cancel := e.connCancel
	e.connMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (e *Engine) closeConn(code websocket.StatusCode, reason string) {
	if conn := e.currentConn(); conn != nil {
		conn.Close(code, reason)
	}
}

func (e *Engine) stopRequestedNow() bool {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()

	return e.stopRequested
}

func (e *Engine) wakeResume() {
	select {
	case e.resumeCh <- struct{}{}:
	default:
	}
}

func (e *Engine) touchLastMessage() {
	e.lastMsgMu.Lock()
	e.lastMessage = time.Now()
	e.lastMsgMu.Unlock()
}

// writeFrame marshals v to JSON and writes it as a text frame. Only
// called from the event loop or during the handshake.
func (e *Engine) writeFrame(ctx context.Context, v any) error {
	conn := e.currentConn()
	if conn == nil {
		return fmt.Errorf("no connection")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	return conn.Write(ctx, websocket.MessageText, data)
}
