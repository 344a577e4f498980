// Package sync wires the transport, session registry, message timeline,
// and viewport into the synchronization engine behind the chat console.
//
// The orchestrator owns the registry and the active timeline as private
// state and mutates them from a single run loop. Transport handlers and
// the public API post operations onto that loop, so every event updates
// state atomically and consumers only ever observe consistent snapshots.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/inbox-sync/internal/chat"
	"github.com/alexjbarnes/inbox-sync/internal/registry"
	"github.com/alexjbarnes/inbox-sync/internal/timeline"
	"github.com/alexjbarnes/inbox-sync/internal/transport"
	"github.com/alexjbarnes/inbox-sync/internal/viewport"
	"github.com/google/uuid"
)

// Inbound and outbound event names on the backend channel.
const (
	evSessionsLoaded = "sessions-loaded"
	evSessionCreated = "session-created"
	evSessionUpdated = "session-updated"
	evMessagesLoaded = "messages-loaded"
	evMessageAdded   = "message-added"

	evLoadSessions = "load-sessions"
	evLoadMessages = "load-messages"
	evMarkRead     = "mark-read"
	evSendMessage  = "send-message"
	evAssignUsers  = "assign-users"
)

const (
	// opChanSize buffers operations posted to the run loop. API calls
	// made before Run starts are held here.
	opChanSize = 128

	// defaultReconcileInterval is the period of the polling fallback
	// that re-fetches server state alongside the push path.
	defaultReconcileInterval = 30 * time.Second

	// defaultPendingTimeout is how long an optimistic send may stay
	// unconfirmed before it is marked failed. The protocol has no send
	// failure signal, so this is a local policy.
	defaultPendingTimeout = 60 * time.Second
)

// Phase is the engine's top-level state.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseLoadingSessions Phase = "loading-sessions"
	PhaseReady           Phase = "ready"
)

// SessionPhase is the state of the selected session, orthogonal to Phase.
type SessionPhase string

const (
	SessionUnselected      SessionPhase = "unselected"
	SessionLoadingMessages SessionPhase = "loading-messages"
	SessionActive          SessionPhase = "active"
)

// Transport is the slice of the transport client the orchestrator uses.
// *transport.Client satisfies it.
type Transport interface {
	On(event string, fn transport.Handler) int
	Send(event string, payload any)
	ConnectionState() transport.State
}

// Cache is the warm-start persistence the orchestrator writes through
// to. *state.Store satisfies it. May be nil to run without persistence.
type Cache interface {
	Sessions() ([]chat.Session, error)
	SaveSessions(sessions []chat.Session) error
	ActiveSession() string
	SetActiveSession(id string) error
}

// Snapshot is the derived, already-deduplicated and ordered state
// published to the UI layer after every change.
type Snapshot struct {
	Connection      transport.State
	Phase           Phase
	SessionPhase    SessionPhase
	Sessions        []chat.Session
	ActiveSessionID string
	ActiveExpired   bool
	Messages        []chat.Message
	AtBottom        bool
	NewMessageCount int
	PendingSends    int
}

// Options tunes the orchestrator.
type Options struct {
	// DeepLinkPhone, when set, selects the session for this counterparty
	// once the first session list arrives. Resolved at most once.
	DeepLinkPhone string

	// ReconcileInterval is the polling-fallback period. Zero means the
	// default; negative disables the timer.
	ReconcileInterval time.Duration

	// PendingTimeout is the optimistic-send staleness deadline. Zero or
	// negative means the default; the sweep always runs.
	PendingTimeout time.Duration
}

// Orchestrator routes transport events into the registry and timeline
// and republishes derived state.
type Orchestrator struct {
	logger *slog.Logger
	bus    Transport
	cache  Cache
	opts   Options

	reg *registry.Registry
	tl  *timeline.Timeline
	vp  *viewport.Viewport

	phase        Phase
	sessionPhase SessionPhase

	deepLinkPhone string
	deepLinkDone  bool
	restoreID     string

	subscribers []func(Snapshot)
	noticeSubs  []func(string)

	ops chan func()
	now func() time.Time
}

// New creates an orchestrator. cache may be nil.
func New(bus Transport, cache Cache, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.ReconcileInterval == 0 {
		opts.ReconcileInterval = defaultReconcileInterval
	}

	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = defaultPendingTimeout
	}

	return &Orchestrator{
		logger:        logger,
		bus:           bus,
		cache:         cache,
		opts:          opts,
		reg:           registry.New(),
		vp:            viewport.New(),
		phase:         PhaseIdle,
		sessionPhase:  SessionUnselected,
		deepLinkPhone: opts.DeepLinkPhone,
		ops:           make(chan func(), opChanSize),
		now:           time.Now,
	}
}

// OnSnapshot registers a subscriber invoked with a fresh snapshot after
// every state change. Register before Run; callbacks run on the loop
// goroutine and must not block.
func (o *Orchestrator) OnSnapshot(fn func(Snapshot)) {
	o.subscribers = append(o.subscribers, fn)
}

// OnNotice registers a subscriber for one-shot user-visible notices
// (unresolvable deep links, failed sends).
func (o *Orchestrator) OnNotice(fn func(string)) {
	o.noticeSubs = append(o.noticeSubs, fn)
}

// post schedules an operation on the run loop. Drops with a warning if
// the loop is badly backed up rather than blocking a transport handler.
func (o *Orchestrator) post(op func()) {
	select {
	case o.ops <- op:
	default:
		o.logger.Warn("orchestrator op queue full, dropping operation")
	}
}

// Run registers event handlers, warm-starts from the cache, and
// processes operations until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.registerHandlers()
	o.warmStart()

	var reconcileC <-chan time.Time

	if o.opts.ReconcileInterval > 0 {
		ticker := time.NewTicker(o.opts.ReconcileInterval)
		defer ticker.Stop()
		reconcileC = ticker.C
	}

	sweep := time.NewTicker(o.opts.PendingTimeout / 2)
	defer sweep.Stop()

	for {
		select {
		case op := <-o.ops:
			op()

		case <-reconcileC:
			o.reconcile()

		case <-sweep.C:
			o.sweepPending()

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) registerHandlers() {
	o.bus.On(transport.EventConnected, func(json.RawMessage) {
		o.post(o.handleConnected)
	})

	o.bus.On(evSessionsLoaded, func(data json.RawMessage) {
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			o.logger.Warn("bad sessions-loaded payload", slog.String("error", err.Error()))
			return
		}

		sessions := make([]chat.Session, 0, len(raw))

		for _, r := range raw {
			s, err := chat.DecodeSession(r)
			if err != nil {
				o.logger.Warn("skipping undecodable session", slog.String("error", err.Error()))
				continue
			}

			sessions = append(sessions, s)
		}

		o.post(func() { o.handleSessionsLoaded(sessions) })
	})

	onSession := func(event string) transport.Handler {
		return func(data json.RawMessage) {
			s, err := chat.DecodeSession(data)
			if err != nil {
				o.logger.Warn("bad session payload",
					slog.String("event", event),
					slog.String("error", err.Error()),
				)

				return
			}

			o.post(func() { o.handleSessionUpsert(s) })
		}
	}
	o.bus.On(evSessionCreated, onSession(evSessionCreated))
	o.bus.On(evSessionUpdated, onSession(evSessionUpdated))

	o.bus.On(evMessagesLoaded, func(data json.RawMessage) {
		var batch chat.MessageBatch
		if err := json.Unmarshal(data, &batch); err != nil {
			o.logger.Warn("bad messages-loaded payload", slog.String("error", err.Error()))
			return
		}

		o.post(func() { o.handleMessagesLoaded(batch) })
	})

	o.bus.On(evMessageAdded, func(data json.RawMessage) {
		var msg chat.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			o.logger.Warn("bad message-added payload", slog.String("error", err.Error()))
			return
		}

		o.post(func() { o.handleMessageAdded(msg) })
	})
}

// warmStart seeds the registry from the cache so the console can render
// before the first sessions-loaded arrives. The cached active session is
// re-selected after the first authoritative load, not from the cache
// itself, so its history is always fresh.
func (o *Orchestrator) warmStart() {
	if o.cache == nil {
		return
	}

	o.restoreID = o.cache.ActiveSession()

	cached, err := o.cache.Sessions()
	if err != nil {
		o.logger.Warn("reading cached sessions", slog.String("error", err.Error()))
		return
	}

	if len(cached) > 0 {
		o.reg.ReplaceAll(cached)
		o.logger.Debug("warm-started from cache", slog.Int("sessions", len(cached)))
		o.publish()
	}
}

// handleConnected runs after every successful (re)connect. Each connect
// is a cold start for server data: the full session list is re-requested
// and, if a session is open, its history is reloaded too.
func (o *Orchestrator) handleConnected() {
	o.phase = PhaseLoadingSessions
	o.bus.Send(evLoadSessions, nil)

	if o.tl != nil {
		id := o.tl.SessionID()
		o.sessionPhase = SessionLoadingMessages
		o.bus.Send(evLoadMessages, chat.SessionRef{SessionID: id})
		o.bus.Send(evMarkRead, chat.SessionRef{SessionID: id})
	}

	o.publish()
}

func (o *Orchestrator) handleSessionsLoaded(sessions []chat.Session) {
	o.reg.ReplaceAll(sessions)
	o.phase = PhaseReady

	if o.cache != nil {
		if err := o.cache.SaveSessions(o.reg.Sessions()); err != nil {
			o.logger.Warn("caching sessions", slog.String("error", err.Error()))
		}
	}

	o.logger.Info("session list loaded", slog.Int("sessions", o.reg.Len()))

	o.resolveDeepLink()
	o.restoreActive()
	o.publish()
}

// resolveDeepLink selects the session for a queued counterparty
// identifier, exactly once per deep link.
func (o *Orchestrator) resolveDeepLink() {
	if o.deepLinkPhone == "" || o.deepLinkDone {
		return
	}

	o.deepLinkDone = true

	s, ok := o.reg.FindByCounterparty(o.deepLinkPhone)
	if !ok {
		normalized := chat.NormalizePhone(o.deepLinkPhone)
		if normalized == "" {
			normalized = o.deepLinkPhone
		}

		o.notice(fmt.Sprintf("No conversation found for %s. Select one from the list.", normalized))

		return
	}

	o.selectSession(s.ID)
}

// restoreActive re-selects the session that was open in the previous
// run, once, after the first authoritative session load.
func (o *Orchestrator) restoreActive() {
	if o.restoreID == "" || o.tl != nil {
		return
	}

	id := o.restoreID
	o.restoreID = ""

	if _, ok := o.reg.Get(id); ok {
		o.selectSession(id)
	}
}

func (o *Orchestrator) handleSessionUpsert(s chat.Session) {
	o.reg.UpsertOne(s)
	o.publish()
}

func (o *Orchestrator) handleMessagesLoaded(batch chat.MessageBatch) {
	if o.tl == nil || batch.SessionID != o.tl.SessionID() {
		// History for a session the user has already left. The server
		// may keep emitting to the old channel; nothing consumes it.
		return
	}

	o.tl.ReplaceAll(batch.Messages)
	o.sessionPhase = SessionActive
	o.vp.ScrollToBottom()

	o.logger.Debug("history loaded",
		slog.String("session", batch.SessionID),
		slog.Int("messages", o.tl.Len()),
	)
	o.publish()
}

func (o *Orchestrator) handleMessageAdded(msg chat.Message) {
	isActive := o.tl != nil && msg.SessionID == o.tl.SessionID()

	if isActive {
		res := o.tl.AppendOne(msg)
		if res.Outcome == timeline.Appended {
			o.vp.NoteAppend()
		}

		// The open conversation absorbs the message immediately, so tell
		// the server it is read.
		o.bus.Send(evMarkRead, chat.SessionRef{SessionID: msg.SessionID})
	}

	o.reg.ApplyIncomingMessage(msg.SessionID, msg, isActive)
	o.publish()
}

// SelectSession opens a session: the previous timeline is discarded, the
// session's history is requested, and it is marked read optimistically.
func (o *Orchestrator) SelectSession(id string) {
	o.post(func() { o.selectSession(id) })
}

func (o *Orchestrator) selectSession(id string) {
	if _, ok := o.reg.Get(id); !ok {
		o.logger.Warn("selecting unknown session", slog.String("session", id))
		return
	}

	o.tl = timeline.New(id)
	o.sessionPhase = SessionLoadingMessages
	o.vp.Reset()
	o.reg.MarkRead(id)

	o.bus.Send(evLoadMessages, chat.SessionRef{SessionID: id})
	o.bus.Send(evMarkRead, chat.SessionRef{SessionID: id})

	if o.cache != nil {
		if err := o.cache.SetActiveSession(id); err != nil {
			o.logger.Warn("persisting active session", slog.String("error", err.Error()))
		}
	}

	o.publish()
}

// SendText sends a text message to the active session, with an optional
// quoted-reply excerpt.
func (o *Orchestrator) SendText(text, replyToExcerpt string) {
	o.SendPayload(chat.Payload{Type: chat.PayloadText, Text: text}, replyToExcerpt)
}

// SendPayload synthesizes an optimistic message, appends it to the
// timeline, and transmits it. The entry stays pending until the server's
// echo replaces it, or until the pending timeout marks it failed.
func (o *Orchestrator) SendPayload(p chat.Payload, replyToExcerpt string) {
	o.post(func() {
		if o.tl == nil {
			o.logger.Warn("send with no active session")
			return
		}

		msg := chat.Message{
			ClientTempID:   uuid.NewString(),
			SessionID:      o.tl.SessionID(),
			Direction:      chat.Outbound,
			Payload:        p,
			SentAt:         o.now(),
			ReplyToExcerpt: replyToExcerpt,
		}

		o.tl.AppendLocal(msg)
		o.vp.ScrollToBottom()
		o.bus.Send(evSendMessage, msg)
		o.publish()
	})
}

// AssignAgents requests the given agents be assigned to a session. The
// registry updates when the server's session-updated echo arrives.
func (o *Orchestrator) AssignAgents(sessionID string, agentIDs []string) {
	o.bus.Send(evAssignUsers, chat.Assignment{SessionID: sessionID, AgentIDs: agentIDs})
}

// ObserveScroll feeds a scroll-position report from the UI into the
// viewport controller.
func (o *Orchestrator) ObserveScroll(scrollTop, scrollHeight, clientHeight int) {
	o.post(func() {
		o.vp.Observe(scrollTop, scrollHeight, clientHeight)
		o.publish()
	})
}

// ScrollToBottom pins the viewport to the newest message.
func (o *Orchestrator) ScrollToBottom() {
	o.post(func() {
		o.vp.ScrollToBottom()
		o.publish()
	})
}

// Snapshot returns the current derived state. Must only be called while
// Run is active; it executes on the run loop.
func (o *Orchestrator) Snapshot() Snapshot {
	ch := make(chan Snapshot, 1)
	o.ops <- func() { ch <- o.snapshot() }

	return <-ch
}

func (o *Orchestrator) snapshot() Snapshot {
	snap := Snapshot{
		Connection:      o.bus.ConnectionState(),
		Phase:           o.phase,
		SessionPhase:    o.sessionPhase,
		Sessions:        o.reg.Sessions(),
		AtBottom:        o.vp.AtBottom(),
		NewMessageCount: o.vp.NewMessageCount(),
	}

	if o.tl != nil {
		snap.ActiveSessionID = o.tl.SessionID()
		snap.Messages = o.tl.Messages()
		snap.PendingSends = o.tl.PendingCount()

		if s, ok := o.reg.Get(o.tl.SessionID()); ok {
			snap.ActiveExpired = s.Expired(o.now())
		}
	}

	return snap
}

func (o *Orchestrator) publish() {
	if len(o.subscribers) == 0 {
		return
	}

	snap := o.snapshot()
	for _, fn := range o.subscribers {
		fn(snap)
	}
}

func (o *Orchestrator) notice(text string) {
	for _, fn := range o.noticeSubs {
		fn(text)
	}
}

// reconcile is the polling fallback layered over the push path: it
// re-requests the session list and, for the open session, its history
// and read state, reusing the same bulk-load handling as a reconnect.
func (o *Orchestrator) reconcile() {
	o.bus.Send(evLoadSessions, nil)

	if o.tl != nil {
		id := o.tl.SessionID()
		o.bus.Send(evLoadMessages, chat.SessionRef{SessionID: id})
		o.bus.Send(evMarkRead, chat.SessionRef{SessionID: id})
	}
}

// sweepPending marks optimistic sends that outlived the pending timeout
// as failed and surfaces a notice for each.
func (o *Orchestrator) sweepPending() {
	if o.tl == nil {
		return
	}

	stale := o.tl.MarkStalePending(o.now(), o.opts.PendingTimeout)
	if len(stale) == 0 {
		return
	}

	for _, tempID := range stale {
		o.logger.Warn("send unconfirmed past deadline, marking failed",
			slog.String("client_temp_id", tempID),
		)
	}

	o.notice(fmt.Sprintf("%d message(s) could not be confirmed as delivered.", len(stale)))
	o.publish()
}
