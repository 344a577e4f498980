// Package registry maintains the ordered collection of conversation
// sessions: recency sort, unread counts, and counterparty lookup.
//
// The registry is not safe for concurrent use. It is owned by the sync
// orchestrator and mutated only from its event loop, which keeps every
// multi-field update atomic with respect to readers of snapshots.
package registry

import (
	"sort"
	"strings"
	"time"

	"github.com/alexjbarnes/inbox-sync/internal/chat"
)

// Registry is a recency-ordered collection of sessions keyed by id.
type Registry struct {
	sessions []chat.Session
	byID     map[string]int
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{byID: make(map[string]int)}
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	return len(r.sessions)
}

// Sessions returns a copy of the registry contents in display order
// (most recent first).
func (r *Registry) Sessions() []chat.Session {
	out := make([]chat.Session, len(r.sessions))
	copy(out, r.sessions)

	return out
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (chat.Session, bool) {
	i, ok := r.byID[id]
	if !ok {
		return chat.Session{}, false
	}

	return r.sessions[i], true
}

// ReplaceAll bulk-sets the registry contents from a session load,
// normalizing negative unread counts to zero and sorting by
// lastMessageAt descending. The sort is stable, so input order breaks
// ties.
func (r *Registry) ReplaceAll(sessions []chat.Session) {
	r.sessions = make([]chat.Session, len(sessions))
	copy(r.sessions, sessions)

	for i := range r.sessions {
		if r.sessions[i].UnreadCount < 0 {
			r.sessions[i].UnreadCount = 0
		}
	}

	r.resort()
}

// UpsertOne inserts a session if its id is unknown, otherwise merges it
// into the existing entry. Zero-valued fields on the update do not
// clobber known values, so a partial session-updated payload cannot wipe
// the preview or timestamp.
func (r *Registry) UpsertOne(s chat.Session) {
	i, ok := r.byID[s.ID]
	if !ok {
		if s.UnreadCount < 0 {
			s.UnreadCount = 0
		}

		r.sessions = append(r.sessions, s)
		r.resort()

		return
	}

	cur := r.sessions[i]

	if s.DisplayName != "" {
		cur.DisplayName = s.DisplayName
	}

	if s.PhoneNumber != "" {
		cur.PhoneNumber = s.PhoneNumber
	}

	if s.LastMessagePreview != "" {
		cur.LastMessagePreview = s.LastMessagePreview
	}

	if !s.LastMessageAt.IsZero() {
		cur.LastMessageAt = s.LastMessageAt
	}

	// Unread counts are registry-derived state (message effects and
	// mark-read); a session-updated payload without one decodes to zero
	// and must not wipe the local count.
	if s.UnreadCount > 0 {
		cur.UnreadCount = s.UnreadCount
	}

	if s.AssignedAgents != nil {
		cur.AssignedAgents = s.AssignedAgents
	}

	r.sessions[i] = cur
	r.resort()
}

// ApplyIncomingMessage updates the session touched by a new message:
// preview and lastMessageAt move to the message, the unread count
// increments unless the session is the active one (then it resets to
// zero), and the whole registry re-sorts so the session surfaces at the
// top. The re-sort on every message keeps the list behaving like a
// recency-ordered inbox without a separate sort pass in the consumer.
func (r *Registry) ApplyIncomingMessage(sessionID string, msg chat.Message, isActive bool) {
	i, ok := r.byID[sessionID]
	if !ok {
		return
	}

	s := r.sessions[i]
	s.LastMessagePreview = msg.Payload.Preview()

	s.LastMessageAt = msg.SentAt
	if s.LastMessageAt.IsZero() {
		s.LastMessageAt = time.Now()
	}

	if isActive {
		s.UnreadCount = 0
	} else {
		s.UnreadCount++
	}

	r.sessions[i] = s
	r.resort()
}

// MarkRead zeroes the unread count immediately. Optimistic: not rolled
// back if the server-side mark-read fails.
func (r *Registry) MarkRead(sessionID string) {
	if i, ok := r.byID[sessionID]; ok {
		r.sessions[i].UnreadCount = 0
	}
}

// FindByCounterparty resolves a session from a raw phone number by
// comparing normalized forms. Linear scan; the session count is bounded
// by the inbox size.
func (r *Registry) FindByCounterparty(phone string) (chat.Session, bool) {
	target := chat.NormalizePhone(phone)
	if target == "" {
		return chat.Session{}, false
	}

	for _, s := range r.sessions {
		if chat.NormalizePhone(s.PhoneNumber) == target {
			return s, true
		}
	}

	return chat.Session{}, false
}

// Find returns the first session matching the predicate, in display
// order.
func (r *Registry) Find(match func(chat.Session) bool) (chat.Session, bool) {
	for _, s := range r.sessions {
		if match(s) {
			return s, true
		}
	}

	return chat.Session{}, false
}

func (r *Registry) resort() {
	sort.SliceStable(r.sessions, func(i, j int) bool {
		return r.sessions[i].LastMessageAt.After(r.sessions[j].LastMessageAt)
	})

	if r.byID == nil {
		r.byID = make(map[string]int, len(r.sessions))
	} else {
		clear(r.byID)
	}

	for i, s := range r.sessions {
		r.byID[s.ID] = i
	}
}

// Filter is a pure read-side projection over the registry contents.
// It never mutates the registry.
func (r *Registry) Filter(keep func(chat.Session) bool) []chat.Session {
	var out []chat.Session

	for _, s := range r.sessions {
		if keep(s) {
			out = append(out, s)
		}
	}

	return out
}

// Assigned keeps sessions with at least one active agent.
func Assigned(s chat.Session) bool { return s.Assigned() }

// Unassigned keeps sessions with no active agent.
func Unassigned(s chat.Session) bool { return !s.Assigned() }

// MatchesQuery keeps sessions whose display name or phone number
// contains the query, case-insensitively.
func MatchesQuery(query string) func(chat.Session) bool {
	q := strings.ToLower(strings.TrimSpace(query))

	return func(s chat.Session) bool {
		if q == "" {
			return true
		}

		name := s.DisplayName
		if name == "" {
			name = s.PhoneNumber
		}

		return strings.Contains(strings.ToLower(name), q)
	}
}
