// Package timeline maintains the ordered, deduplicated message history
// for one session, merging server-confirmed messages with locally
// originated optimistic entries.
//
// Like the registry, a Timeline is not safe for concurrent use: it is
// owned by the orchestrator and mutated only from its event loop.
package timeline

import (
	"sort"
	"strings"
	"time"

	"github.com/alexjbarnes/inbox-sync/internal/chat"
)

// Timeline is one session's message history.
type Timeline struct {
	sessionID string
	entries   []chat.Message

	// seenIDs records server and external ids already present, so a
	// redelivered message is dropped in O(1).
	seenIDs map[string]struct{}

	// byKey maps the composite identity of every entry to its slot.
	// Live arrivals colliding with an existing entry are duplicates of
	// the same logical message.
	byKey map[string]int

	// pending maps composite keys to the entry slots of unconfirmed
	// optimistic sends, oldest first. A slice because the operator can
	// send the same text twice inside one minute bucket: each send gets
	// its own slot, and echoes consume slots front to back.
	pending map[string][]int
}

// New returns an empty timeline for a session.
func New(sessionID string) *Timeline {
	return &Timeline{
		sessionID: sessionID,
		seenIDs:   make(map[string]struct{}),
		byKey:     make(map[string]int),
		pending:   make(map[string][]int),
	}
}

// SessionID returns the owning session's id.
func (t *Timeline) SessionID() string { return t.sessionID }

// Len returns the number of entries.
func (t *Timeline) Len() int { return len(t.entries) }

// Messages returns a copy of the timeline in display order (sentAt
// ascending, arrival order on ties).
func (t *Timeline) Messages() []chat.Message {
	out := make([]chat.Message, len(t.entries))
	copy(out, t.entries)

	return out
}

// compositeKey builds the fallback identity for messages lacking a
// stable id: direction, normalized text, minute-truncated timestamp,
// and payload type. The minute bucket is a deliberate heuristic that
// absorbs near-simultaneous redelivery from payload origins that never
// assign a stable id.
func compositeKey(m chat.Message) string {
	var b strings.Builder

	b.WriteString(string(m.Direction))
	b.WriteByte('|')
	b.WriteString(strings.TrimSpace(m.Payload.Text))
	b.WriteByte('|')
	b.WriteString(m.SentAt.Truncate(time.Minute).UTC().Format(time.RFC3339))
	b.WriteByte('|')
	b.WriteString(string(m.Payload.Type))

	return b.String()
}

// ReplaceAll bulk-loads a session's history: duplicate external ids are
// discarded (first occurrence wins), composite-key collisions collapse
// to one entry with the id-bearing record winning over a placeholder,
// and the result is sorted by sentAt ascending. Pending optimistic state
// is rebuilt from surviving unconfirmed entries.
func (t *Timeline) ReplaceAll(messages []chat.Message) {
	seenExternal := make(map[string]struct{}, len(messages))
	byKey := make(map[string]int, len(messages))
	deduped := make([]chat.Message, 0, len(messages))

	for _, m := range messages {
		if m.ExternalID != "" {
			if _, dup := seenExternal[m.ExternalID]; dup {
				continue
			}

			seenExternal[m.ExternalID] = struct{}{}
		}

		key := compositeKey(m)

		i, collides := byKey[key]
		if !collides {
			byKey[key] = len(deduped)
			deduped = append(deduped, m)

			continue
		}

		// Colliding entries are the same logical message. Prefer the one
		// carrying a persistent id: that is the optimistic-echo
		// reconciliation path.
		if deduped[i].ID == "" && m.ID != "" {
			deduped[i] = m
		}
	}

	sort.SliceStable(deduped, func(i, j int) bool {
		return deduped[i].SentAt.Before(deduped[j].SentAt)
	})

	t.entries = deduped
	t.rebuildIndexes()
}

func (t *Timeline) rebuildIndexes() {
	clear(t.seenIDs)
	clear(t.byKey)
	clear(t.pending)

	for i, m := range t.entries {
		t.noteIDs(m)

		key := compositeKey(m)
		t.byKey[key] = i

		if m.Pending() {
			t.pending[key] = append(t.pending[key], i)
		}
	}
}

func (t *Timeline) noteIDs(m chat.Message) {
	if m.ID != "" {
		t.seenIDs["s:"+m.ID] = struct{}{}
	}

	if m.ExternalID != "" {
		t.seenIDs["x:"+m.ExternalID] = struct{}{}
	}
}

func (t *Timeline) idSeen(m chat.Message) bool {
	if m.ID != "" {
		if _, ok := t.seenIDs["s:"+m.ID]; ok {
			return true
		}
	}

	if m.ExternalID != "" {
		if _, ok := t.seenIDs["x:"+m.ExternalID]; ok {
			return true
		}
	}

	return false
}

// AppendOne merges a live server message. A redelivery (known id, or a
// composite-key collision with existing content) is dropped; a message
// confirming a pending optimistic entry replaces that entry at its
// existing position; anything else is appended. All checks are against
// in-memory key sets, not a scan of the history.
func (t *Timeline) AppendOne(m chat.Message) AppendResult {
	if t.idSeen(m) {
		return AppendResult{Outcome: Duplicate}
	}

	key := compositeKey(m)

	if i, ok := t.byKey[key]; ok {
		if slots := t.pending[key]; len(slots) > 0 && m.ID != "" {
			// Oldest unconfirmed send with this identity wins the echo.
			i = slots[0]
			t.entries[i] = m
			t.noteIDs(m)

			if len(slots) == 1 {
				delete(t.pending, key)
			} else {
				t.pending[key] = slots[1:]
			}

			return AppendResult{Outcome: Reconciled, Index: i}
		}

		// Same logical message already present. If the stored copy is a
		// placeholder and this one carries an id, upgrade it in place.
		if t.entries[i].ID == "" && m.ID != "" {
			t.entries[i] = m
			t.noteIDs(m)
		}

		return AppendResult{Outcome: Duplicate, Index: i}
	}

	t.entries = append(t.entries, m)
	t.byKey[key] = len(t.entries) - 1
	t.noteIDs(m)

	if m.Pending() {
		t.pending[key] = append(t.pending[key], len(t.entries)-1)
	}

	idx := len(t.entries) - 1

	// Late delivery of an older message: restore sentAt order. Rare, so
	// the full stable sort is fine.
	if idx > 0 && m.SentAt.Before(t.entries[idx-1].SentAt) {
		sort.SliceStable(t.entries, func(i, j int) bool {
			return t.entries[i].SentAt.Before(t.entries[j].SentAt)
		})
		t.rebuildIndexes()
		idx = t.byKey[key]
	}

	return AppendResult{Outcome: Appended, Index: idx}
}

// AppendLocal records a locally originated message before server
// confirmation. The entry takes a pending slot under its composite
// identity so the later echo replaces it instead of duplicating. A
// repeated identical send gets its own slot behind the first.
func (t *Timeline) AppendLocal(m chat.Message) {
	key := compositeKey(m)

	t.entries = append(t.entries, m)
	t.byKey[key] = len(t.entries) - 1
	t.pending[key] = append(t.pending[key], len(t.entries)-1)
}

// PendingCount returns the number of unconfirmed optimistic entries.
func (t *Timeline) PendingCount() int {
	n := 0
	for _, slots := range t.pending {
		n += len(slots)
	}

	return n
}

// MarkStalePending flags pending entries older than maxAge as failed and
// returns their clientTempIds. Flagged entries leave the pending set: a
// confirmation arriving after the deadline will collide on its composite
// key and upgrade the entry in place rather than duplicate it. The
// timeout itself is a policy decision; the upstream protocol carries no
// send-failure signal.
func (t *Timeline) MarkStalePending(now time.Time, maxAge time.Duration) []string {
	var stale []string

	for key, slots := range t.pending {
		var keep []int

		for _, i := range slots {
			if now.Sub(t.entries[i].SentAt) <= maxAge {
				keep = append(keep, i)
				continue
			}

			t.entries[i].Failed = true
			stale = append(stale, t.entries[i].ClientTempID)
		}

		if len(keep) == 0 {
			delete(t.pending, key)
		} else {
			t.pending[key] = keep
		}
	}

	return stale
}

// Outcome classifies what AppendOne did with a message.
type Outcome int

const (
	// Appended: the message was new and joined the end of the timeline.
	Appended Outcome = iota

	// Reconciled: the message confirmed a pending optimistic entry and
	// replaced it in place.
	Reconciled

	// Duplicate: the message was already present and was dropped.
	Duplicate
)

// AppendResult reports AppendOne's effect. Index is meaningful for
// Appended and Reconciled.
type AppendResult struct {
	Outcome Outcome
	Index   int
}
