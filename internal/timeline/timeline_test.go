package timeline

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/inbox-sync/internal/chat"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func text(id string, dir chat.Direction, body string, at time.Time) chat.Message {
	return chat.Message{
		ID:        id,
		SessionID: "s1",
		Direction: dir,
		Payload:   chat.Payload{Type: chat.PayloadText, Text: body},
		SentAt:    at,
	}
}

func bodies(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Payload.Text
	}

	return out
}

// --- ReplaceAll tests ---

func TestReplaceAll_SortsAscending(t *testing.T) {
	tl := New("s1")
	tl.ReplaceAll([]chat.Message{
		text("m3", chat.Inbound, "third", base.Add(2*time.Minute)),
		text("m1", chat.Inbound, "first", base),
		text("m2", chat.Inbound, "second", base.Add(time.Minute)),
	})

	assert.Equal(t, []string{"first", "second", "third"}, bodies(tl.Messages()))
}

func TestReplaceAll_DuplicateExternalIDsFirstWins(t *testing.T) {
	first := text("m1", chat.Inbound, "kept", base)
	first.ExternalID = "wamid.1"

	second := text("m2", chat.Inbound, "dropped redelivery", base.Add(time.Hour))
	second.ExternalID = "wamid.1"

	tl := New("s1")
	tl.ReplaceAll([]chat.Message{first, second})

	require.Equal(t, 1, tl.Len())
	assert.Equal(t, "kept", tl.Messages()[0].Payload.Text)
}

func TestReplaceAll_CompositeCollisionIDBearerWins(t *testing.T) {
	// Optimistic leftover and its confirmed counterpart in one load.
	pending := chat.Message{
		ClientTempID: "tmp-1",
		SessionID:    "s1",
		Direction:    chat.Outbound,
		Payload:      chat.Payload{Type: chat.PayloadText, Text: "hello"},
		SentAt:       base.Add(10 * time.Second),
	}
	confirmed := text("m1", chat.Outbound, "hello", base.Add(25*time.Second))

	tl := New("s1")
	tl.ReplaceAll([]chat.Message{pending, confirmed})

	require.Equal(t, 1, tl.Len())
	assert.Equal(t, "m1", tl.Messages()[0].ID)
	assert.Equal(t, 0, tl.PendingCount())
}

// Two id-less inbound copies of the same text seconds apart collapse to
// one entry; the same text a few minutes later is a genuine new message.
func TestReplaceAll_MinuteBucketDedup(t *testing.T) {
	tl := New("s1")
	tl.ReplaceAll([]chat.Message{
		text("", chat.Inbound, "ok", base.Add(10*time.Second)),
		text("", chat.Inbound, "ok", base.Add(50*time.Second)),
		text("", chat.Inbound, "ok", base.Add(5*time.Minute)),
	})

	assert.Equal(t, 2, tl.Len())
}

func TestReplaceAll_DirectionSplitsCompositeKey(t *testing.T) {
	tl := New("s1")
	tl.ReplaceAll([]chat.Message{
		text("", chat.Inbound, "ok", base),
		text("", chat.Outbound, "ok", base),
	})

	assert.Equal(t, 2, tl.Len())
}

// --- AppendOne tests ---

func TestAppendOne_NewMessageAppended(t *testing.T) {
	tl := New("s1")

	res := tl.AppendOne(text("m1", chat.Inbound, "hi", base))
	assert.Equal(t, Appended, res.Outcome)
	assert.Equal(t, 0, res.Index)
	assert.Equal(t, 1, tl.Len())
}

func TestAppendOne_KnownServerIDDropped(t *testing.T) {
	tl := New("s1")
	tl.AppendOne(text("m1", chat.Inbound, "hi", base))

	res := tl.AppendOne(text("m1", chat.Inbound, "hi", base))
	assert.Equal(t, Duplicate, res.Outcome)
	assert.Equal(t, 1, tl.Len())
}

func TestAppendOne_KnownExternalIDDropped(t *testing.T) {
	m := text("m1", chat.Inbound, "hi", base)
	m.ExternalID = "wamid.1"

	redelivery := text("m2", chat.Inbound, "hi again", base.Add(time.Hour))
	redelivery.ExternalID = "wamid.1"

	tl := New("s1")
	tl.AppendOne(m)

	res := tl.AppendOne(redelivery)
	assert.Equal(t, Duplicate, res.Outcome)
	assert.Equal(t, 1, tl.Len())
}

// Scenario: duplicate without any id. Same direction, text, and minute
// bucket as an existing entry means redelivery, even seconds apart.
func TestAppendOne_CompositeDuplicateDropped(t *testing.T) {
	tl := New("s1")
	tl.AppendOne(text("", chat.Inbound, "ok", base.Add(5*time.Second)))

	res := tl.AppendOne(text("", chat.Inbound, "ok", base.Add(15*time.Second)))
	assert.Equal(t, Duplicate, res.Outcome)
	assert.Equal(t, 1, tl.Len())
}

func TestAppendOne_CompositeDuplicateUpgradesPlaceholder(t *testing.T) {
	tl := New("s1")
	tl.AppendOne(text("", chat.Inbound, "ok", base))

	res := tl.AppendOne(text("m1", chat.Inbound, "ok", base.Add(20*time.Second)))
	assert.Equal(t, Duplicate, res.Outcome)
	require.Equal(t, 1, tl.Len())
	assert.Equal(t, "m1", tl.Messages()[0].ID)
}

func TestAppendOne_SameTextNextMinuteIsNew(t *testing.T) {
	tl := New("s1")
	tl.AppendOne(text("", chat.Inbound, "ok", base))

	res := tl.AppendOne(text("", chat.Inbound, "ok", base.Add(3*time.Minute)))
	assert.Equal(t, Appended, res.Outcome)
	assert.Equal(t, 2, tl.Len())
}

func TestAppendOne_LateArrivalRestoresOrder(t *testing.T) {
	tl := New("s1")
	tl.AppendOne(text("m2", chat.Inbound, "second", base.Add(10*time.Minute)))

	res := tl.AppendOne(text("m1", chat.Inbound, "first", base))
	assert.Equal(t, Appended, res.Outcome)
	assert.Equal(t, 0, res.Index)
	assert.Equal(t, []string{"first", "second"}, bodies(tl.Messages()))
}

// --- optimistic send reconciliation ---

// Scenario: send, then echo. The confirmed copy replaces the optimistic
// entry at its position instead of appearing twice.
func TestAppendLocal_EchoReconcilesInPlace(t *testing.T) {
	tl := New("s1")
	tl.AppendOne(text("m1", chat.Inbound, "question?", base))

	local := chat.Message{
		ClientTempID: "tmp-1",
		SessionID:    "s1",
		Direction:    chat.Outbound,
		Payload:      chat.Payload{Type: chat.PayloadText, Text: "answer"},
		SentAt:       base.Add(5 * time.Second),
	}
	tl.AppendLocal(local)
	require.Equal(t, 1, tl.PendingCount())

	echo := text("m2", chat.Outbound, "answer", base.Add(8*time.Second))

	res := tl.AppendOne(echo)
	assert.Equal(t, Reconciled, res.Outcome)
	assert.Equal(t, 1, res.Index)
	assert.Equal(t, 2, tl.Len())
	assert.Equal(t, 0, tl.PendingCount())
	assert.Equal(t, "m2", tl.Messages()[1].ID)
}

func TestAppendLocal_EchoWithWhitespaceVariationStillReconciles(t *testing.T) {
	tl := New("s1")
	tl.AppendLocal(chat.Message{
		ClientTempID: "tmp-1",
		Direction:    chat.Outbound,
		Payload:      chat.Payload{Type: chat.PayloadText, Text: "  hello  "},
		SentAt:       base,
	})

	res := tl.AppendOne(text("m1", chat.Outbound, "hello", base.Add(12*time.Second)))
	assert.Equal(t, Reconciled, res.Outcome)
	assert.Equal(t, 1, tl.Len())
}

// Sending the same text twice inside one minute bucket keeps both
// entries tracked: each echo confirms one send, oldest first, and the
// pending count stays honest throughout.
func TestAppendLocal_RepeatedIdenticalSend(t *testing.T) {
	tl := New("s1")

	local := func(tempID string, at time.Time) chat.Message {
		return chat.Message{
			ClientTempID: tempID,
			SessionID:    "s1",
			Direction:    chat.Outbound,
			Payload:      chat.Payload{Type: chat.PayloadText, Text: "ok"},
			SentAt:       at,
		}
	}

	tl.AppendLocal(local("tmp-1", base))
	tl.AppendLocal(local("tmp-2", base.Add(10*time.Second)))
	require.Equal(t, 2, tl.PendingCount())

	res := tl.AppendOne(text("m1", chat.Outbound, "ok", base.Add(15*time.Second)))
	assert.Equal(t, Reconciled, res.Outcome)
	assert.Equal(t, 0, res.Index)
	assert.Equal(t, 1, tl.PendingCount())

	res = tl.AppendOne(text("m2", chat.Outbound, "ok", base.Add(20*time.Second)))
	assert.Equal(t, Reconciled, res.Outcome)
	assert.Equal(t, 1, res.Index)
	assert.Equal(t, 0, tl.PendingCount())

	msgs := tl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)

	for _, m := range msgs {
		assert.False(t, m.Pending())
	}
}

func TestMarkStalePending_SweepsRepeatedIdenticalSends(t *testing.T) {
	tl := New("s1")

	for _, tempID := range []string{"tmp-1", "tmp-2"} {
		tl.AppendLocal(chat.Message{
			ClientTempID: tempID,
			Direction:    chat.Outbound,
			Payload:      chat.Payload{Type: chat.PayloadText, Text: "ok"},
			SentAt:       base,
		})
	}

	stale := tl.MarkStalePending(base.Add(2*time.Minute), time.Minute)
	assert.ElementsMatch(t, []string{"tmp-1", "tmp-2"}, stale)
	assert.Equal(t, 0, tl.PendingCount())
	assert.True(t, tl.Messages()[0].Failed)
	assert.True(t, tl.Messages()[1].Failed)
}

func TestAppendLocal_UnrelatedInboundDoesNotTouchPending(t *testing.T) {
	tl := New("s1")
	tl.AppendLocal(chat.Message{
		ClientTempID: "tmp-1",
		Direction:    chat.Outbound,
		Payload:      chat.Payload{Type: chat.PayloadText, Text: "outgoing"},
		SentAt:       base,
	})

	res := tl.AppendOne(text("m1", chat.Inbound, "incoming", base.Add(time.Second)))
	assert.Equal(t, Appended, res.Outcome)
	assert.Equal(t, 2, tl.Len())
	assert.Equal(t, 1, tl.PendingCount())
}

// --- MarkStalePending tests ---

func TestMarkStalePending(t *testing.T) {
	tl := New("s1")
	tl.AppendLocal(chat.Message{
		ClientTempID: "tmp-old",
		Direction:    chat.Outbound,
		Payload:      chat.Payload{Type: chat.PayloadText, Text: "old"},
		SentAt:       base,
	})
	tl.AppendLocal(chat.Message{
		ClientTempID: "tmp-new",
		Direction:    chat.Outbound,
		Payload:      chat.Payload{Type: chat.PayloadText, Text: "new"},
		SentAt:       base.Add(90 * time.Second),
	})

	stale := tl.MarkStalePending(base.Add(2*time.Minute), time.Minute)
	assert.Equal(t, []string{"tmp-old"}, stale)
	assert.Equal(t, 1, tl.PendingCount())
	assert.True(t, tl.Messages()[0].Failed)
	assert.False(t, tl.Messages()[1].Failed)
}

// A confirmation arriving after the deadline upgrades the failed entry
// in place rather than duplicating it.
func TestMarkStalePending_LateEchoStillCollapses(t *testing.T) {
	tl := New("s1")
	tl.AppendLocal(chat.Message{
		ClientTempID: "tmp-1",
		Direction:    chat.Outbound,
		Payload:      chat.Payload{Type: chat.PayloadText, Text: "slow"},
		SentAt:       base,
	})

	stale := tl.MarkStalePending(base.Add(2*time.Minute), time.Minute)
	require.Len(t, stale, 1)

	res := tl.AppendOne(text("m1", chat.Outbound, "slow", base.Add(30*time.Second)))
	assert.Equal(t, Duplicate, res.Outcome)
	require.Equal(t, 1, tl.Len())
	assert.Equal(t, "m1", tl.Messages()[0].ID)
}

// --- bulk then live consistency ---

func TestBulkLoadThenLiveAppendShareIDSpace(t *testing.T) {
	tl := New("s1")

	var history []chat.Message
	for i := range 5 {
		history = append(history, text(fmt.Sprintf("m%d", i), chat.Inbound,
			fmt.Sprintf("msg %d", i), base.Add(time.Duration(i)*time.Minute)))
	}

	tl.ReplaceAll(history)

	// Live redelivery of a loaded message is dropped.
	res := tl.AppendOne(history[2])
	assert.Equal(t, Duplicate, res.Outcome)
	assert.Equal(t, 5, tl.Len())
}
