// Package viewport tracks whether the consuming UI is pinned to the
// newest message and decides whether an incoming message auto-reveals or
// increments a new-message counter. Purely presentational state,
// independent of data correctness.
package viewport

// bottomTolerancePx is how close to the end, in pixels, still counts as
// "at the bottom". Matches the slack a scroll container needs for
// sub-pixel rounding.
const bottomTolerancePx = 20

// Viewport is the scroll/read state for the active session's timeline.
type Viewport struct {
	atBottom    bool
	newMessages int
}

// New returns a viewport pinned to the bottom, the state a freshly
// selected session starts in.
func New() *Viewport {
	return &Viewport{atBottom: true}
}

// Observe records a scroll position report from the UI. Reaching the
// bottom clears the new-message counter.
func (v *Viewport) Observe(scrollTop, scrollHeight, clientHeight int) {
	gap := scrollHeight - scrollTop - clientHeight
	if gap < 0 {
		gap = -gap
	}

	v.atBottom = gap < bottomTolerancePx
	if v.atBottom {
		v.newMessages = 0
	}
}

// AtBottom reports whether the viewport is pinned to the newest message.
func (v *Viewport) AtBottom() bool { return v.atBottom }

// NoteAppend is called when a new message joins the timeline. It returns
// true when the viewport should auto-reveal (scroll to the new bottom);
// otherwise the new-message counter increments and the position is left
// untouched.
func (v *Viewport) NoteAppend() bool {
	if v.atBottom {
		return true
	}

	v.newMessages++

	return false
}

// NewMessageCount returns the number of messages that arrived while the
// viewport was scrolled away from the bottom.
func (v *Viewport) NewMessageCount() int { return v.newMessages }

// ScrollToBottom pins the viewport and clears the counter, for the
// explicit jump-to-latest control.
func (v *Viewport) ScrollToBottom() {
	v.atBottom = true
	v.newMessages = 0
}

// Reset reinitializes the viewport for a newly selected session: pinned
// to the bottom with a zero counter, so the history load lands scrolled
// to the newest message.
func (v *Viewport) Reset() {
	v.atBottom = true
	v.newMessages = 0
}
