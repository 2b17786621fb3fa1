package pool

import (
	"encoding/json"
	"fmt"
)

// cursorState distinguishes "never fetched" from "listing exhausted".
// Both would otherwise collapse into an absent token, and confusing them
// makes a refiller restart from page one after reaching the end.
type cursorState string

const (
	cursorNotStarted cursorState = "not_started"
	cursorInProgress cursorState = "in_progress"
	cursorEnded      cursorState = "ended"
)

// Cursor is the upstream pagination position for one pool: not started,
// in progress at an opaque token, or ended.
type Cursor struct {
	state cursorState
	token string
}

// CursorNotStarted returns the cursor for a pool that has never fetched.
// This is also the zero value's meaning.
func CursorNotStarted() Cursor {
	return Cursor{state: cursorNotStarted}
}

// CursorAt returns an in-progress cursor at the given upstream token.
func CursorAt(token string) Cursor {
	return Cursor{state: cursorInProgress, token: token}
}

// CursorEnded returns the cursor for an exhausted listing.
func CursorEnded() Cursor {
	return Cursor{state: cursorEnded}
}

// CursorFromNext interprets the nextPageCursor field of an upstream page:
// an empty token means the listing is exhausted.
func CursorFromNext(token string) Cursor {
	if token == "" {
		return CursorEnded()
	}
	return CursorAt(token)
}

// Token returns the upstream token and whether one is present.
func (c Cursor) Token() (string, bool) {
	if c.state == cursorInProgress {
		return c.token, true
	}
	return "", false
}

// Started reports whether any page has been fetched through this cursor.
func (c Cursor) Started() bool {
	return c.state == cursorInProgress || c.state == cursorEnded
}

// Ended reports whether the upstream listing has been exhausted.
func (c Cursor) Ended() bool {
	return c.state == cursorEnded
}

func (c Cursor) String() string {
	switch c.state {
	case cursorInProgress:
		return "in_progress(" + c.token + ")"
	case cursorEnded:
		return "ended"
	default:
		return "not_started"
	}
}

type cursorJSON struct {
	State cursorState `json:"state"`
	Token string      `json:"token,omitempty"`
}

// MarshalJSON encodes the cursor with its state made explicit so that a
// persisted snapshot round-trips exactly.
func (c Cursor) MarshalJSON() ([]byte, error) {
	state := c.state
	if state == "" {
		state = cursorNotStarted
	}
	return json.Marshal(cursorJSON{State: state, Token: c.token})
}

// UnmarshalJSON decodes a cursor previously written by MarshalJSON.
func (c *Cursor) UnmarshalJSON(data []byte) error {
	var raw cursorJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode cursor: %w", err)
	}
	switch raw.State {
	case cursorNotStarted, "":
		*c = CursorNotStarted()
	case cursorInProgress:
		*c = CursorAt(raw.Token)
	case cursorEnded:
		*c = CursorEnded()
	default:
		return fmt.Errorf("unknown cursor state %q", raw.State)
	}
	return nil
}
