package domain

import "time"

// SessionKey identifies one conversation: a Slack user in a channel.
type SessionKey struct {
	UserID    string
	ChannelID string
}

func (k SessionKey) String() string {
	return k.UserID + ":" + k.ChannelID
}

// SessionState is the persisted state tag of a conversation session.
type SessionState string

const (
	// StateInitial means no pending data or question.
	StateInitial SessionState = "initial"
	// StateHasData means a result is cached and the next turn may confirm an
	// export, continue from memory, or refine the query.
	StateHasData SessionState = "has_data"
)

// SessionRecord is the durable part of a conversation session. The tabular
// result itself is never persisted; after a restart the SQL can be replayed
// but the exact in-memory rows cannot.
type SessionRecord struct {
	Key            SessionKey
	State          SessionState
	LastUserQuery  string
	LastSQL        string
	LastRowCount   *int
	LastAnalysis   string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Clear resets the record to the initial state, keeping only timestamps.
func (r *SessionRecord) Clear(now time.Time) {
	r.State = StateInitial
	r.LastUserQuery = ""
	r.LastSQL = ""
	r.LastRowCount = nil
	r.LastAnalysis = ""
	r.LastActivityAt = now
}
