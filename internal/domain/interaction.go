package domain

import "time"

// Interaction is one processed message: the append-only audit record and the
// unit of "recent history" fed back into the classifier and generator.
// Immutable once written.
type Interaction struct {
	ID              int64
	UserID          string
	ChannelID       string
	UserMessage     string
	BotResponse     string
	QueryType       Intent
	SQLQuery        string
	SQLExecuted     bool
	ExecutionTimeMs *int64
	RowsReturned    *int
	ErrorMessage    string
	TableGenerated  bool
	CreatedAt       time.Time
}
