package domain

import "time"

// Feedback values stored on a query pattern.
const (
	FeedbackPositive int16 = 1
	FeedbackNegative int16 = -1
)

// QueryPattern is a previously successful question→SQL pair used as few-shot
// guidance for new generation attempts.
type QueryPattern struct {
	ID            int64
	Question      string
	SQL           string
	RowCount      int
	WasSuccessful bool
	UserFeedback  *int16
	CreatedBy     string
	CreatedAt     time.Time
}
