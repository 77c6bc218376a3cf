package domain

import "fmt"

// Intent is the closed classification of a user message's purpose.
type Intent string

const (
	IntentInformational   Intent = "informational"
	IntentNewDataQuery    Intent = "new_data_query"
	IntentContinuation    Intent = "continuation"
	IntentQueryRefinement Intent = "query_refinement"
	IntentTableRequest    Intent = "table_request"
)

// ParseIntent validates a raw classifier label against the closed set.
func ParseIntent(s string) (Intent, error) {
	switch Intent(s) {
	case IntentInformational, IntentNewDataQuery, IntentContinuation,
		IntentQueryRefinement, IntentTableRequest:
		return Intent(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownIntent, s)
}
