package domain

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrUnknownIntent   = errors.New("unknown intent label")
	ErrEmptyResult     = errors.New("query returned no rows")
	ErrRetryExhausted  = errors.New("sql generation retry limit exhausted")
	ErrNotReadOnly     = errors.New("statement is not a single read-only select")
	ErrNoPendingData   = errors.New("no pending data in session")
	ErrNoPreviousSQL   = errors.New("no previous sql to refine")
	ErrPatternNotFound = errors.New("query pattern not found")
	ErrEmptySQL        = errors.New("generator returned empty sql")
)
