package domain

import "errors"

var (
	// ErrMissionNotFound is returned by AddTags when the given patterns
	// match no existing Mission.
	ErrMissionNotFound = errors.New("mission panel: mission not found")

	// ErrNoPatterns is returned when a submitter call is given an empty
	// pattern list — there is nothing to match or create against.
	ErrNoPatterns = errors.New("mission panel: no match patterns given")
)
