package types

import "time"

// AttemptOutcome describes how one upstream attempt against an endpoint ended.
// Err is set when no response was received; otherwise StatusCode holds the
// upstream status.
type AttemptOutcome struct {
	RequestID  string
	Attempt    int
	StatusCode int
	Err        error
	Timeout    bool
	Elapsed    time.Duration
}
