package scheduling

import (
	"fmt"
	"time"
)

// PastDateError reports a request whose computed dispatch instant falls
// before the earliest instant the pipeline accepts (now + minimum lead time).
type PastDateError struct {
	Requested time.Time // the computed dispatch instant, UTC
	Earliest  time.Time // now + minimum lead time, UTC
}

func (e *PastDateError) Error() string {
	return fmt.Sprintf("dispatch instant %s is before earliest allowed %s",
		e.Requested.Format(time.RFC3339), e.Earliest.Format(time.RFC3339))
}

// InvalidTimezoneError reports a timezone identifier that is not a recognized
// IANA zone name.
type InvalidTimezoneError struct {
	Zone string
}

func (e *InvalidTimezoneError) Error() string {
	return fmt.Sprintf("unrecognized timezone %q", e.Zone)
}

// InvalidRequestError reports a structurally invalid delivery request
// (unknown mode or channel, negative transit/buffer days).
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return "invalid delivery request: " + e.Reason
}
