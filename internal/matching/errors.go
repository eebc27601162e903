package matching

import (
	"errors"
	"fmt"
)

// ErrorKind classifies matching errors
type ErrorKind string

const (
	KindDuplicateSubmission    ErrorKind = "DUPLICATE_SUBMISSION"
	KindDuplicateResolution    ErrorKind = "DUPLICATE_RESOLUTION"
	KindDuplicateCampaignEvent ErrorKind = "DUPLICATE_CAMPAIGN_EVENT"
	KindValidation             ErrorKind = "VALIDATION"
)

// Sentinel values for errors.Is. A *MatchError matches the sentinel of its kind.
var (
	ErrDuplicateSubmission    = &MatchError{Kind: KindDuplicateSubmission}
	ErrDuplicateResolution    = &MatchError{Kind: KindDuplicateResolution}
	ErrDuplicateCampaignEvent = &MatchError{Kind: KindDuplicateCampaignEvent}
	ErrValidation             = &MatchError{Kind: KindValidation}
)

// MatchError is an error outcome of the matcher. Function names the
// matcher step that raised it, in the style of the PAERROR log channel.
type MatchError struct {
	Kind     ErrorKind
	Function string
	Key      AuctionKey
	Message  string
	Event    Event
}

func (e *MatchError) Error() string {
	if e.Key.AuctionID == "" {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Key, e.Message)
}

// Is reports whether target is a *MatchError of the same kind
func (e *MatchError) Is(target error) bool {
	var t *MatchError
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func newMatchError(kind ErrorKind, function string, key AuctionKey, ev Event, format string, args ...interface{}) *MatchError {
	return &MatchError{
		Kind:     kind,
		Function: function,
		Key:      key,
		Message:  fmt.Sprintf(format, args...),
		Event:    ev,
	}
}

// KindOf returns the kind of a matching error, or "" for other errors
func KindOf(err error) ErrorKind {
	var me *MatchError
	if errors.As(err, &me) {
		return me.Kind
	}
	return ""
}
