package campaign

import (
	"errors"
	"fmt"
)

// Error is a recoverable contract error. Callers branch on it and may retry
// with different arguments or at a later ledger time. Codes are stable.
type Error uint32

const (
	ErrAlreadyInitialized Error = iota + 1
	ErrCampaignEnded
	ErrCampaignStillActive
	ErrGoalNotReached
	ErrGoalReached
	ErrInvalidGoal
	ErrInvalidDeadline
	ErrInvalidAmount
	ErrRateLimitExceeded
	ErrOverflow
	ErrCampaignNotActive
	ErrNotWhitelisted
	ErrHardCapExceeded
	ErrInvalidHardCap
	ErrInvalidRoadmapItem
	ErrInvalidMetadata
	ErrEmptyWhitelist
)

var errorNames = map[Error]string{
	ErrAlreadyInitialized:  "AlreadyInitialized",
	ErrCampaignEnded:       "CampaignEnded",
	ErrCampaignStillActive: "CampaignStillActive",
	ErrGoalNotReached:      "GoalNotReached",
	ErrGoalReached:         "GoalReached",
	ErrInvalidGoal:         "InvalidGoal",
	ErrInvalidDeadline:     "InvalidDeadline",
	ErrInvalidAmount:       "InvalidAmount",
	ErrRateLimitExceeded:   "RateLimitExceeded",
	ErrOverflow:            "Overflow",
	ErrCampaignNotActive:   "CampaignNotActive",
	ErrNotWhitelisted:      "NotWhitelisted",
	ErrHardCapExceeded:     "HardCapExceeded",
	ErrInvalidHardCap:      "InvalidHardCap",
	ErrInvalidRoadmapItem:  "InvalidRoadmapItem",
	ErrInvalidMetadata:     "InvalidMetadata",
	ErrEmptyWhitelist:      "EmptyWhitelist",
}

// Name returns the error's identifier, e.g. "GoalNotReached".
func (e Error) Name() string {
	if n, ok := errorNames[e]; ok {
		return n
	}
	return fmt.Sprintf("Error(%d)", uint32(e))
}

func (e Error) Code() uint32 {
	return uint32(e)
}

func (e Error) Error() string {
	return "campaign: " + e.Name()
}

// ErrAborted matches every *AbortError.
var ErrAborted = errors.New("campaign: invocation aborted")

// AbortError is an unrecoverable failure: failed authorization, missing
// required state, payout underflow or malformed configuration. The whole
// invocation is rolled back and must not be retried automatically.
type AbortError struct {
	Reason string
	Err    error
}

func abort(reason string, err error) error {
	return &AbortError{Reason: reason, Err: err}
}

func abortf(format string, args ...any) error {
	return &AbortError{Reason: fmt.Sprintf(format, args...)}
}

func (e *AbortError) Error() string {
	if e.Err != nil {
		return "campaign: aborted: " + e.Reason + ": " + e.Err.Error()
	}
	return "campaign: aborted: " + e.Reason
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

func (e *AbortError) Is(target error) bool {
	return target == ErrAborted
}
