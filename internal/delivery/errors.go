package delivery

import "errors"

var (
	ErrStopped        = errors.New("sender stopped")
	ErrQueueFull      = errors.New("sender queue full")
	ErrAlreadyTracked = errors.New("message already tracked")
	ErrEmptyTopic     = errors.New("topic is empty")
)

// FailureReason classifies why a tracked delivery did not get acknowledged.
// The retry policy consults it to decide whether another attempt is worth it.
type FailureReason string

const (
	ReasonTimeout    FailureReason = "timeout"
	ReasonRejected   FailureReason = "rejected"
	ReasonSendFailed FailureReason = "send_failed"
)
