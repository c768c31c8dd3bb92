package projection

import (
	"fmt"

	"taskboard/errors"
)

// ProjectionError 投影失败，消息不会被确认，由传输层重新投递
type ProjectionError struct {
	Projection  string
	EventID     string
	AggregateID string
	Version     uint64
	Reason      string
	Cause       error
}

func (e *ProjectionError) Error() string {
	msg := fmt.Sprintf("projection %s failed on event %s (%s v%d): %s",
		e.Projection, e.EventID, e.AggregateID, e.Version, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ProjectionError) Unwrap() error { return e.Cause }

func (e *ProjectionError) ErrorCode() errors.ErrorCode { return errors.ErrCodeProjection }
