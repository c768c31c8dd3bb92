package entity

import (
	"fmt"

	"taskboard/eventing"
)

// Replay 将有序事件依次应用到新建的聚合并设置版本
//
// events[i].Version 必须等于 i+1，否则视为流损坏。
func Replay(agg IEventSourcedAggregate, events []eventing.Event) error {
	for i, evt := range events {
		want := uint64(i) + 1
		if evt.Version != want {
			return &AggregateError{
				Code:        "EVENT_SEQUENCE_GAP",
				Message:     fmt.Sprintf("stream not contiguous: expected version %d, got %d", want, evt.Version),
				AggregateID: agg.GetID(),
				EventID:     evt.ID,
			}
		}
		if err := agg.ApplyEvent(evt); err != nil {
			return &AggregateError{
				Code:        "EVENT_APPLY_FAILED",
				Message:     "failed to replay event " + evt.Type,
				AggregateID: agg.GetID(),
				EventID:     evt.ID,
				Cause:       err,
			}
		}
	}
	agg.RestoreVersion(uint64(len(events)))
	return nil
}
