package shadowsync

import "time"

// ActivityKind names a sync activity notification.
type ActivityKind string

const (
	ActivityStarted   ActivityKind = "started"
	ActivityCompleted ActivityKind = "completed"
	ActivityFailed    ActivityKind = "failed"
)

// ActivityEvent reports one mirror write. Counter is the running operation count.
type ActivityEvent struct {
	Kind      ActivityKind
	OwnerID   string
	CardID    string
	Counter   int64
	Timestamp time.Time
	Err       error
}

// ActivityListener receives activity events synchronously from the writing goroutine.
type ActivityListener interface {
	OnSyncActivity(event ActivityEvent)
}

// ActivityListenerFunc adapts a function to ActivityListener.
type ActivityListenerFunc func(event ActivityEvent)

func (f ActivityListenerFunc) OnSyncActivity(event ActivityEvent) {
	f(event)
}
