// Package evidence captures visual evidence frames on an interval and hands them to a sink
// through a bounded queue that favours the newest frames.
package evidence

import "time"

type Status int

const (
	StatusPending Status = iota
	StatusSent
	StatusDropped
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusDropped:
		return "dropped"
	}
	return "unknown"
}

// Frame is an opaque captured artifact. Sequence numbers are strictly increasing per session;
// gaps mean frames were dropped.
type Frame struct {
	Sequence   uint64
	CapturedAt time.Time
	Payload    []byte
	Status     Status
}
