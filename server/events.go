package server

import "sync"

// maxEvents bounds the log; subscribers that fall further behind miss the
// oldest events.
const maxEvents = 4096

// eventLog is a session's append-only event history. Subscribers read the
// tail past their last sequence number and wait on the notify channel,
// which is closed and replaced on every publish.
type eventLog struct {
	mu     sync.Mutex
	events []Event
	next   int
	notify chan struct{}
}

func newEventLog() *eventLog {
	return &eventLog{next: 1, notify: make(chan struct{})}
}

func (l *eventLog) publish(e Event) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Seq = l.next
	l.next++
	l.events = append(l.events, e)
	if n := len(l.events); n > maxEvents {
		l.events = append([]Event(nil), l.events[n-maxEvents:]...)
	}
	close(l.notify)
	l.notify = make(chan struct{})
	return e
}

// since returns the events with Seq > seq and a channel closed by the next
// publish.
func (l *eventLog) since(seq int) ([]Event, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	for _, e := range l.events {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out, l.notify
}
