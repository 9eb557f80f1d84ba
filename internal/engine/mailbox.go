package engine

import "sync"

// EventType distinguishes how a dispatched record ended.
type EventType int

const (
	// EventCompleted reports a record whose output was committed.
	EventCompleted EventType = iota + 1
	// EventFailed reports a record whose dispatch or commit failed.
	EventFailed
)

// Event is a worker's report on one dispatched record.
type Event struct {
	Type EventType
	Path string
	Slot int

	// Output and RevisionHash are set for EventCompleted. Unchanged means
	// the artifact already held Output; Drifted means it had been edited
	// since the previous run wrote it.
	Output       []byte
	RevisionHash string
	Unchanged    bool
	Drifted      bool

	// Err is set for EventFailed.
	Err error
}

// mailbox collects worker reports for the scheduler. Posting never blocks,
// so a worker can finish while the scheduler is waiting on a pool slot.
// The scheduler takes every pending report at once and handles them in
// arrival order.
type mailbox struct {
	mu      sync.Mutex
	pending []Event
	sealed  bool
	wake    chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

// post files ev. It reports false once the mailbox is sealed.
func (m *mailbox) post(ev Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sealed {
		return false
	}
	m.pending = append(m.pending, ev)
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// take empties the mailbox and returns what it held, oldest first.
func (m *mailbox) take() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pending
	m.pending = nil
	return out
}

// ready fires after a post. Several posts may share one wakeup.
func (m *mailbox) ready() <-chan struct{} {
	return m.wake
}

// seal rejects further posts and releases anyone blocked on ready.
func (m *mailbox) seal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sealed {
		m.sealed = true
		close(m.wake)
	}
}
