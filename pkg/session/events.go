package session

import (
	"sync"
	"time"
)

// EventType тип события сессии
type EventType int

const (
	EventInvited EventType = iota
	EventRinging
	EventAccepted
	EventStarted
	EventProgress
	EventTransferred
	EventRejected
	EventAborted
	EventFailed
)

var eventNames = map[EventType]string{
	EventInvited:     "invited",
	EventRinging:     "ringing",
	EventAccepted:    "accepted",
	EventStarted:     "started",
	EventProgress:    "progress",
	EventTransferred: "transferred",
	EventRejected:    "rejected",
	EventAborted:     "aborted",
	EventFailed:      "failed",
}

// String возвращает строковое представление типа
func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "unknown"
}

// IsTerminal событие завершает сессию
func (t EventType) IsTerminal() bool {
	switch t {
	case EventTransferred, EventRejected, EventAborted, EventFailed:
		return true
	}
	return false
}

// TerminationReason причина завершения в событиях Rejected и Aborted
type TerminationReason string

const (
	ByUser         TerminationReason = "BY_USER"
	ByTimeout      TerminationReason = "BY_TIMEOUT"
	ByRemote       TerminationReason = "BY_REMOTE"
	BySystem       TerminationReason = "BY_SYSTEM"
	ByInactivity   TerminationReason = "BY_INACTIVITY"
	ConnectionLost TerminationReason = "CONNECTION_LOST"
)

// Progress ход передачи файла
type Progress struct {
	Current int64
	Total   int64
}

// Event событие жизненного цикла сессии.
// Набор заполненных полей зависит от Type.
type Event struct {
	Type      EventType
	SessionID string
	CallID    string
	Kind      Kind
	Time      time.Time

	// Reason для Rejected и Aborted
	Reason TerminationReason
	// Err для Failed
	Err *SessionError
	// StatusCode предварительного ответа для Ringing
	StatusCode int
	// Progress для Progress и Transferred
	Progress Progress
}

// IsTerminal событие завершает сессию
func (e Event) IsTerminal() bool {
	return e.Type.IsTerminal()
}

// eventQueue неограниченная очередь событий одной сессии.
// Отправка никогда не блокирует исполнителя сессии, порядок сохраняется,
// канал закрывается сразу после завершающего события.
type eventQueue struct {
	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
	closed  bool
	dropped bool

	out chan Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
	}
	go q.pump()
	return q
}

// push добавляет событие. После завершающего события остальные отбрасываются.
func (q *eventQueue) push(e Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if e.IsTerminal() {
		q.closed = true
	}
	q.pending = append(q.pending, e)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// discard закрывает очередь без завершающего события
func (q *eventQueue) discard() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.dropped = true
	q.pending = nil
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pump() {
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		dropped := q.dropped
		q.mu.Unlock()

		if dropped {
			close(q.out)
			return
		}

		for _, e := range batch {
			q.out <- e
			if e.IsTerminal() {
				close(q.out)
				return
			}
		}
		<-q.wake
	}
}
