package session

import "sync"

// InvitationOutcome решение по входящему приглашению
type InvitationOutcome int

const (
	InvitationPending InvitationOutcome = iota
	InvitationAccepted
	InvitationRejectedByUser
	InvitationRejectedByTimeout
	InvitationRejectedBySystem
	InvitationCanceledByRemote
	InvitationDeleted
)

// String возвращает строковое представление решения
func (o InvitationOutcome) String() string {
	switch o {
	case InvitationAccepted:
		return "ACCEPTED"
	case InvitationRejectedByUser:
		return "REJECTED_BY_USER"
	case InvitationRejectedByTimeout:
		return "REJECTED_BY_TIMEOUT"
	case InvitationRejectedBySystem:
		return "REJECTED_BY_SYSTEM"
	case InvitationCanceledByRemote:
		return "CANCELED_BY_REMOTE"
	case InvitationDeleted:
		return "DELETED"
	default:
		return "PENDING"
	}
}

// invitation решение принимается один раз, первый решивший побеждает
type invitation struct {
	once    sync.Once
	mu      sync.Mutex
	outcome InvitationOutcome
	decided chan struct{}
}

func newInvitation() *invitation {
	return &invitation{decided: make(chan struct{})}
}

// decide фиксирует решение, возвращает false если решение уже принято
func (i *invitation) decide(o InvitationOutcome) bool {
	won := false
	i.once.Do(func() {
		i.mu.Lock()
		i.outcome = o
		i.mu.Unlock()
		close(i.decided)
		won = true
	})
	return won
}

func (i *invitation) done() <-chan struct{} {
	return i.decided
}

func (i *invitation) get() InvitationOutcome {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.outcome
}
