package session

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
)

// Phase фаза жизненного цикла сессии
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhasePending     Phase = "pending"
	PhaseAccepted    Phase = "accepted"
	PhaseEstablished Phase = "established"
	PhaseTerminated  Phase = "terminated"
)

const (
	phaseEventInvite    = "invite"
	phaseEventAccept    = "accept"
	phaseEventEstablish = "establish"
	phaseEventTerminate = "terminate"
)

// phaseMachine фазы сессии поверх FSM. Переходы только вперед.
type phaseMachine struct {
	mu  sync.Mutex
	fsm *fsm.FSM
}

func newPhaseMachine() *phaseMachine {
	return &phaseMachine{
		fsm: fsm.NewFSM(
			string(PhaseIdle),
			fsm.Events{
				{Name: phaseEventInvite, Src: []string{string(PhaseIdle)}, Dst: string(PhasePending)},
				{Name: phaseEventAccept, Src: []string{string(PhasePending)}, Dst: string(PhaseAccepted)},
				{Name: phaseEventEstablish, Src: []string{string(PhaseAccepted)}, Dst: string(PhaseEstablished)},
				{Name: phaseEventTerminate, Src: []string{
					string(PhaseIdle), string(PhasePending), string(PhaseAccepted), string(PhaseEstablished),
				}, Dst: string(PhaseTerminated)},
			},
			fsm.Callbacks{},
		),
	}
}

// fire выполняет переход, если он разрешен из текущей фазы
func (p *phaseMachine) fire(event string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.fsm.Can(event) {
		return false
	}
	return p.fsm.Event(context.Background(), event) == nil
}

func (p *phaseMachine) current() Phase {
	return Phase(p.fsm.Current())
}
