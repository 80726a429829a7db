package dialog_path

import (
	"context"
	"time"

	"github.com/looplab/fsm"
)

// State состояние сигнального обмена
type State int

const (
	// StateNotEstablished начальное состояние, финальный ответ еще не зафиксирован
	StateNotEstablished State = iota
	// StateSignalingEstablished финальный положительный ответ отправлен или получен
	StateSignalingEstablished
	// StateSessionEstablished получено подтверждение (ACK) финального ответа
	StateSessionEstablished
	// StateTerminated обмен завершен, состояние поглощающее
	StateTerminated
)

// String возвращает строковое представление состояния
func (s State) String() string {
	switch s {
	case StateNotEstablished:
		return "NOT_ESTABLISHED"
	case StateSignalingEstablished:
		return "SIGNALING_ESTABLISHED"
	case StateSessionEstablished:
		return "SESSION_ESTABLISHED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// имена состояний и событий FSM
const (
	fsmNotEstablished       = "not_established"
	fsmSignalingEstablished = "signaling_established"
	fsmSessionEstablished   = "session_established"
	fsmTerminated           = "terminated"

	eventSigEstablished     = "sig_established"
	eventSessionEstablished = "session_established"
	eventTerminate          = "terminate"
)

func stateFromFSM(s string) State {
	switch s {
	case fsmSignalingEstablished:
		return StateSignalingEstablished
	case fsmSessionEstablished:
		return StateSessionEstablished
	case fsmTerminated:
		return StateTerminated
	default:
		return StateNotEstablished
	}
}

// Transition запись истории переходов
type Transition struct {
	From      State
	To        State
	Timestamp time.Time
}

// newStateMachine создает FSM сигнального обмена.
// Переходы только вперед, из terminated выхода нет.
func newStateMachine(onTransition func(from, to State)) *fsm.FSM {
	return fsm.NewFSM(
		fsmNotEstablished,
		fsm.Events{
			{Name: eventSigEstablished, Src: []string{fsmNotEstablished}, Dst: fsmSignalingEstablished},
			{Name: eventSessionEstablished, Src: []string{fsmSignalingEstablished}, Dst: fsmSessionEstablished},
			{Name: eventTerminate, Src: []string{fsmNotEstablished, fsmSignalingEstablished, fsmSessionEstablished}, Dst: fsmTerminated},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				if onTransition != nil {
					onTransition(stateFromFSM(e.Src), stateFromFSM(e.Dst))
				}
			},
		},
	)
}
