package dialog_path

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
)

var (
	// ErrSessionNotAvailable операция над завершенным сигнальным обменом
	ErrSessionNotAvailable = errors.New("session not available")
	// ErrInvalidTransition переход не разрешен из текущего состояния
	ErrInvalidTransition = errors.New("invalid signaling state transition")
)

// DialogPath описывает один сигнальный обмен: идентификаторы, адреса,
// маршрут, SDP обеих сторон и состояние.
// Принадлежит ровно одной сессии. Call-ID неизменяем после создания,
// после перехода в TERMINATED никакие поля не меняются.
type DialogPath struct {
	callID string

	mu           sync.RWMutex
	localParty   sip.Uri
	remoteParty  sip.Uri
	remoteTarget sip.Uri
	localTag     string
	remoteTag    string
	cseq         uint32
	routeSet     []sip.Uri
	localSDP     []byte
	remoteSDP    []byte
	invite       *sip.Request

	stateMachine *fsm.FSM

	historyMu sync.Mutex
	history   []Transition
}

// New создает сигнальный обмен в состоянии NOT_ESTABLISHED
func New(callID string, localParty, remoteParty sip.Uri) *DialogPath {
	d := &DialogPath{
		callID:       callID,
		localParty:   localParty,
		remoteParty:  remoteParty,
		remoteTarget: remoteParty,
		localTag:     sip.RandString(10),
		cseq:         1,
	}
	d.stateMachine = newStateMachine(d.recordTransition)
	return d
}

// NewFromInvite создает сигнальный обмен для входящего INVITE.
// Локальная сторона - получатель, удаленная - отправитель запроса.
func NewFromInvite(req *sip.Request) *DialogPath {
	var local, remote sip.Uri
	if to := req.To(); to != nil {
		local = to.Address
	}
	if from := req.From(); from != nil {
		remote = from.Address
	}

	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}

	d := New(callID, local, remote)
	if from := req.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			d.remoteTag = tag
		}
	}
	if cseq := req.CSeq(); cseq != nil {
		d.cseq = cseq.SeqNo
	}
	if h := req.GetHeader("Contact"); h != nil {
		var uri sip.Uri
		if err := sip.ParseUri(trimAngle(h.Value()), &uri); err == nil {
			d.remoteTarget = uri
		}
	}
	d.routeSet = recordRouteSet(req)
	d.remoteSDP = req.Body()
	d.invite = req
	return d
}

func recordRouteSet(req *sip.Request) []sip.Uri {
	var routes []sip.Uri
	for _, h := range req.GetHeaders("Record-Route") {
		var uri sip.Uri
		value := trimAngle(h.Value())
		if err := sip.ParseUri(value, &uri); err == nil {
			routes = append(routes, uri)
		}
	}
	return routes
}

func trimAngle(v string) string {
	if len(v) >= 2 && v[0] == '<' {
		for i := 1; i < len(v); i++ {
			if v[i] == '>' {
				return v[1:i]
			}
		}
	}
	return v
}

func (d *DialogPath) recordTransition(from, to State) {
	d.historyMu.Lock()
	d.history = append(d.history, Transition{From: from, To: to, Timestamp: time.Now()})
	d.historyMu.Unlock()
}

// CallID возвращает идентификатор обмена
func (d *DialogPath) CallID() string {
	return d.callID
}

// State возвращает текущее состояние
func (d *DialogPath) State() State {
	return stateFromFSM(d.stateMachine.Current())
}

// IsTerminated true если обмен завершен
func (d *DialogPath) IsTerminated() bool {
	return d.State() == StateTerminated
}

// IsSigEstablished true если финальный положительный ответ зафиксирован
func (d *DialogPath) IsSigEstablished() bool {
	s := d.State()
	return s == StateSignalingEstablished || s == StateSessionEstablished
}

// IsSessionEstablished true если получено подтверждение финального ответа
func (d *DialogPath) IsSessionEstablished() bool {
	return d.State() == StateSessionEstablished
}

// SigEstablished фиксирует финальный положительный ответ
func (d *DialogPath) SigEstablished() error {
	return d.fire(eventSigEstablished)
}

// SessionEstablished фиксирует получение ACK
func (d *DialogPath) SessionEstablished() error {
	return d.fire(eventSessionEstablished)
}

// Terminate переводит обмен в TERMINATED. Повторный вызов ничего не делает.
func (d *DialogPath) Terminate() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.IsTerminated() {
		return
	}
	_ = d.stateMachine.Event(context.Background(), eventTerminate)
}

func (d *DialogPath) fire(event string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.IsTerminated() {
		return ErrSessionNotAvailable
	}
	if !d.stateMachine.Can(event) {
		return ErrInvalidTransition
	}
	return d.stateMachine.Event(context.Background(), event)
}

// History возвращает копию истории переходов
func (d *DialogPath) History() []Transition {
	d.historyMu.Lock()
	defer d.historyMu.Unlock()
	out := make([]Transition, len(d.history))
	copy(out, d.history)
	return out
}

// mutate выполняет изменение полей, если обмен еще не завершен
func (d *DialogPath) mutate(f func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.IsTerminated() {
		return ErrSessionNotAvailable
	}
	f()
	return nil
}

// LocalParty локальный адрес
func (d *DialogPath) LocalParty() sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localParty
}

// RemoteParty удаленный адрес
func (d *DialogPath) RemoteParty() sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteParty
}

// RemoteTarget адрес для запросов внутри диалога (Contact удаленной стороны)
func (d *DialogPath) RemoteTarget() sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteTarget
}

// SetRemoteTarget обновляет адрес для запросов внутри диалога
func (d *DialogPath) SetRemoteTarget(uri sip.Uri) error {
	return d.mutate(func() { d.remoteTarget = uri })
}

// LocalTag локальный тег
func (d *DialogPath) LocalTag() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localTag
}

// RemoteTag удаленный тег
func (d *DialogPath) RemoteTag() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteTag
}

// SetRemoteTag сохраняет тег удаленной стороны
func (d *DialogPath) SetRemoteTag(tag string) error {
	return d.mutate(func() { d.remoteTag = tag })
}

// CSeq текущее значение счетчика
func (d *DialogPath) CSeq() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cseq
}

// NextCSeq увеличивает счетчик и возвращает новое значение
func (d *DialogPath) NextCSeq() (uint32, error) {
	var next uint32
	err := d.mutate(func() {
		d.cseq++
		next = d.cseq
	})
	return next, err
}

// RouteSet маршрут для запросов внутри диалога
func (d *DialogPath) RouteSet() []sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]sip.Uri, len(d.routeSet))
	copy(out, d.routeSet)
	return out
}

// SetRouteSet сохраняет маршрут
func (d *DialogPath) SetRouteSet(routes []sip.Uri) error {
	cp := make([]sip.Uri, len(routes))
	copy(cp, routes)
	return d.mutate(func() { d.routeSet = cp })
}

// LocalSDP локальное описание сессии
func (d *DialogPath) LocalSDP() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localSDP
}

// SetLocalSDP сохраняет локальное описание сессии
func (d *DialogPath) SetLocalSDP(sdp []byte) error {
	return d.mutate(func() { d.localSDP = sdp })
}

// RemoteSDP описание сессии удаленной стороны
func (d *DialogPath) RemoteSDP() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteSDP
}

// SetRemoteSDP сохраняет описание сессии удаленной стороны
func (d *DialogPath) SetRemoteSDP(sdp []byte) error {
	return d.mutate(func() { d.remoteSDP = sdp })
}

// Invite исходный INVITE (для входящих и после отправки исходящего)
func (d *DialogPath) Invite() *sip.Request {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.invite
}

// SetInvite сохраняет исходный INVITE
func (d *DialogPath) SetInvite(req *sip.Request) error {
	return d.mutate(func() { d.invite = req })
}
