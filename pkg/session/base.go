package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/samber/oops"

	"github.com/arzzra/rcs_core/pkg/dialog_path"
	"github.com/arzzra/rcs_core/pkg/media_negotiator"
	"github.com/arzzra/rcs_core/pkg/persistence"
	"github.com/arzzra/rcs_core/pkg/signaling"
)

// задержка перед признанием разрыва медиа, за которую может прийти BYE
const streamLossGrace = 500 * time.Millisecond

// hooks точки расширения для конкретных типов сессий
type hooks struct {
	// run заменяет исполнителя (сессии без сигнального обмена)
	run func()
	// inviteBody формирует тело исходящего INVITE по локальному SDP
	inviteBody func(sdp []byte) (contentType string, body []byte, headers []sip.Header)
	// remoteSDP извлекает SDP из входящего INVITE или ответа
	remoteSDP func(contentType string, body []byte) []byte
	// onStarted выполняется в отдельной горутине после события Started
	onStarted func(ctx context.Context) error
	// onFinish выполняется при завершении до отправки события
	onFinish func(e Event)
}

// Base общий исполнитель сессии
type Base struct {
	id        string
	kind      Kind
	direction Direction
	contact   string
	deps      Deps
	created   time.Time

	dialog   *dialog_path.DialogPath
	inviteTx signaling.ServerTx

	mediaKind  media_negotiator.Kind
	streamOpts media_negotiator.StreamOptions
	autoAccept bool
	hooks      hooks

	inv   *invitation
	phase *phaseMachine

	mu          sync.Mutex
	stream      media_negotiator.Stream
	remover     func()
	abortReason TerminationReason
	failErr     *SessionError
	progress    Progress

	lastActivity atomic.Int64

	ackOnce      sync.Once
	ackCh        chan struct{}
	byeOnce      sync.Once
	byeCh        chan struct{}
	abortOnce    sync.Once
	abortCh      chan struct{}
	completeOnce sync.Once
	completeCh   chan struct{}
	failOnce     sync.Once
	failCh       chan struct{}

	answerOnce sync.Once
	answered   chan struct{}
	txCanceled atomic.Bool

	startOnce   sync.Once
	finishOnce  sync.Once
	ringingOnce sync.Once
	done        chan struct{}
	events      *eventQueue
	ctx         context.Context
	cancel      context.CancelFunc

	logger *slog.Logger
}

type baseParams struct {
	kind      Kind
	direction Direction
	contact   string
	deps      Deps
	dialog    *dialog_path.DialogPath
	inviteTx  signaling.ServerTx
	mediaKind media_negotiator.Kind
	opts      media_negotiator.StreamOptions
}

func newBase(p baseParams) *Base {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Base{
		id:         uuid.NewString(),
		kind:       p.kind,
		direction:  p.direction,
		contact:    p.contact,
		deps:       p.deps,
		created:    time.Now(),
		dialog:     p.dialog,
		inviteTx:   p.inviteTx,
		mediaKind:  p.mediaKind,
		streamOpts: p.opts,
		inv:        newInvitation(),
		phase:      newPhaseMachine(),
		ackCh:      make(chan struct{}),
		byeCh:      make(chan struct{}),
		abortCh:    make(chan struct{}),
		completeCh: make(chan struct{}),
		failCh:     make(chan struct{}),
		answered:   make(chan struct{}),
		done:       make(chan struct{}),
		events:     newEventQueue(),
		ctx:        ctx,
		cancel:     cancel,
	}

	callID := ""
	if p.dialog != nil {
		callID = p.dialog.CallID()
	}
	b.logger = slog.Default().With(
		slog.String("component", "session"),
		slog.String("session_id", b.id),
		slog.String("call_id", callID),
		slog.String("kind", string(p.kind)),
	)
	b.deps.Metrics.SessionCreated(string(p.kind), string(p.direction))
	b.watchCancel()
	return b
}

// txCanceler серверная транзакция sipgo сама отвечает 487 на CANCEL
// и сообщает об отмене через OnCancel
type txCanceler interface {
	OnCancel(f sip.FnTxCancel) bool
}

func (b *Base) watchCancel() {
	if b.direction != Incoming || b.inviteTx == nil {
		return
	}
	canceler, ok := b.inviteTx.(txCanceler)
	if !ok {
		return
	}
	registered := canceler.OnCancel(func(*sip.Request) {
		b.txCanceled.Store(true)
		if b.inv.decide(InvitationCanceledByRemote) {
			b.logger.Debug("приглашение отменено удаленной стороной")
		}
	})
	if !registered {
		// транзакция уже отменена или закрыта
		b.txCanceled.Store(true)
		b.inv.decide(InvitationCanceledByRemote)
	}
}

// ID идентификатор сессии
func (b *Base) ID() string { return b.id }

// CallID Call-ID сигнального обмена, пусто для сессий без него
func (b *Base) CallID() string {
	if b.dialog == nil {
		return ""
	}
	return b.dialog.CallID()
}

// Kind тип сессии
func (b *Base) Kind() Kind { return b.kind }

// Direction направление сессии
func (b *Base) Direction() Direction { return b.direction }

// Contact удаленный контакт
func (b *Base) Contact() string { return b.contact }

// Dialog сигнальный обмен сессии
func (b *Base) Dialog() *dialog_path.DialogPath { return b.dialog }

// Events канал событий
func (b *Base) Events() <-chan Event { return b.events.out }

// Done закрывается после завершения
func (b *Base) Done() <-chan struct{} { return b.done }

// Answered закрывается после финального ответа на входящий INVITE или
// завершения сессии. До этого серверная транзакция должна оставаться живой.
func (b *Base) Answered() <-chan struct{} { return b.answered }

func (b *Base) markAnswered() {
	b.answerOnce.Do(func() { close(b.answered) })
}

// Phase текущая фаза
func (b *Base) Phase() Phase { return b.phase.current() }

// IsEstablished медиа установлено, событие Started отправлено
func (b *Base) IsEstablished() bool { return b.phase.current() == PhaseEstablished }

// IsInitiatedLocally исходящая сессия
func (b *Base) IsInitiatedLocally() bool { return b.direction == Outgoing }

// Outcome решение по приглашению
func (b *Base) Outcome() InvitationOutcome { return b.inv.get() }

// Stream согласованный медиа поток или nil
func (b *Base) Stream() media_negotiator.Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stream
}

// SetRemover задает функцию удаления из реестра
func (b *Base) SetRemover(remove func()) {
	b.mu.Lock()
	b.remover = remove
	b.mu.Unlock()
}

// SetAutoAccept входящее приглашение принимается без решения пользователя.
// Вызывается до Start.
func (b *Base) SetAutoAccept(v bool) {
	b.autoAccept = v
}

// Start запускает исполнителя в отдельной горутине
func (b *Base) Start() {
	b.startOnce.Do(func() {
		go b.run()
	})
}

func (b *Base) run() {
	err := oops.Recoverf(func() {
		switch {
		case b.hooks.run != nil:
			b.hooks.run()
		case b.direction == Incoming:
			b.runIncoming()
		default:
			b.runOutgoing()
		}
	}, "session runner")
	if err != nil {
		b.deps.Metrics.Recovery("session")
		b.logger.Error("паника в исполнителе сессии", slog.Any("error", err))
		b.finishFailed(errUnexpected(err), b.dialog != nil && b.dialog.IsSigEstablished())
	}
}

// Discard освобождает сессию, которая так и не была запущена: сервис
// ответил на INVITE сам. Событий не отправляет. После Start ничего не делает.
func (b *Base) Discard() {
	discarded := false
	b.startOnce.Do(func() { discarded = true })
	if !discarded {
		return
	}
	b.finishOnce.Do(func() {
		if b.dialog != nil {
			b.dialog.Terminate()
		}
		b.cancel()
		b.events.discard()
		b.markAnswered()
		close(b.done)
	})
}

// Accept принимает входящее приглашение
func (b *Base) Accept() error {
	if b.direction != Incoming {
		return ErrNotIncoming
	}
	if !b.inv.decide(InvitationAccepted) {
		return ErrAlreadyDecided
	}
	return nil
}

// Reject отклоняет входящее приглашение (603)
func (b *Base) Reject() error {
	if b.direction != Incoming {
		return ErrNotIncoming
	}
	if !b.inv.decide(InvitationRejectedByUser) {
		return ErrAlreadyDecided
	}
	return nil
}

// RejectBySystem отклоняет приглашение по решению стека (480)
func (b *Base) RejectBySystem() error {
	if b.direction != Incoming {
		return ErrNotIncoming
	}
	if !b.inv.decide(InvitationRejectedBySystem) {
		return ErrAlreadyDecided
	}
	return nil
}

// Abort завершает сессию. До решения по входящему приглашению
// сессия удаляется (DELETED), на INVITE отправляется 603 при ByUser,
// иначе 480.
func (b *Base) Abort(reason TerminationReason) {
	b.abortOnce.Do(func() {
		b.mu.Lock()
		b.abortReason = reason
		b.mu.Unlock()
		if b.direction == Incoming {
			b.inv.decide(InvitationDeleted)
		}
		close(b.abortCh)
	})
}

func (b *Base) reason() TerminationReason {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.abortReason
}

// HandleAck ACK на 2xx входящего INVITE
func (b *Base) HandleAck(req *sip.Request) {
	b.ackOnce.Do(func() { close(b.ackCh) })
}

// HandleBye BYE удаленной стороны
func (b *Base) HandleBye(ctx context.Context, req *sip.Request, tx signaling.ServerTx) {
	var res *sip.Response
	if b.dialog != nil {
		res = b.dialog.BuildResponse(req, 200, "OK", "", nil, nil)
	} else {
		res = sip.NewResponseFromRequest(req, 200, "OK", nil)
	}
	if err := b.deps.Transport.SendResponse(ctx, tx, res); err != nil {
		b.logger.Warn("ответ на BYE не отправлен", slog.Any("error", err))
	}
	b.byeOnce.Do(func() { close(b.byeCh) })
}

// HandleCancel CANCEL неотвеченного входящего INVITE
func (b *Base) HandleCancel(ctx context.Context, req *sip.Request, tx signaling.ServerTx) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := b.deps.Transport.SendResponse(ctx, tx, res); err != nil {
		b.logger.Warn("ответ на CANCEL не отправлен", slog.Any("error", err))
	}
	if b.inv.decide(InvitationCanceledByRemote) {
		b.logger.Debug("приглашение отменено удаленной стороной")
	}
}

// complete сообщает исполнителю об успешном окончании передачи
func (b *Base) complete(p Progress) {
	b.completeOnce.Do(func() {
		b.mu.Lock()
		b.progress = p
		b.mu.Unlock()
		close(b.completeCh)
	})
}

// fail сообщает исполнителю об ошибке передачи
func (b *Base) fail(err *SessionError) {
	b.failOnce.Do(func() {
		b.mu.Lock()
		b.failErr = err
		b.mu.Unlock()
		close(b.failCh)
	})
}

// touch отмечает пользовательскую активность (сообщение, данные)
func (b *Base) touch() {
	b.lastActivity.Store(time.Now().UnixNano())
}

func (b *Base) idleFor() time.Duration {
	v := b.lastActivity.Load()
	if v == 0 {
		return 0
	}
	return time.Since(time.Unix(0, v))
}

func (b *Base) emit(t EventType) {
	b.push(Event{Type: t})
}

func (b *Base) push(e Event) {
	e.SessionID = b.id
	e.CallID = b.CallID()
	e.Kind = b.kind
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.events.push(e)
}

func (b *Base) emitProgress(p Progress) {
	b.push(Event{Type: EventProgress, Progress: p})
}

func (b *Base) setStream(s media_negotiator.Stream) {
	b.mu.Lock()
	b.stream = s
	b.mu.Unlock()
}

// respond отвечает на входящий INVITE
func (b *Base) respond(code int, reason string, contentType string, body []byte) error {
	invite := b.dialog.Invite()
	var contact *sip.Uri
	if code >= 200 && code < 300 {
		c := b.deps.Contact
		contact = &c
	}
	res := b.dialog.BuildResponse(invite, code, reason, contentType, body, contact)
	err := b.deps.Transport.SendResponse(b.ctx, b.inviteTx, res)
	if code >= 200 {
		b.markAnswered()
	}
	return err
}

func (b *Base) respondQuiet(code int, reason string) {
	if err := b.respond(code, reason, "", nil); err != nil {
		b.logger.Warn("ответ на INVITE не отправлен", slog.Int("status", code), slog.Any("error", err))
	}
}

// sendBye отправляет BYE, не дожидаясь результата
func (b *Base) sendBye() {
	if b.dialog == nil || !b.dialog.IsSigEstablished() {
		return
	}
	req := b.dialog.BuildBye()
	timeout := b.deps.settings().Timeouts.Transaction
	go func() {
		res, err := b.deps.Transport.SendRequestAndWait(context.Background(), req, timeout, nil)
		if err != nil {
			b.logger.Debug("BYE без ответа", slog.Any("error", err))
			return
		}
		b.logger.Debug("BYE подтвержден", slog.Int("status", res.StatusCode))
	}()
}

// finish единственный путь завершения: освобождает медиа, завершает
// сигнальный обмен, удаляет сессию из реестра и отправляет одно
// завершающее событие.
func (b *Base) finish(e Event, sendBye bool) {
	b.finishOnce.Do(func() {
		if sendBye {
			b.sendBye()
		}

		b.mu.Lock()
		stream := b.stream
		remover := b.remover
		b.mu.Unlock()

		if stream != nil {
			_ = stream.Close()
		}
		if b.dialog != nil {
			b.dialog.Terminate()
		}
		b.phase.fire(phaseEventTerminate)
		b.cancel()
		if remover != nil {
			remover()
		}
		if b.hooks.onFinish != nil {
			b.hooks.onFinish(e)
		}

		reason := string(e.Reason)
		if e.Err != nil {
			reason = e.Err.Code
		}
		b.deps.store().SessionStateChanged(persistence.StateChange{
			ID:        b.id,
			Kind:      string(b.kind),
			Contact:   b.contact,
			State:     e.Type.String(),
			Reason:    reason,
			Timestamp: time.Now(),
		})
		b.deps.Metrics.SessionTerminated(string(b.kind), e.Type.String(), reason)

		b.logger.Info("сессия завершена",
			slog.String("event", e.Type.String()),
			slog.String("reason", reason))
		b.push(e)
		b.markAnswered()
		close(b.done)
	})
}

func (b *Base) finishRejected(reason TerminationReason) {
	b.finish(Event{Type: EventRejected, Reason: reason}, false)
}

func (b *Base) finishAborted(reason TerminationReason, sendBye bool) {
	b.finish(Event{Type: EventAborted, Reason: reason}, sendBye)
}

func (b *Base) finishFailed(err *SessionError, sendBye bool) {
	err.SessionID = b.id
	err.CallID = b.CallID()
	b.finish(Event{Type: EventFailed, Err: err}, sendBye)
}

func (b *Base) finishTransferred(sendBye bool) {
	b.mu.Lock()
	p := b.progress
	b.mu.Unlock()
	b.finish(Event{Type: EventTransferred, Progress: p}, sendBye)
}

// started фиксирует установление сессии
func (b *Base) started() {
	b.phase.fire(phaseEventEstablish)
	b.touch()
	b.deps.Metrics.SessionStarted(string(b.kind), string(b.direction), time.Since(b.created))
	b.deps.store().SessionStateChanged(persistence.StateChange{
		ID:        b.id,
		Kind:      string(b.kind),
		Contact:   b.contact,
		State:     EventStarted.String(),
		Timestamp: time.Now(),
	})
	b.emit(EventStarted)

	if b.hooks.onStarted != nil {
		go func() {
			err := oops.Recoverf(func() {
				if err := b.hooks.onStarted(b.ctx); err != nil {
					b.fail(errMediaTransfer(err))
				}
			}, "session started hook")
			if err != nil {
				b.deps.Metrics.Recovery("session")
				b.fail(errUnexpected(err))
			}
		}()
	}
}

// establishMedia устанавливает медиа соединение с ограничением
// времени установки. Возвращает false, если сессия уже завершена.
func (b *Base) establishMedia(stream media_negotiator.Stream) bool {
	ctx, cancel := context.WithTimeout(b.ctx, b.deps.settings().Timeouts.MediaSetup)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- stream.Establish(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			b.finishFailed(errMediaNegotiation(err), true)
			return false
		}
		return true
	case <-b.byeCh:
		cancel()
		b.finishAborted(ByRemote, false)
		return false
	case <-b.abortCh:
		cancel()
		b.finishAborted(b.reason(), true)
		return false
	}
}

// established ждет завершения установленной сессии.
// Пока сессия жива, отправляет keep-alive и следит за бездействием.
func (b *Base) established(stream media_negotiator.Stream) {
	timeouts := b.deps.settings().Timeouts

	var tick <-chan time.Time
	if timeouts.KeepaliveInterval > 0 {
		ticker := time.NewTicker(timeouts.KeepaliveInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-b.byeCh:
			b.finishAborted(ByRemote, false)
			return
		case <-b.abortCh:
			b.finishAborted(b.reason(), true)
			return
		case <-b.completeCh:
			b.finishTransferred(true)
			return
		case <-b.failCh:
			b.mu.Lock()
			err := b.failErr
			b.mu.Unlock()
			b.finishFailed(err, true)
			return
		case <-stream.Done():
			b.onStreamLost(stream)
			return
		case <-tick:
			if timeouts.Inactivity > 0 && b.idleFor() > timeouts.Inactivity {
				b.logger.Info("сессия неактивна", slog.Duration("idle", b.idleFor()))
				b.finishAborted(ByInactivity, true)
				return
			}
			ctx, cancel := context.WithTimeout(b.ctx, timeouts.KeepaliveInterval)
			if err := stream.KeepAlive(ctx); err != nil {
				b.logger.Debug("keep-alive не отправлен", slog.Any("error", err))
			}
			cancel()
		}
	}
}

// onStreamLost разрыв медиа: удаленная сторона могла закрыть соединение
// непосредственно перед BYE, поэтому BYE ожидается короткое время.
func (b *Base) onStreamLost(stream media_negotiator.Stream) {
	timer := time.NewTimer(streamLossGrace)
	defer timer.Stop()

	select {
	case <-b.byeCh:
		b.finishAborted(ByRemote, false)
	case <-b.abortCh:
		b.finishAborted(b.reason(), true)
	case <-b.completeCh:
		b.finishTransferred(true)
	case <-timer.C:
		cause := stream.Err()
		if cause == nil {
			cause = media_negotiator.ErrStreamClosed
		}
		b.logger.Warn("медиа соединение разорвано", slog.Any("error", cause))
		b.finishFailed(errMediaTransfer(cause), true)
	}
}

func (b *Base) extractRemoteSDP(contentType string, body []byte) []byte {
	if b.hooks.remoteSDP != nil {
		return b.hooks.remoteSDP(contentType, body)
	}
	return ExtractSDP(contentType, body)
}
