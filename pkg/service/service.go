// Package service содержит сервисы функций RCS: обмен сообщениями и файлами
// (IMService), IP звонки (IPCallService), обмен изображениями и геопозицией
// (RichcallService) и расширения (SipService).
//
// Сервис принимает входящие приглашения от диспетчера, выполняет контроль
// допуска, создает сессии, регистрирует их в своих реестрах и пересылает
// события всех сессий в общий EventSink стека.
package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/samber/oops"

	"github.com/arzzra/rcs_core/internal/config"
	"github.com/arzzra/rcs_core/pkg/admission"
	"github.com/arzzra/rcs_core/pkg/contacts"
	"github.com/arzzra/rcs_core/pkg/persistence"
	"github.com/arzzra/rcs_core/pkg/registry"
	"github.com/arzzra/rcs_core/pkg/session"
	"github.com/arzzra/rcs_core/pkg/signaling"
)

// Service общий интерфейс сервисов для диспетчера и стека
type Service interface {
	Name() string
	// FindByCallID ищет сессию сервиса по Call-ID
	FindByCallID(callID string) (session.Session, bool)
	// AbortAllSessions завершает все сессии сервиса
	AbortAllSessions(reason session.TerminationReason)
	Close()
}

// EventSink получатель событий всех сессий
type EventSink interface {
	OnSessionEvent(e session.Event)
}

// EventSinkFunc функция как EventSink
type EventSinkFunc func(e session.Event)

// OnSessionEvent вызывает f
func (f EventSinkFunc) OnSessionEvent(e session.Event) { f(e) }

// Deps зависимости сервисов
type Deps struct {
	Session  session.Deps
	Contacts contacts.Directory
	Sink     EventSink
	// FreeSpace свободное место для приема файлов, -1 если неизвестно
	FreeSpace func() int64
}

type base struct {
	name   string
	deps   Deps
	domain *registry.Domain
	logger *slog.Logger
}

func newBase(name string, deps Deps) *base {
	if deps.Contacts == nil {
		deps.Contacts = contacts.NewStore()
	}
	if deps.Session.Store == nil {
		deps.Session.Store = persistence.Nop{}
	}
	if deps.Session.Settings == nil {
		deps.Session.Settings = config.DefaultConfig()
	}
	logger := slog.Default().With(slog.String("component", "service"), slog.String("service", name))
	collector := deps.Session.Metrics
	b := &base{
		name:   name,
		deps:   deps,
		logger: logger,
	}
	b.domain = registry.NewDomain(name,
		registry.WithLogger(logger),
		registry.WithChangeHook(func(reg string, count int) {
			collector.RegistryChanged(name, reg, count)
		}),
	)
	return b
}

// Name имя сервиса
func (b *base) Name() string { return b.name }

// Close останавливает обработчик удалений домена
func (b *base) Close() { b.domain.Close() }

func (b *base) settings() *config.Settings { return b.deps.Session.Settings }

func (b *base) freeSpace() int64 {
	if b.deps.FreeSpace == nil {
		return -1
	}
	return b.deps.FreeSpace()
}

// launch связывает сессию с реестром и стоком событий и запускает ее
func (b *base) launch(s session.Session, remove func()) {
	s.SetRemover(remove)
	go b.forward(s)
	s.Start()
}

func (b *base) forward(s session.Session) {
	for e := range s.Events() {
		if b.deps.Sink != nil {
			b.deps.Sink.OnSessionEvent(e)
		}
	}
}

// rejectInvite отвечает отказом на входящий INVITE без создания сессии
func (b *base) rejectInvite(ctx context.Context, req *sip.Request, tx signaling.ServerTx, rej *admission.Rejection) {
	b.deps.Session.Metrics.AdmissionRejected(rej.Kind.String(), string(rej.Reason))
	b.logger.Info("приглашение отклонено",
		slog.String("kind", rej.Kind.String()),
		slog.String("reason", string(rej.Reason)),
		slog.Int("status", rej.Status),
		slog.String("message", rej.Message))

	res := sip.NewResponseFromRequest(req, rej.Status, rej.StatusReason(), nil)
	if err := b.deps.Session.Transport.SendResponse(ctx, tx, res); err != nil {
		b.logger.Warn("отказ не отправлен", slog.Any("error", err))
	}
}

// refuseInvite отвечает 480 на INVITE сессии, которую не удалось
// зарегистрировать. Сессия освобождается без запуска и событий.
func (b *base) refuseInvite(ctx context.Context, req *sip.Request, tx signaling.ServerTx, s session.Session, kind admission.Kind, err error) {
	s.Discard()
	b.logger.Warn("сессия не зарегистрирована", slog.String("kind", kind.String()), slog.Any("error", err))
	b.rejectInvite(ctx, req, tx, &admission.Rejection{
		Kind:    kind,
		Reason:  admission.ReasonSystem,
		Status:  admission.StatusTemporarilyUnavailable,
		Message: err.Error(),
	})
}

// rejected учитывает отказ для исходящей сессии и возвращает его как ошибку
func (b *base) rejected(rej *admission.Rejection) error {
	b.deps.Session.Metrics.AdmissionRejected(rej.Kind.String(), string(rej.Reason))
	return oops.In("service").Code(string(rej.Reason)).With("service", b.name).Wrap(rej)
}

func (b *base) storeSpam(kind admission.Kind, contact string, req *sip.Request, msg *persistence.Message) {
	callID := ""
	if req != nil && req.CallID() != nil {
		callID = req.CallID().Value()
	}
	b.deps.Session.Store.SpamRejected(persistence.SpamRejection{
		Kind:      kind.String(),
		Contact:   contact,
		CallID:    callID,
		Reason:    string(admission.ReasonSpam),
		Message:   msg,
		Timestamp: time.Now(),
	})
}

// remoteURI адрес удаленной стороны по контакту: sip:/tel: URI или
// номер, дополняемый доменом
func (b *base) remoteURI(contact string) (sip.Uri, error) {
	raw := strings.Trim(strings.TrimSpace(contact), "<>")
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "tel:") {
		raw = "sip:" + raw[len("tel:"):] + "@" + b.settings().SIP.Domain + ";user=phone"
	} else if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		raw = "sip:" + raw
		if !strings.Contains(raw, "@") {
			raw += "@" + b.settings().SIP.Domain
		}
	}
	var uri sip.Uri
	if err := sip.ParseUri(raw, &uri); err != nil {
		return sip.Uri{}, oops.In("service").With("contact", contact).Wrapf(err, "некорректный адрес контакта")
	}
	return uri, nil
}

func callIDOf[S session.Session](s S) string { return s.CallID() }

func idOf[S session.Session](s S) string { return s.ID() }

// entry сессия, хранимая в реестре
type entry interface {
	comparable
	session.Session
}

func abortAll[S entry](reg *registry.Registry[S], reason session.TerminationReason) {
	for _, s := range reg.Snapshot() {
		s.Abort(reason)
	}
}
