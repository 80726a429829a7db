package service

import (
	"context"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_core/pkg/admission"
	"github.com/arzzra/rcs_core/pkg/registry"
	"github.com/arzzra/rcs_core/pkg/session"
	"github.com/arzzra/rcs_core/pkg/signaling"
)

// IPCallService сервис IP звонков (голос и видео поверх RTP)
type IPCallService struct {
	*base
	calls *registry.Registry[*session.IPCall]
}

// NewIPCallService создает сервис
func NewIPCallService(deps Deps) *IPCallService {
	s := &IPCallService{base: newBase("ipcall", deps)}
	s.calls = registry.New(s.domain, "calls", idOf[*session.IPCall],
		registry.WithCallIDIndex(callIDOf[*session.IPCall]),
		registry.WithCeiling[*session.IPCall](s.settings().Limits.MaxIPCallSessions))
	return s
}

func (s *IPCallService) capacity() admission.Decision {
	return admission.CheckCapacity(s.domain.CountOfLocked(s.calls), s.calls.Ceiling(), admission.KindIPCall)
}

// ReceiveIPCallInvitation обрабатывает входящий звонок. Возвращает
// запущенную сессию или nil, если сервис ответил на INVITE сам.
func (s *IPCallService) ReceiveIPCallInvitation(ctx context.Context, req *sip.Request, tx signaling.ServerTx) session.Session {
	contact := session.RemoteContact(req)
	blocked := s.deps.Contacts.IsBlocked(contact)

	call, dec, err := admit(s.calls, func() *session.IPCall {
		return session.NewIncomingIPCall(s.deps.Session, req, tx, contact)
	},
		func() admission.Decision { return admission.CheckBlocked(blocked, admission.KindIPCall) },
		s.capacity,
	)
	if !dec.Accepted() {
		s.rejectInvite(ctx, req, tx, dec.Rejection)
		return nil
	}
	if err != nil {
		s.refuseInvite(ctx, req, tx, call, admission.KindIPCall, err)
		return nil
	}
	s.launch(call, func() { s.calls.Remove(call) })
	return call
}

// InitiateIPCall звонит контакту
func (s *IPCallService) InitiateIPCall(contact string, video bool) (*session.IPCall, error) {
	remote, err := s.remoteURI(contact)
	if err != nil {
		return nil, err
	}
	call, dec, err := admit(s.calls, func() *session.IPCall {
		return session.NewOutgoingIPCall(s.deps.Session, remote, contact, video)
	}, s.capacity)
	if !dec.Accepted() {
		return nil, s.rejected(dec.Rejection)
	}
	if err != nil {
		call.Discard()
		return nil, err
	}
	s.launch(call, func() { s.calls.Remove(call) })
	return call, nil
}

// Call звонок по идентификатору сессии
func (s *IPCallService) Call(id string) (*session.IPCall, bool) {
	return s.calls.Lookup(id)
}

// FindByCallID ищет звонок по Call-ID
func (s *IPCallService) FindByCallID(callID string) (session.Session, bool) {
	if c, ok := s.calls.LookupByCallID(callID); ok {
		return c, true
	}
	return nil, false
}

// AbortAllSessions завершает все звонки
func (s *IPCallService) AbortAllSessions(reason session.TerminationReason) {
	abortAll(s.calls, reason)
}
