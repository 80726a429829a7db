package service

import (
	"context"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_core/pkg/admission"
	"github.com/arzzra/rcs_core/pkg/media_negotiator"
	"github.com/arzzra/rcs_core/pkg/registry"
	"github.com/arzzra/rcs_core/pkg/session"
	"github.com/arzzra/rcs_core/pkg/signaling"
)

// MessageHandler получатель сообщений сессий расширений
type MessageHandler func(s *session.GenericSession, contentType string, body []byte)

// SipService сервис расширений, идентифицируемых +g.3gpp.iari-ref.
// Медиа - MSRP или RTP.
type SipService struct {
	*base
	sessions *registry.Registry[*session.GenericSession]

	handlerMu sync.RWMutex
	handler   MessageHandler
}

// NewSipService создает сервис
func NewSipService(deps Deps) *SipService {
	s := &SipService{base: newBase("sip", deps)}
	s.sessions = registry.New(s.domain, "sessions", idOf[*session.GenericSession],
		registry.WithCallIDIndex(callIDOf[*session.GenericSession]),
		registry.WithCeiling[*session.GenericSession](s.settings().Limits.MaxGenericSessions))
	return s
}

// OnMessage задает получателя сообщений всех сессий расширений
func (s *SipService) OnMessage(h MessageHandler) {
	s.handlerMu.Lock()
	s.handler = h
	s.handlerMu.Unlock()
}

func (s *SipService) bind(g *session.GenericSession) {
	g.SetMessageHandler(func(contentType string, body []byte) {
		s.handlerMu.RLock()
		h := s.handler
		s.handlerMu.RUnlock()
		if h != nil {
			h(g, contentType, body)
		}
	})
}

func (s *SipService) capacity() admission.Decision {
	return admission.CheckCapacity(s.domain.CountOfLocked(s.sessions), s.sessions.Ceiling(), admission.KindGeneric)
}

// ReceiveSessionInvitation обрабатывает приглашение в сессию расширения.
// Возвращает запущенную сессию или nil.
func (s *SipService) ReceiveSessionInvitation(ctx context.Context, req *sip.Request, tx signaling.ServerTx) session.Session {
	contact := session.RemoteContact(req)
	blocked := s.deps.Contacts.IsBlocked(contact)

	g, dec, err := admit(s.sessions, func() *session.GenericSession {
		return session.NewIncomingGenericSession(s.deps.Session, req, tx, contact)
	},
		func() admission.Decision { return admission.CheckBlocked(blocked, admission.KindGeneric) },
		s.capacity,
	)
	if !dec.Accepted() {
		s.rejectInvite(ctx, req, tx, dec.Rejection)
		return nil
	}
	if err != nil {
		s.refuseInvite(ctx, req, tx, g, admission.KindGeneric, err)
		return nil
	}
	s.bind(g)
	s.launch(g, func() { s.sessions.Remove(g) })
	return g
}

// InitiateSession начинает сессию расширения iariRef с контактом
func (s *SipService) InitiateSession(contact, iariRef string, mediaKind media_negotiator.Kind) (*session.GenericSession, error) {
	remote, err := s.remoteURI(contact)
	if err != nil {
		return nil, err
	}
	g, dec, err := admit(s.sessions, func() *session.GenericSession {
		return session.NewOutgoingGenericSession(s.deps.Session, remote, contact, iariRef, mediaKind)
	}, s.capacity)
	if !dec.Accepted() {
		return nil, s.rejected(dec.Rejection)
	}
	if err != nil {
		g.Discard()
		return nil, err
	}
	s.bind(g)
	s.launch(g, func() { s.sessions.Remove(g) })
	return g, nil
}

// Session сессия расширения по идентификатору
func (s *SipService) Session(id string) (*session.GenericSession, bool) {
	return s.sessions.Lookup(id)
}

// FindByCallID ищет сессию расширения по Call-ID
func (s *SipService) FindByCallID(callID string) (session.Session, bool) {
	if g, ok := s.sessions.LookupByCallID(callID); ok {
		return g, true
	}
	return nil, false
}

// AbortAllSessions завершает все сессии расширений
func (s *SipService) AbortAllSessions(reason session.TerminationReason) {
	abortAll(s.sessions, reason)
}
