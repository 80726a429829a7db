package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/arzzra/rcs_core/internal/config"
	"github.com/arzzra/rcs_core/pkg/admission"
	"github.com/arzzra/rcs_core/pkg/contacts"
	"github.com/arzzra/rcs_core/pkg/dialog_path"
	"github.com/arzzra/rcs_core/pkg/media_negotiator"
	"github.com/arzzra/rcs_core/pkg/persistence"
	"github.com/arzzra/rcs_core/pkg/session"
	"github.com/arzzra/rcs_core/pkg/signaling/mockTransport"
)

var portBase atomic.Uint32

func init() {
	portBase.Store(34200)
}

func mustURI(s string) sip.Uri {
	var uri sip.Uri
	if err := sip.ParseUri(s, &uri); err != nil {
		panic(err)
	}
	return uri
}

// eventLog сток событий для тестов
type eventLog struct {
	mu     sync.Mutex
	events []session.Event
}

func (l *eventLog) OnSessionEvent(e session.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) has(sessionID string, t session.EventType) (session.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.SessionID == sessionID && e.Type == t {
			return e, true
		}
	}
	return session.Event{}, false
}

type ServiceSuite struct {
	suite.Suite
	transport *mockTransport.Transport
	store     *persistence.Recorder
	directory *contacts.Store
	settings  *config.Settings
	sink      *eventLog
	local     *media_negotiator.Negotiator
	remote    *media_negotiator.Negotiator
	deps      Deps
	free      atomic.Int64
	ctx       context.Context
	cancel    context.CancelFunc

	services []Service
	streams  []media_negotiator.Stream
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) newNegotiator() *media_negotiator.Negotiator {
	base := uint16(portBase.Add(40) - 40)
	cfg := config.DefaultConfig().Media
	cfg.MinPort = base
	cfg.MaxPort = base + 18
	n, err := media_negotiator.NewNegotiator(cfg, media_negotiator.NewPortPoolFromConfig(cfg))
	s.Require().NoError(err)
	return n
}

func (s *ServiceSuite) SetupTest() {
	s.transport = mockTransport.New()
	s.store = persistence.NewRecorder()
	s.directory = contacts.NewStore()
	s.sink = &eventLog{}
	s.settings = config.DefaultConfig()
	s.settings.SIP.Domain = "example.com"
	s.settings.Timeouts.Ringing = 5 * time.Second
	s.settings.Timeouts.Transaction = 5 * time.Second
	s.settings.Timeouts.Ack = time.Second
	s.settings.Timeouts.MediaSetup = 2 * time.Second
	s.local = s.newNegotiator()
	s.remote = s.newNegotiator()
	s.free.Store(-1)
	s.deps = Deps{
		Session: session.Deps{
			Transport:  s.transport,
			Negotiator: s.local,
			Settings:   s.settings,
			Store:      s.store,
			LocalURI:   mustURI("sip:alice@127.0.0.1"),
			Contact:    mustURI("sip:alice@127.0.0.1:5060"),
		},
		Contacts:  s.directory,
		Sink:      s.sink,
		FreeSpace: s.free.Load,
	}
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 10*time.Second)
	s.services = nil
	s.streams = nil
}

func (s *ServiceSuite) TearDownTest() {
	for _, svc := range s.services {
		svc.AbortAllSessions(session.BySystem)
		svc.Close()
	}
	for _, st := range s.streams {
		_ = st.Close()
	}
	s.cancel()
}

func (s *ServiceSuite) im() *IMService {
	svc := NewIMService(s.deps)
	s.services = append(s.services, svc)
	return svc
}

func (s *ServiceSuite) offer(opts media_negotiator.StreamOptions) []byte {
	stream, err := s.remote.Offer(s.ctx, media_negotiator.KindMSRP, opts)
	s.Require().NoError(err)
	s.streams = append(s.streams, stream)
	return stream.LocalSDP()
}

// invite INVITE от from к alice
func (s *ServiceSuite) invite(from, contentType string, body []byte, headers ...sip.Header) *sip.Request {
	d := dialog_path.New(uuid.NewString(), mustURI(from), mustURI("sip:alice@127.0.0.1"))
	req, err := d.BuildInvite(mustURI(from), contentType, body, headers...)
	s.Require().NoError(err)
	return req
}

func (s *ServiceSuite) chatInvite(from, first string) *sip.Request {
	sdp := s.offer(media_negotiator.StreamOptions{})
	if first == "" {
		return s.invite(from, "application/sdp", sdp)
	}
	ct, body := session.BuildMultipart(
		session.BodyPart{ContentType: "application/sdp", Content: sdp},
		session.BodyPart{ContentType: "text/plain", Content: []byte(first)},
	)
	return s.invite(from, ct, body)
}

func (s *ServiceSuite) waitStatus(tx *mockTransport.ServerTx, code int) {
	s.Require().Eventually(func() bool {
		res := tx.Last()
		return res != nil && res.StatusCode == code
	}, 3*time.Second, 10*time.Millisecond, "ожидался ответ %d", code)
}

func (s *ServiceSuite) waitEvent(sess session.Session, t session.EventType) session.Event {
	var e session.Event
	s.Require().Eventually(func() bool {
		var ok bool
		e, ok = s.sink.has(sess.ID(), t)
		return ok
	}, 3*time.Second, 10*time.Millisecond, "ожидалось событие %s", t)
	return e
}

func (s *ServiceSuite) TestChat_BlockedStoresSpam() {
	svc := s.im()
	s.directory.Block("sip:bob@127.0.0.1")
	req := s.chatInvite("sip:bob@127.0.0.1", "купите слона")
	tx := &mockTransport.ServerTx{}

	svc.ReceiveOneToOneChatInvitation(s.ctx, req, tx)

	s.Require().NotNil(tx.Last())
	s.Equal(486, tx.Last().StatusCode)
	spam := s.store.Spam()
	s.Require().Len(spam, 1)
	s.Equal(string(admission.ReasonSpam), spam[0].Reason)
	s.Require().NotNil(spam[0].Message)
	s.Equal("купите слона", string(spam[0].Message.Body))
	s.Empty(s.store.Messages(), "в историю сообщение не попадает")
	_, found := svc.Chat("sip:bob@127.0.0.1")
	s.False(found)
}

func (s *ServiceSuite) TestChat_FirstMessageStoredBeforeCapacity() {
	s.settings.Limits.MaxChatSessions = 1
	svc := s.im()

	tx1 := &mockTransport.ServerTx{}
	svc.ReceiveOneToOneChatInvitation(s.ctx, s.chatInvite("sip:bob@127.0.0.1", "первый"), tx1)
	s.waitStatus(tx1, 180)
	chat, ok := svc.Chat("bob@127.0.0.1")
	s.Require().True(ok)
	s.waitEvent(chat, session.EventInvited)

	tx2 := &mockTransport.ServerTx{}
	svc.ReceiveOneToOneChatInvitation(s.ctx, s.chatInvite("sip:carol@127.0.0.1", "второй"), tx2)
	s.Require().NotNil(tx2.Last())
	s.Equal(486, tx2.Last().StatusCode, "достигнут лимит чатов")

	var bodies []string
	for _, m := range s.store.Messages() {
		bodies = append(bodies, string(m.Body))
	}
	s.ElementsMatch([]string{"первый", "второй"}, bodies, "первое сообщение сохраняется до проверки емкости")
}

// eventsOf события сессий с Call-ID
func (l *eventLog) eventsOf(callID string) []session.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []session.Event
	for _, e := range l.events {
		if e.CallID == callID {
			out = append(out, e)
		}
	}
	return out
}

func (s *ServiceSuite) TestChat_DuplicateInvitationRejected() {
	svc := s.im()

	tx1 := &mockTransport.ServerTx{}
	svc.ReceiveOneToOneChatInvitation(s.ctx, s.chatInvite("sip:bob@127.0.0.1", ""), tx1)
	old, ok := svc.Chat("sip:bob@127.0.0.1")
	s.Require().True(ok)
	s.waitEvent(old, session.EventInvited)

	req := s.chatInvite("sip:bob@127.0.0.1", "")
	tx2 := &mockTransport.ServerTx{}
	s.Nil(svc.ReceiveOneToOneChatInvitation(s.ctx, req, tx2))

	s.Require().NotNil(tx2.Last(), "отказ отправлен сразу")
	s.Equal(480, tx2.Last().StatusCode)
	s.Empty(s.sink.eventsOf(req.CallID().Value()), "отклоненное приглашение не создает событий")

	current, ok := svc.Chat("sip:bob@127.0.0.1")
	s.Require().True(ok)
	s.Equal(old.ID(), current.ID(), "существующий чат сохранен")
	s.Equal(180, tx1.Last().StatusCode, "первое приглашение ждет решения")
	_, terminated := s.sink.has(old.ID(), session.EventRejected)
	s.False(terminated)
}

func (s *ServiceSuite) TestRefuseInvite_SilentWithoutRunner() {
	svc := s.im()
	req := s.chatInvite("sip:bob@127.0.0.1", "")
	tx := &mockTransport.ServerTx{}
	chat := session.NewIncomingChat(s.deps.Session, req, tx, "sip:bob@127.0.0.1")

	svc.refuseInvite(s.ctx, req, tx, chat, admission.KindChat, errors.New("реестр закрыт"))

	s.Require().Len(tx.Responses(), 1, "только окончательный ответ, без 180")
	s.Equal(480, tx.Last().StatusCode)
	select {
	case <-chat.Done():
	case <-time.After(time.Second):
		s.FailNow("сессия не освобождена")
	}
	select {
	case _, open := <-chat.Events():
		s.False(open, "канал событий закрыт без событий")
	case <-time.After(time.Second):
		s.FailNow("канал событий не закрыт")
	}
	s.Empty(s.sink.eventsOf(req.CallID().Value()))
	chat.Start()
	s.Len(tx.Responses(), 1, "освобожденная сессия не запускается")
}

func (s *ServiceSuite) storeAndForwardNotification(referredBy string) *sip.Request {
	sdp := s.offer(media_negotiator.StreamOptions{})
	ct, body := session.BuildMultipart(
		session.BodyPart{ContentType: "application/sdp", Content: sdp},
		session.BodyPart{ContentType: session.ContentTypeIMDN, Content: []byte("<imdn/>")},
	)
	return s.invite("sip:sf@example.com", ct, body,
		sip.NewHeader(session.HeaderReferredBy, "<"+referredBy+">"))
}

func (s *ServiceSuite) TestStoreAndForward_NotificationReplacesRemoteChat() {
	svc := s.im()
	tx1 := &mockTransport.ServerTx{}
	svc.ReceiveOneToOneChatInvitation(s.ctx, s.chatInvite("sip:bob@127.0.0.1", ""), tx1)
	old, ok := svc.Chat("sip:bob@127.0.0.1")
	s.Require().True(ok)
	s.waitEvent(old, session.EventInvited)

	req := s.storeAndForwardNotification("sip:bob@127.0.0.1")
	tx := &mockTransport.ServerTx{}
	s.NotNil(svc.ReceiveStoreAndForwardInvitation(s.ctx, req, tx))

	s.waitStatus(tx1, 480)
	e := s.waitEvent(old, session.EventRejected)
	s.Equal(session.BySystem, e.Reason)
	_, ok = svc.Chat("sip:bob@127.0.0.1")
	s.False(ok, "чат удален из реестра")
	_, ok = svc.FindByCallID(req.CallID().Value())
	s.True(ok, "уведомления зарегистрированы")
}

func (s *ServiceSuite) TestStoreAndForward_ConcurrentNotifications() {
	svc := s.im()
	tx1 := &mockTransport.ServerTx{}
	svc.ReceiveOneToOneChatInvitation(s.ctx, s.chatInvite("sip:bob@127.0.0.1", ""), tx1)
	old, ok := svc.Chat("sip:bob@127.0.0.1")
	s.Require().True(ok)
	s.waitEvent(old, session.EventInvited)

	const n = 5
	reqs := make([]*sip.Request, n)
	txs := make([]*mockTransport.ServerTx, n)
	for i := range reqs {
		reqs[i] = s.storeAndForwardNotification("sip:bob@127.0.0.1")
		txs[i] = &mockTransport.ServerTx{}
	}

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if svc.ReceiveStoreAndForwardInvitation(s.ctx, reqs[i], txs[i]) != nil {
				accepted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	s.Equal(int32(1), accepted.Load(), "чат заменяется одной доставкой")
	rejected := 0
	for _, tx := range txs {
		if res := tx.Last(); res != nil && res.StatusCode == 480 {
			rejected++
		}
	}
	s.Equal(n-1, rejected, "остальные доставки получают 480")

	s.waitStatus(tx1, 480)
	s.Eventually(func() bool {
		count := 0
		for _, e := range s.sink.eventsOf(old.CallID()) {
			if e.IsTerminal() {
				count++
			}
		}
		return count == 1
	}, 2*time.Second, 10*time.Millisecond, "старый чат завершен один раз")
	finals := 0
	for _, res := range tx1.Responses() {
		if res.StatusCode >= 200 {
			finals++
		}
	}
	s.Equal(1, finals)
}

func (s *ServiceSuite) TestStoreAndForward_RejectedWhileLocalChatPending() {
	svc := s.im()
	local, err := svc.InitiateOneToOneChat("sip:bob@127.0.0.1", nil)
	s.Require().NoError(err)
	_, sent := s.transport.WaitRequest(sip.INVITE, 2*time.Second)
	s.Require().True(sent)

	sdp := s.offer(media_negotiator.StreamOptions{})
	ct, body := session.BuildMultipart(
		session.BodyPart{ContentType: "application/sdp", Content: sdp},
		session.BodyPart{ContentType: session.ContentTypeIMDN, Content: []byte("<imdn/>")},
	)
	req := s.invite("sip:sf@example.com", ct, body,
		sip.NewHeader(session.HeaderReferredBy, "<sip:bob@127.0.0.1>"))
	tx := &mockTransport.ServerTx{}
	s.Nil(svc.ReceiveStoreAndForwardInvitation(s.ctx, req, tx))

	s.Require().NotNil(tx.Last(), "отказ отправлен сразу")
	s.Equal(480, tx.Last().StatusCode)
	s.Len(tx.Responses(), 1)
	s.Empty(s.sink.eventsOf(req.CallID().Value()), "доставка не создает сессию")
	current, ok := svc.Chat("sip:bob@127.0.0.1")
	s.Require().True(ok)
	s.Equal(local.ID(), current.ID(), "исходящий чат сохранен")
}

func (s *ServiceSuite) TestStoreAndForward_MessageAutoAccepted() {
	svc := s.im()
	sdp := s.offer(media_negotiator.StreamOptions{})
	ct, body := session.BuildMultipart(
		session.BodyPart{ContentType: "application/sdp", Content: sdp},
		session.BodyPart{ContentType: "text/plain", Content: []byte("отложенное")},
	)
	req := s.invite("sip:sf@example.com", ct, body,
		sip.NewHeader(session.HeaderReferredBy, "<sip:bob@127.0.0.1>"))
	tx := &mockTransport.ServerTx{}
	svc.ReceiveStoreAndForwardInvitation(s.ctx, req, tx)

	s.waitStatus(tx, 200)
	sf, ok := svc.FindByCallID(req.CallID().Value())
	s.Require().True(ok)
	s.Equal(session.KindStoreAndForwardMessage, sf.Kind())
	s.Require().NotEmpty(s.store.Messages())
	s.Equal("отложенное", string(s.store.Messages()[0].Body))
}

func (s *ServiceSuite) TestGroupChat_RejectNextOnce() {
	svc := s.im()
	svc.SetRejectNextGroupChatInvitation("conf-1")

	newInvite := func() *sip.Request {
		return s.invite("sip:conf@example.com", "application/sdp", s.offer(media_negotiator.StreamOptions{}),
			sip.NewHeader(session.HeaderContributionID, "conf-1"),
			sip.NewHeader("Contact", "<sip:conf@example.com>;isfocus"))
	}

	tx1 := &mockTransport.ServerTx{}
	svc.ReceiveGroupChatInvitation(s.ctx, newInvite(), tx1)
	s.Require().NotNil(tx1.Last())
	s.Equal(603, tx1.Last().StatusCode)

	tx2 := &mockTransport.ServerTx{}
	req := newInvite()
	svc.ReceiveGroupChatInvitation(s.ctx, req, tx2)
	s.waitStatus(tx2, 180)
	group, ok := svc.GroupChat("conf-1")
	s.Require().True(ok)

	sub := group.Subscriber()
	s.NotEqual(req.CallID().Value(), sub.CallID())

	notifyTx := &mockTransport.ServerTx{}
	notify := req.Clone()
	notify.Method = sip.NOTIFY
	notify.RemoveHeader("Call-ID")
	callID := sip.CallIDHeader(sub.CallID())
	notify.AppendHeader(&callID)
	notify.RemoveHeader("Content-Type")
	ct := sip.ContentTypeHeader("application/conference-info+xml")
	notify.AppendHeader(&ct)
	notify.SetBody([]byte(`<conference-info state="full"><users><user entity="sip:bob@x" state="full"/></users></conference-info>`))
	s.True(svc.HandleNotify(s.ctx, notify, notifyTx))
	s.Equal(200, notifyTx.Last().StatusCode)
	s.Len(group.Participants(), 1)

	other := s.invite("sip:conf@example.com", "", nil)
	other.Method = sip.NOTIFY
	s.False(svc.HandleNotify(s.ctx, other, &mockTransport.ServerTx{}), "чужой Call-ID")

	byInvite := req.Clone()
	byInvite.Method = sip.NOTIFY
	s.False(svc.HandleNotify(s.ctx, byInvite, &mockTransport.ServerTx{}), "Call-ID приглашения не принадлежит подписке")

	group.Abort(session.ByUser)
	s.waitEvent(group, session.EventAborted)
	s.Eventually(func() bool {
		return !svc.HandleNotify(s.ctx, notify, &mockTransport.ServerTx{})
	}, 2*time.Second, 10*time.Millisecond, "подписка удалена вместе с чатом")
}

func (s *ServiceSuite) TestFileTransfer_Admission() {
	s.settings.Limits.MaxFileTransferSize = 1000
	tests := []struct {
		name    string
		blocked bool
		size    int64
		free    int64
		status  int
		reason  admission.Reason
	}{
		{"заблокированный контакт", true, 10, -1, 603, admission.ReasonSpam},
		{"превышен размер", false, 5000, -1, 603, admission.ReasonMaxSize},
		{"мало места", false, 500, 100, 603, admission.ReasonLowSpace},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			svc := s.im()
			s.free.Store(tt.free)
			from := "sip:" + uuid.NewString()[:8] + "@127.0.0.1"
			if tt.blocked {
				s.directory.Block(from)
			}
			file := session.FileInfo{Name: "a.bin", ContentType: "application/octet-stream", Size: tt.size}
			sdp := s.offer(media_negotiator.StreamOptions{FileSelector: file.Selector()})
			tx := &mockTransport.ServerTx{}
			svc.ReceiveFileTransferInvitation(s.ctx, s.invite(from, "application/sdp", sdp), tx)

			s.Require().NotNil(tx.Last())
			s.Equal(tt.status, tx.Last().StatusCode)
			s.Equal(0, svc.fileTransfers.Count())
		})
	}
}

func (s *ServiceSuite) TestHTTPFileTransfer_SizeRejected() {
	s.settings.Limits.MaxFileTransferSize = 10
	svc := s.im()
	info := session.HTTPFileInfo{URL: "http://127.0.0.1:1/f", Name: "big.bin", Size: 100}

	_, err := svc.ReceiveHTTPFileTransfer("sip:bob@127.0.0.1", info, false)
	var rej *admission.Rejection
	s.Require().True(errors.As(err, &rej))
	s.Equal(603, rej.Status)
	s.Equal(admission.ReasonMaxSize, rej.Reason)

	_, err = svc.ReceiveHTTPFileTransfer("sip:bob@127.0.0.1", info, true)
	s.Require().True(errors.As(err, &rej))
	s.Equal(403, rej.Status, "store-and-forward отвечает 403")
}

func (s *ServiceSuite) TestIPCall_BlockedAndCapacity() {
	s.settings.Limits.MaxIPCallSessions = 1
	svc := NewIPCallService(s.deps)
	s.services = append(s.services, svc)

	audio := func() []byte {
		stream, err := s.remote.Offer(s.ctx, media_negotiator.KindRTP, media_negotiator.StreamOptions{Media: media_negotiator.MediaAudio})
		s.Require().NoError(err)
		s.streams = append(s.streams, stream)
		return stream.LocalSDP()
	}

	s.directory.Block("sip:spam@127.0.0.1")
	tx := &mockTransport.ServerTx{}
	svc.ReceiveIPCallInvitation(s.ctx, s.invite("sip:spam@127.0.0.1", "application/sdp", audio()), tx)
	s.Equal(486, tx.Last().StatusCode)

	tx1 := &mockTransport.ServerTx{}
	req := s.invite("sip:bob@127.0.0.1", "application/sdp", audio())
	svc.ReceiveIPCallInvitation(s.ctx, req, tx1)
	s.waitStatus(tx1, 180)
	call, ok := svc.FindByCallID(req.CallID().Value())
	s.Require().True(ok)

	tx2 := &mockTransport.ServerTx{}
	svc.ReceiveIPCallInvitation(s.ctx, s.invite("sip:carol@127.0.0.1", "application/sdp", audio()), tx2)
	s.Equal(486, tx2.Last().StatusCode, "лимит звонков")

	svc.AbortAllSessions(session.BySystem)
	e := s.waitEvent(call, session.EventAborted)
	s.Equal(session.BySystem, e.Reason)
	s.Eventually(func() bool {
		_, found := svc.FindByCallID(req.CallID().Value())
		return !found
	}, 2*time.Second, 10*time.Millisecond, "звонок удален из реестра")
}

func (s *ServiceSuite) TestSipService_Capacity() {
	s.settings.Limits.MaxGenericSessions = 1
	svc := NewSipService(s.deps)
	s.services = append(s.services, svc)
	iari := sip.NewHeader(session.HeaderAcceptContact, `*;+g.3gpp.iari-ref="urn%3Aurn-7%3A3gpp-application.ims.iari.game"`)

	tx1 := &mockTransport.ServerTx{}
	req := s.invite("sip:bob@127.0.0.1", "application/sdp", s.offer(media_negotiator.StreamOptions{}), iari)
	svc.ReceiveSessionInvitation(s.ctx, req, tx1)
	s.waitStatus(tx1, 180)
	g, ok := svc.FindByCallID(req.CallID().Value())
	s.Require().True(ok)
	s.Equal("urn%3Aurn-7%3A3gpp-application.ims.iari.game", g.(*session.GenericSession).IARIRef())

	_, err := svc.InitiateSession("sip:carol@127.0.0.1", "urn:x", media_negotiator.KindMSRP)
	var rej *admission.Rejection
	s.Require().True(errors.As(err, &rej))
	s.Equal(admission.ReasonMaxSessions, rej.Reason)
}

func (s *ServiceSuite) TestInitiateGroupChat_NoConferenceURI() {
	svc := s.im()
	_, err := svc.InitiateGroupChat("тема", []string{"sip:bob@x"})
	s.ErrorIs(err, ErrNoConferenceURI)
}

func (s *ServiceSuite) TestRemoteURI() {
	svc := s.im()
	tests := map[string]string{
		"+79001234567":        "sip:+79001234567@example.com",
		"sip:bob@127.0.0.1":   "sip:bob@127.0.0.1",
		"<sip:bob@127.0.0.1>": "sip:bob@127.0.0.1",
		"bob@other.org":       "sip:bob@other.org",
		"tel:+79001234567":    "sip:+79001234567@example.com;user=phone",
	}
	for in, want := range tests {
		uri, err := svc.remoteURI(in)
		s.Require().NoError(err, in)
		s.Equal(want, uri.String(), in)
	}
}

func (s *ServiceSuite) deliveryMessage(from string, report session.DeliveryReport) *sip.Request {
	req := s.invite(from, "message/cpim", session.BuildCPIM(from, "sip:alice@127.0.0.1", report))
	req.Method = sip.MESSAGE
	return req
}

func (s *ServiceSuite) TestDeliveryReport_StoredAndPassedToHandler() {
	svc := s.im()
	type received struct {
		contact string
		report  session.DeliveryReport
		file    bool
	}
	reports := make(chan received, 2)
	svc.OnDeliveryReport(func(contact string, r session.DeliveryReport, file bool) {
		reports <- received{contact, r, file}
	})

	tx := &mockTransport.ServerTx{}
	svc.ReceiveDeliveryReport(s.ctx, s.deliveryMessage("sip:bob@127.0.0.1",
		session.DeliveryReport{MessageID: "msg-1", Status: session.DeliveryDisplayed, Display: true}), tx)

	s.Equal(200, tx.Last().StatusCode)
	r := <-reports
	s.Equal("msg-1", r.report.MessageID)
	s.Equal(session.DeliveryDisplayed, r.report.Status)
	s.True(r.report.Display)
	s.False(r.file)
	s.Contains(r.contact, "bob@127.0.0.1")

	stored := s.store.Delivery()
	s.Require().Len(stored, 1)
	s.Equal("msg-1", stored[0].MessageID)
	s.Equal("displayed", stored[0].Status)

	svc.reportMu.Lock()
	svc.fileMessages["msg-file"] = "transfer-1"
	svc.reportMu.Unlock()
	svc.ReceiveDeliveryReport(s.ctx, s.deliveryMessage("sip:bob@127.0.0.1",
		session.DeliveryReport{MessageID: "msg-file", Status: session.DeliveryDelivered}), &mockTransport.ServerTx{})
	r = <-reports
	s.True(r.file, "отчет о сообщении с документом файла")
	s.True(s.store.Delivery()[1].File)

	bad := s.invite("sip:bob@127.0.0.1", session.ContentTypeIMDN, []byte("<imdn>"))
	bad.Method = sip.MESSAGE
	badTx := &mockTransport.ServerTx{}
	svc.ReceiveDeliveryReport(s.ctx, bad, badTx)
	s.Equal(400, badTx.Last().StatusCode)
	s.Len(s.store.Delivery(), 2)
}

func (s *ServiceSuite) TestChat_BlockedSendsDeliveredReport() {
	s.transport.Handle(sip.MESSAGE, func(_ context.Context, req *sip.Request) []*sip.Response {
		return []*sip.Response{mockTransport.Reply(req, 200, "OK", nil)}
	})
	svc := s.im()
	s.directory.Block("sip:bob@127.0.0.1")

	cpim := "From: <sip:bob@127.0.0.1>\r\nTo: <sip:alice@127.0.0.1>\r\n" +
		"NS: imdn <urn:ietf:params:imdn>\r\nimdn.Message-ID: msg-42\r\n" +
		"imdn.Disposition-Notification: positive-delivery, display\r\n\r\n" +
		"Content-Type: text/plain\r\n\r\nкупите слона"
	ct, body := session.BuildMultipart(
		session.BodyPart{ContentType: "application/sdp", Content: s.offer(media_negotiator.StreamOptions{})},
		session.BodyPart{ContentType: "message/cpim", Content: []byte(cpim)},
	)
	tx := &mockTransport.ServerTx{}
	s.Nil(svc.ReceiveOneToOneChatInvitation(s.ctx, s.invite("sip:bob@127.0.0.1", ct, body), tx))
	s.Equal(486, tx.Last().StatusCode)

	msg, sent := s.transport.WaitRequest(sip.MESSAGE, 3*time.Second)
	s.Require().True(sent, "отчет delivered отправлен")
	s.Equal("sip:bob@127.0.0.1", msg.Recipient.String())
	report, err := session.ParseDeliveryReport(session.ContentType(msg), msg.Body())
	s.Require().NoError(err)
	s.Equal("msg-42", report.MessageID)
	s.Equal(session.DeliveryDelivered, report.Status)
	s.False(report.Display)
}

func (s *ServiceSuite) TestChat_BlockedWithoutRequestNoReport() {
	svc := s.im()
	s.directory.Block("sip:bob@127.0.0.1")
	tx := &mockTransport.ServerTx{}
	svc.ReceiveOneToOneChatInvitation(s.ctx, s.chatInvite("sip:bob@127.0.0.1", "без отчета"), tx)
	s.Equal(486, tx.Last().StatusCode)

	_, sent := s.transport.WaitRequest(sip.MESSAGE, 200*time.Millisecond)
	s.False(sent)
}

func (s *ServiceSuite) richcall() *RichcallService {
	svc := NewRichcallService(s.deps)
	s.services = append(s.services, svc)
	return svc
}

func (s *ServiceSuite) TestImageSharing_Admission() {
	s.settings.Limits.MaxImageSharingSize = 1000
	accept := sip.NewHeader(session.HeaderAcceptContact, "*;"+session.FeatureTagImageShare)
	tests := []struct {
		name        string
		contentType string
		size        int64
		status      int
	}{
		{"неподдерживаемый формат", "image/tiff", 10, 415},
		{"превышен размер", "image/png", 5000, 603},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			svc := s.richcall()
			file := session.FileInfo{Name: "a.img", ContentType: tt.contentType, Size: tt.size}
			req := s.invite("sip:bob@127.0.0.1", "application/sdp",
				s.offer(media_negotiator.StreamOptions{FileSelector: file.Selector()}), accept)
			tx := &mockTransport.ServerTx{}

			s.Nil(svc.ReceiveImageSharingInvitation(s.ctx, req, tx))

			s.Require().NotNil(tx.Last())
			s.Equal(tt.status, tx.Last().StatusCode)
			s.Equal(0, svc.images.Count())
			s.Empty(s.sink.eventsOf(req.CallID().Value()))
		})
	}

	_, err := s.richcall().InitiateImageSharing("sip:bob@127.0.0.1",
		session.FileInfo{Name: "a.tiff", ContentType: "image/tiff"}, []byte("0123"))
	var rej *admission.Rejection
	s.Require().True(errors.As(err, &rej))
	s.Equal(admission.ReasonUnsupportedMedia, rej.Reason)
}

func (s *ServiceSuite) TestGeolocSharing_Capacity() {
	s.settings.Limits.MaxSharingSessions = 1
	svc := s.richcall()

	file := session.FileInfo{Name: "a.png", ContentType: "image/png", Size: 10}
	req := s.invite("sip:bob@127.0.0.1", "application/sdp",
		s.offer(media_negotiator.StreamOptions{FileSelector: file.Selector()}),
		sip.NewHeader(session.HeaderAcceptContact, "*;"+session.FeatureTagImageShare))
	tx := &mockTransport.ServerTx{}
	image := svc.ReceiveImageSharingInvitation(s.ctx, req, tx)
	s.Require().NotNil(image)
	s.waitStatus(tx, 180)
	found, ok := svc.FindByCallID(req.CallID().Value())
	s.Require().True(ok)
	s.Equal(session.KindImageSharing, found.Kind())

	_, err := svc.InitiateGeolocSharing("sip:carol@127.0.0.1", session.Geoloc{Latitude: 55.75, Longitude: 37.62})
	var rej *admission.Rejection
	s.Require().True(errors.As(err, &rej))
	s.Equal(admission.ReasonMaxSessions, rej.Reason, "общий лимит обменов")

	svc.AbortAllSessions(session.BySystem)
	e := s.waitEvent(image, session.EventAborted)
	s.Equal(session.BySystem, e.Reason)
}
