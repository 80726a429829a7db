package dispatcher

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/arzzra/rcs_core/internal/config"
	"github.com/arzzra/rcs_core/pkg/dialog_path"
	"github.com/arzzra/rcs_core/pkg/media_negotiator"
	"github.com/arzzra/rcs_core/pkg/metrics"
	"github.com/arzzra/rcs_core/pkg/service"
	"github.com/arzzra/rcs_core/pkg/session"
	"github.com/arzzra/rcs_core/pkg/signaling/mockTransport"
)

const (
	sdpMessage = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\n" +
		"m=message 7394 TCP/MSRP *\r\na=accept-types:text/plain\r\na=path:msrp://127.0.0.1:7394/s1;tcp\r\n"
	sdpFile = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\n" +
		"m=message 7394 TCP/MSRP *\r\na=accept-types:image/png\r\na=file-selector:name:\"a.png\" type:image/png size:10\r\n" +
		"a=path:msrp://127.0.0.1:7394/s2;tcp\r\n"
	sdpTIFF = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\n" +
		"m=message 7394 TCP/MSRP *\r\na=accept-types:image/tiff\r\na=file-selector:name:\"a.tiff\" type:image/tiff size:10\r\n" +
		"a=path:msrp://127.0.0.1:7394/s3;tcp\r\n"
	sdpAudio = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\n" +
		"m=audio 4000 RTP/AVP 0\r\na=rtpmap:0 PCMU/8000\r\n"
)

func mustURI(s string) sip.Uri {
	var uri sip.Uri
	if err := sip.ParseUri(s, &uri); err != nil {
		panic(err)
	}
	return uri
}

func newInvite(t *testing.T, from, body string, headers ...sip.Header) *sip.Request {
	t.Helper()
	d := dialog_path.New(uuid.NewString(), mustURI(from), mustURI("sip:alice@127.0.0.1"))
	ct := ""
	if body != "" {
		ct = "application/sdp"
	}
	req, err := d.BuildInvite(mustURI(from), ct, []byte(body), headers...)
	require.NoError(t, err)
	return req
}

func TestClassify(t *testing.T) {
	sf := "sip:rcs-sf@example.com"
	accept := func(tags ...string) sip.Header {
		return sip.NewHeader(session.HeaderAcceptContact, "*;"+strings.Join(tags, ";"))
	}

	tests := []struct {
		name string
		req  func(t *testing.T) *sip.Request
		want Route
	}{
		{"чат по m=message", func(t *testing.T) *sip.Request {
			return newInvite(t, "sip:bob@example.com", sdpMessage)
		}, RouteChat},
		{"чат по признаку без тела", func(t *testing.T) *sip.Request {
			return newInvite(t, "sip:bob@example.com", "", accept(session.FeatureTagIM))
		}, RouteChat},
		{"групповой чат", func(t *testing.T) *sip.Request {
			return newInvite(t, "sip:conf@example.com", sdpMessage, accept(session.FeatureTagIM, session.FeatureTagConference))
		}, RouteGroupChat},
		{"передача файла", func(t *testing.T) *sip.Request {
			return newInvite(t, "sip:bob@example.com", sdpFile, accept(session.FeatureTagFileTransfer))
		}, RouteFileTransfer},
		{"признак передачи файла без file-selector не расширение", func(t *testing.T) *sip.Request {
			return newInvite(t, "sip:bob@example.com", sdpMessage, accept(session.FeatureTagIM, session.FeatureTagFileTransfer))
		}, RouteChat},
		{"store-and-forward", func(t *testing.T) *sip.Request {
			return newInvite(t, sf, sdpMessage, sip.NewHeader(session.HeaderReferredBy, "<sip:bob@example.com>"))
		}, RouteStoreAndForward},
		{"Referred-By не от сервера", func(t *testing.T) *sip.Request {
			return newInvite(t, "sip:carol@example.com", sdpMessage, sip.NewHeader(session.HeaderReferredBy, "<sip:bob@example.com>"))
		}, RouteChat},
		{"обмен изображением", func(t *testing.T) *sip.Request {
			return newInvite(t, "sip:bob@example.com", sdpFile, accept(session.FeatureTagImageShare))
		}, RouteImageShare},
		{"обмен геопозицией", func(t *testing.T) *sip.Request {
			return newInvite(t, "sip:bob@example.com", sdpMessage, accept(session.FeatureTagGeolocShare))
		}, RouteGeolocShare},
		{"расширение", func(t *testing.T) *sip.Request {
			return newInvite(t, "sip:bob@example.com", sdpMessage,
				accept(session.FeatureTagExtension+"=\"urn%3Aurn-7%3A3gpp-application.ims.iari.rcs.ext.game\""))
		}, RouteExtension},
		{"IP звонок по m=audio", func(t *testing.T) *sip.Request {
			return newInvite(t, "sip:bob@example.com", sdpAudio)
		}, RouteIPCall},
		{"IP видеозвонок по признаку", func(t *testing.T) *sip.Request {
			return newInvite(t, "sip:bob@example.com", "", accept(session.FeatureTagIPVideoCall))
		}, RouteIPCall},
		{"неизвестный", func(t *testing.T) *sip.Request {
			return newInvite(t, "sip:bob@example.com", "")
		}, RouteUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.req(t), sf))
		})
	}
}

func TestClassify_WithoutStoreAndForwardServer(t *testing.T) {
	req := newInvite(t, "sip:rcs-sf@example.com", sdpMessage, sip.NewHeader(session.HeaderReferredBy, "<sip:bob@example.com>"))
	assert.Equal(t, RouteChat, Classify(req, ""), "без адреса сервера store-and-forward не распознается")
}

func TestRouteString(t *testing.T) {
	assert.Equal(t, "chat", RouteChat.String())
	assert.Equal(t, "store_and_forward", RouteStoreAndForward.String())
	assert.Equal(t, "image_share", RouteImageShare.String())
	assert.Equal(t, "geoloc_share", RouteGeolocShare.String())
	assert.Equal(t, "unknown", Route(42).String())
}

var portBase atomic.Uint32

func init() {
	portBase.Store(36400)
}

type DispatcherSuite struct {
	suite.Suite
	transport *mockTransport.Transport
	settings  *config.Settings
	metrics   *metrics.Collector
	ctx       context.Context
	cancel    context.CancelFunc

	services []service.Service
	streams  []media_negotiator.Stream
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherSuite))
}

func (s *DispatcherSuite) SetupTest() {
	s.transport = mockTransport.New()
	s.settings = config.DefaultConfig()
	s.settings.SIP.Domain = "example.com"
	s.settings.Timeouts.Ringing = 5 * time.Second
	s.metrics = metrics.New(metrics.Config{Enabled: true, Namespace: "rcs"})
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 10*time.Second)
	s.services = nil
	s.streams = nil
}

func (s *DispatcherSuite) TearDownTest() {
	for _, svc := range s.services {
		svc.AbortAllSessions(session.BySystem)
		svc.Close()
	}
	for _, st := range s.streams {
		_ = st.Close()
	}
	s.cancel()
}

func (s *DispatcherSuite) negotiator() *media_negotiator.Negotiator {
	base := uint16(portBase.Add(40) - 40)
	cfg := config.DefaultConfig().Media
	cfg.MinPort = base
	cfg.MaxPort = base + 18
	n, err := media_negotiator.NewNegotiator(cfg, media_negotiator.NewPortPoolFromConfig(cfg))
	s.Require().NoError(err)
	return n
}

func (s *DispatcherSuite) deps() service.Deps {
	return service.Deps{
		Session: session.Deps{
			Transport:  s.transport,
			Negotiator: s.negotiator(),
			Settings:   s.settings,
			Metrics:    s.metrics,
			LocalURI:   mustURI("sip:alice@127.0.0.1"),
			Contact:    mustURI("sip:alice@127.0.0.1:5060"),
		},
	}
}

func (s *DispatcherSuite) imService() *service.IMService {
	svc := service.NewIMService(s.deps())
	s.services = append(s.services, svc)
	return svc
}

func (s *DispatcherSuite) richcallService() *service.RichcallService {
	svc := service.NewRichcallService(s.deps())
	s.services = append(s.services, svc)
	return svc
}

func (s *DispatcherSuite) dispatcher(im *service.IMService) *Dispatcher {
	return New(Config{
		Transport: s.transport,
		Settings:  s.settings,
		Metrics:   s.metrics,
		IM:        im,
	}).WithContext(s.ctx)
}

// chatInvite INVITE чата с реальным предложением MSRP
func (s *DispatcherSuite) chatInvite() *sip.Request {
	stream, err := s.negotiator().Offer(s.ctx, media_negotiator.KindMSRP, media_negotiator.StreamOptions{})
	s.Require().NoError(err)
	s.streams = append(s.streams, stream)
	return newInvite(s.T(), "sip:bob@127.0.0.1", string(stream.LocalSDP()))
}

func (s *DispatcherSuite) status(tx *mockTransport.ServerTx) int {
	res := tx.Last()
	s.Require().NotNil(res, "ответ не отправлен")
	return res.StatusCode
}

func (s *DispatcherSuite) waitStatus(tx *mockTransport.ServerTx, code int) {
	s.Require().Eventually(func() bool {
		res := tx.Last()
		return res != nil && res.StatusCode == code
	}, 3*time.Second, 10*time.Millisecond, "ожидался ответ %d", code)
}

// routed значение rcs_dispatcher_requests_total для метода и маршрута
func (s *DispatcherSuite) routed(method, route string) float64 {
	families, err := s.metrics.Registry().Gather()
	s.Require().NoError(err)
	for _, mf := range families {
		if mf.GetName() != "rcs_dispatcher_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["method"] == method && labels["route"] == route {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func (s *DispatcherSuite) TestInvite_UnknownServiceRejected() {
	d := s.dispatcher(nil)
	tx := &mockTransport.ServerTx{}

	d.HandleInvite(newInvite(s.T(), "sip:bob@example.com", sdpMessage), tx)

	s.Equal(606, s.status(tx), "чат без сервиса IM")
	s.Equal(1.0, s.routed("INVITE", "chat"))

	tx = &mockTransport.ServerTx{}
	d.HandleInvite(newInvite(s.T(), "sip:bob@example.com", ""), tx)
	s.Equal(606, s.status(tx))
}

func (s *DispatcherSuite) TestInvite_InDialogUnknown() {
	d := s.dispatcher(nil)
	req := newInvite(s.T(), "sip:bob@example.com", sdpMessage)
	req.To().Params["tag"] = "abc"
	tx := &mockTransport.ServerTx{}

	d.HandleInvite(req, tx)

	s.Equal(481, s.status(tx))
}

func (s *DispatcherSuite) TestInvite_RateLimited() {
	s.settings.Limits.InviteRate = 0.001
	s.settings.Limits.InviteBurst = 1
	d := s.dispatcher(nil)

	first := &mockTransport.ServerTx{}
	d.HandleInvite(newInvite(s.T(), "sip:bob@example.com", ""), first)
	s.Equal(606, s.status(first))

	second := &mockTransport.ServerTx{}
	d.HandleInvite(newInvite(s.T(), "sip:bob@example.com", ""), second)
	s.Equal(503, s.status(second), "второй INVITE сверх лимита")
}

func (s *DispatcherSuite) TestInvite_ChatRoutedThenBye() {
	im := s.imService()
	d := s.dispatcher(im)
	req := s.chatInvite()
	tx := &mockTransport.ServerTx{}

	d.HandleInvite(req, tx)
	s.waitStatus(tx, 180)
	_, ok := im.FindByCallID(req.CallID().Value())
	s.Require().True(ok, "чат зарегистрирован")

	dup := &mockTransport.ServerTx{}
	d.HandleInvite(req.Clone(), dup)
	s.Equal(482, s.status(dup), "повтор Call-ID")

	reinvite := req.Clone()
	reinvite.To().Params["tag"] = "remote"
	reTx := &mockTransport.ServerTx{}
	d.HandleInvite(reinvite, reTx)
	s.Equal(488, s.status(reTx))

	bye := req.Clone()
	bye.Method = sip.BYE
	byeTx := &mockTransport.ServerTx{}
	d.HandleBye(bye, byeTx)
	s.Equal(200, s.status(byeTx))
	s.Equal(1.0, s.routed("BYE", "session"))
}

func (s *DispatcherSuite) TestCancel_RoutedToRingingChat() {
	im := s.imService()
	d := s.dispatcher(im)
	req := s.chatInvite()
	tx := &mockTransport.ServerTx{}

	d.HandleInvite(req, tx)
	s.waitStatus(tx, 180)

	cancel := req.Clone()
	cancel.Method = sip.CANCEL
	cancelTx := &mockTransport.ServerTx{}
	d.HandleCancel(cancel, cancelTx)

	s.Equal(200, s.status(cancelTx))
	s.waitStatus(tx, 487)
}

func (s *DispatcherSuite) TestUnknownDialogRequests() {
	d := s.dispatcher(s.imService())
	req := newInvite(s.T(), "sip:bob@example.com", sdpMessage)

	for _, method := range []sip.RequestMethod{sip.BYE, sip.CANCEL, sip.NOTIFY} {
		r := req.Clone()
		r.Method = method
		tx := &mockTransport.ServerTx{}
		switch method {
		case sip.BYE:
			d.HandleBye(r, tx)
		case sip.CANCEL:
			d.HandleCancel(r, tx)
		case sip.NOTIFY:
			d.HandleNotify(r, tx)
		}
		s.Equal(481, s.status(tx), "метод %s", method)
	}

	// ACK без сессии молча игнорируется
	ack := req.Clone()
	ack.Method = sip.ACK
	s.NotPanics(func() { d.HandleAck(ack) })
}

func (s *DispatcherSuite) TestOptions() {
	d := s.dispatcher(s.imService())
	req := newInvite(s.T(), "sip:bob@example.com", "")
	req.Method = sip.OPTIONS
	tx := &mockTransport.ServerTx{}

	d.HandleOptions(req, tx)

	res := tx.Last()
	s.Require().NotNil(res)
	s.Equal(200, res.StatusCode)
	s.Require().NotNil(res.GetHeader("Allow"))
	s.Contains(res.GetHeader("Allow").Value(), "INVITE")
	s.Contains(res.GetHeader("Allow").Value(), "MESSAGE")
	contact := res.GetHeader("Contact")
	s.Require().NotNil(contact)
	s.Contains(contact.Value(), session.FeatureTagIM)
	s.NotContains(contact.Value(), session.FeatureTagIPVoiceCall, "сервис звонков не подключен")
}

func (s *DispatcherSuite) TestInvite_ReturnsAnsweringSession() {
	im := s.imService()
	d := s.dispatcher(im)

	tx := &mockTransport.ServerTx{}
	s.Nil(d.HandleInvite(newInvite(s.T(), "sip:bob@example.com", ""), tx), "ответ 606 отправлен диспетчером")
	s.Equal(606, s.status(tx))

	req := s.chatInvite()
	tx = &mockTransport.ServerTx{}
	sess := d.HandleInvite(req, tx)
	s.Require().NotNil(sess, "на INVITE ответит сессия чата")
	s.waitStatus(tx, 180)

	answered := make(chan struct{})
	go func() {
		d.awaitAnswer(sess, nil)
		close(answered)
	}()
	select {
	case <-answered:
		s.FailNow("обработчик INVITE вернулся до окончательного ответа")
	case <-time.After(100 * time.Millisecond):
	}

	s.Require().NoError(sess.Reject())
	select {
	case <-answered:
	case <-time.After(3 * time.Second):
		s.FailNow("обработчик INVITE не вернулся после 603")
	}
	s.Equal(603, s.status(tx))
}

func (s *DispatcherSuite) TestAwaitAnswer_StopsWithTransaction() {
	d := s.dispatcher(s.imService())
	sess := d.HandleInvite(s.chatInvite(), &mockTransport.ServerTx{})
	s.Require().NotNil(sess)

	txDone := make(chan struct{})
	close(txDone)
	s.NotPanics(func() { d.awaitAnswer(sess, txDone) }, "транзакция завершена")
	d.awaitAnswer(nil, nil)
	sess.Abort(session.BySystem)
}

func (s *DispatcherSuite) TestMessage_DeliveryReport() {
	im := s.imService()
	reports := make(chan session.DeliveryReport, 1)
	im.OnDeliveryReport(func(_ string, r session.DeliveryReport, _ bool) { reports <- r })
	d := s.dispatcher(im)

	req := newInvite(s.T(), "sip:bob@127.0.0.1", "")
	req.Method = sip.MESSAGE
	req.RemoveHeader("Content-Type")
	ct := sip.ContentTypeHeader(session.ContentTypeIMDN)
	req.AppendHeader(&ct)
	req.SetBody(session.BuildDeliveryReport(session.DeliveryReport{MessageID: "m-1", Status: session.DeliveryDelivered}))
	tx := &mockTransport.ServerTx{}

	d.HandleMessage(req, tx)

	s.Equal(200, s.status(tx))
	select {
	case r := <-reports:
		s.Equal("m-1", r.MessageID)
		s.Equal(session.DeliveryDelivered, r.Status)
	case <-time.After(3 * time.Second):
		s.FailNow("отчет о доставке не передан обработчику")
	}
	s.Equal(1.0, s.routed("MESSAGE", "delivery_report"))

	text := req.Clone()
	text.RemoveHeader("Content-Type")
	plain := sip.ContentTypeHeader("text/plain")
	text.AppendHeader(&plain)
	text.SetBody([]byte("привет"))
	textTx := &mockTransport.ServerTx{}
	d.HandleMessage(text, textTx)
	s.Equal(415, s.status(textTx), "страничные сообщения не поддерживаются")
}

func (s *DispatcherSuite) TestInvite_ImageShareRouted() {
	rc := s.richcallService()
	d := New(Config{
		Transport: s.transport,
		Settings:  s.settings,
		Metrics:   s.metrics,
		Richcall:  rc,
	}).WithContext(s.ctx)
	accept := sip.NewHeader(session.HeaderAcceptContact, "*;"+session.FeatureTagImageShare)

	tx := &mockTransport.ServerTx{}
	s.Nil(d.HandleInvite(newInvite(s.T(), "sip:bob@127.0.0.1", sdpTIFF, accept), tx))
	s.Equal(415, s.status(tx), "формат изображения не поддерживается")
	s.Equal(1.0, s.routed("INVITE", "image_share"))

	options := newInvite(s.T(), "sip:bob@example.com", "")
	options.Method = sip.OPTIONS
	optTx := &mockTransport.ServerTx{}
	d.HandleOptions(options, optTx)
	contact := optTx.Last().GetHeader("Contact")
	s.Require().NotNil(contact)
	s.Contains(contact.Value(), session.FeatureTagGeolocShare)
	s.NotContains(contact.Value(), session.FeatureTagIM, "сервис IM не подключен")
}
