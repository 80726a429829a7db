package dispatcher

import (
	"log/slog"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_core/pkg/session"
	"github.com/arzzra/rcs_core/pkg/signaling"
)

const (
	// CallIDDoesNotExist причина 400 для запроса без Call-ID
	CallIDDoesNotExist = "empty call id"
	// CallDoesNotExist причина 481 для неизвестного Call-ID
	CallDoesNotExist = "Call/Transaction Does Not Exist"
)

const allowedMethods = "INVITE, ACK, CANCEL, BYE, NOTIFY, MESSAGE, OPTIONS"

func hasToTag(req *sip.Request) bool {
	to := req.To()
	if to == nil || to.Params == nil {
		return false
	}
	tag, ok := to.Params.Get("tag")
	return ok && tag != ""
}

// HandleInvite обрабатывает входящий INVITE. Возвращает сессию, которая
// ответит на INVITE, или nil, если ответ уже отправлен.
func (d *Dispatcher) HandleInvite(req *sip.Request, tx signaling.ServerTx) session.Session {
	callID := req.CallID()
	if callID == nil {
		d.respond(req, tx, sip.StatusBadRequest, CallIDDoesNotExist)
		return nil
	}

	if hasToTag(req) {
		// повторное согласование внутри сессии не поддерживается
		if _, ok := d.find(callID.Value()); ok {
			d.metrics.RequestRouted(req.Method.String(), "reinvite")
			d.respond(req, tx, sip.StatusNotAcceptableHere, "Not Acceptable Here")
			return nil
		}
		d.metrics.RequestRouted(req.Method.String(), "unknown_dialog")
		d.respond(req, tx, sip.StatusCallTransactionDoesNotExists, CallDoesNotExist)
		return nil
	}
	if _, ok := d.find(callID.Value()); ok {
		d.respond(req, tx, sip.StatusLoopDetected, "Loop Detected")
		return nil
	}

	if d.limiter != nil && !d.limiter.Allow() {
		d.metrics.RateLimited()
		d.logger.Warn("превышена частота входящих INVITE", slog.String("call_id", callID.Value()))
		d.respond(req, tx, sip.StatusServiceUnavailable, "Service Unavailable")
		return nil
	}

	route := Classify(req, d.settings.StoreAndForward.ServerURI)
	d.metrics.RequestRouted(req.Method.String(), route.String())
	d.logger.Debug("входящий INVITE",
		slog.String("call_id", callID.Value()),
		slog.String("route", route.String()),
		slog.String("from", session.RemoteContact(req)))

	switch {
	case route == RouteChat && d.im != nil:
		return d.im.ReceiveOneToOneChatInvitation(d.ctx, req, tx)
	case route == RouteGroupChat && d.im != nil:
		return d.im.ReceiveGroupChatInvitation(d.ctx, req, tx)
	case route == RouteFileTransfer && d.im != nil:
		return d.im.ReceiveFileTransferInvitation(d.ctx, req, tx)
	case route == RouteStoreAndForward && d.im != nil:
		return d.im.ReceiveStoreAndForwardInvitation(d.ctx, req, tx)
	case route == RouteImageShare && d.richcall != nil:
		return d.richcall.ReceiveImageSharingInvitation(d.ctx, req, tx)
	case route == RouteGeolocShare && d.richcall != nil:
		return d.richcall.ReceiveGeolocSharingInvitation(d.ctx, req, tx)
	case route == RouteIPCall && d.ipcall != nil:
		return d.ipcall.ReceiveIPCallInvitation(d.ctx, req, tx)
	case route == RouteExtension && d.sip != nil:
		return d.sip.ReceiveSessionInvitation(d.ctx, req, tx)
	}
	d.respond(req, tx, sip.StatusGlobalNotAcceptable, "Not Acceptable")
	return nil
}

// HandleAck передает ACK сессии. Ответа на ACK нет.
func (d *Dispatcher) HandleAck(req *sip.Request) {
	callID := req.CallID()
	if callID == nil {
		return
	}
	s, ok := d.find(callID.Value())
	if !ok {
		d.logger.Debug("ACK для неизвестного Call-ID", slog.String("call_id", callID.Value()))
		return
	}
	d.metrics.RequestRouted(req.Method.String(), "session")
	s.HandleAck(req)
}

// HandleBye передает BYE сессии
func (d *Dispatcher) HandleBye(req *sip.Request, tx signaling.ServerTx) {
	d.inDialog(req, tx, func(s session.Session) { s.HandleBye(d.ctx, req, tx) })
}

// HandleCancel передает CANCEL сессии
func (d *Dispatcher) HandleCancel(req *sip.Request, tx signaling.ServerTx) {
	d.inDialog(req, tx, func(s session.Session) { s.HandleCancel(d.ctx, req, tx) })
}

// HandleNotify передает NOTIFY подписки на конференцию групповому чату
func (d *Dispatcher) HandleNotify(req *sip.Request, tx signaling.ServerTx) {
	if req.CallID() == nil {
		d.respond(req, tx, sip.StatusBadRequest, CallIDDoesNotExist)
		return
	}
	if d.im != nil && d.im.HandleNotify(d.ctx, req, tx) {
		d.metrics.RequestRouted(req.Method.String(), "group_chat")
		return
	}
	d.metrics.RequestRouted(req.Method.String(), "unknown_dialog")
	d.respond(req, tx, sip.StatusCallTransactionDoesNotExists, CallDoesNotExist)
}

// HandleMessage принимает MESSAGE вне диалога. Поддерживаются только
// отчеты о доставке, остальное получает 415.
func (d *Dispatcher) HandleMessage(req *sip.Request, tx signaling.ServerTx) {
	if req.CallID() == nil {
		d.respond(req, tx, sip.StatusBadRequest, CallIDDoesNotExist)
		return
	}
	if d.im == nil || !session.IsIMDN(session.ContentType(req), req.Body()) {
		d.metrics.RequestRouted(req.Method.String(), "unsupported")
		d.respond(req, tx, sip.StatusUnsupportedMediaType, "Unsupported Media Type")
		return
	}
	d.metrics.RequestRouted(req.Method.String(), "delivery_report")
	d.im.ReceiveDeliveryReport(d.ctx, req, tx)
}

func (d *Dispatcher) inDialog(req *sip.Request, tx signaling.ServerTx, handle func(session.Session)) {
	callID := req.CallID()
	if callID == nil {
		d.respond(req, tx, sip.StatusBadRequest, CallIDDoesNotExist)
		return
	}
	s, ok := d.find(callID.Value())
	if !ok {
		d.metrics.RequestRouted(req.Method.String(), "unknown_dialog")
		d.respond(req, tx, sip.StatusCallTransactionDoesNotExists, CallDoesNotExist)
		return
	}
	d.metrics.RequestRouted(req.Method.String(), "session")
	handle(s)
}

// HandleOptions отвечает на запрос возможностей: 200 OK с поддерживаемыми
// методами и признаками сервисов в Contact
func (d *Dispatcher) HandleOptions(req *sip.Request, tx signaling.ServerTx) {
	d.metrics.RequestRouted(req.Method.String(), "options")
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))

	contact := sip.Uri{Scheme: "sip", User: d.settings.SIP.LocalUser, Host: d.settings.SIP.Hostname}
	res.AppendHeader(sip.NewHeader("Contact", "<"+contact.String()+">;"+strings.Join(d.featureTags(), ";")))
	d.send(req, tx, res)
}

// featureTags признаки сервисов, которые обслуживает стек
func (d *Dispatcher) featureTags() []string {
	var tags []string
	if d.im != nil {
		tags = append(tags, session.FeatureTagIM, session.FeatureTagFileTransfer)
	}
	if d.ipcall != nil {
		tags = append(tags, session.FeatureTagIPVoiceCall, session.FeatureTagIPVideoCall)
	}
	if d.richcall != nil {
		tags = append(tags, session.FeatureTagImageShare, session.FeatureTagGeolocShare)
	}
	return tags
}
