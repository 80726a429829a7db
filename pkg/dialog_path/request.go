package dialog_path

import (
	"github.com/emiago/sipgo/sip"
)

// BuildInvite создает начальный INVITE исходящего обмена.
// Сохраняет запрос и локальный SDP в обмене.
func (d *DialogPath) BuildInvite(contact sip.Uri, contentType string, body []byte, headers ...sip.Header) (*sip.Request, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.IsTerminated() {
		return nil, ErrSessionNotAvailable
	}

	req := sip.NewRequest(sip.INVITE, d.remoteParty)
	d.appendDialogHeaders(req, d.cseq, sip.INVITE, false)
	req.AppendHeader(&sip.ContactHeader{Address: contact})
	for _, h := range headers {
		req.AppendHeader(h)
	}
	if len(body) > 0 {
		ct := sip.ContentTypeHeader(contentType)
		req.AppendHeader(&ct)
		req.SetBody(body)
		if contentType == "application/sdp" {
			d.localSDP = body
		}
	}

	d.invite = req
	return req, nil
}

// BuildRequest создает запрос внутри диалога (BYE, UPDATE, MESSAGE ...).
// Увеличивает CSeq.
func (d *DialogPath) BuildRequest(method sip.RequestMethod) (*sip.Request, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.IsTerminated() {
		return nil, ErrSessionNotAvailable
	}

	d.cseq++
	req := sip.NewRequest(method, d.remoteTarget)
	d.appendDialogHeaders(req, d.cseq, method, true)
	return req, nil
}

// BuildBye создает BYE для завершения диалога.
// Разрешено и во время завершения, поэтому не проверяет TERMINATED.
func (d *DialogPath) BuildBye() *sip.Request {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cseq++
	req := sip.NewRequest(sip.BYE, d.remoteTarget)
	d.appendDialogHeaders(req, d.cseq, sip.BYE, true)
	return req
}

// BuildAck создает ACK на 2xx ответ на INVITE.
// CSeq совпадает с номером INVITE.
func (d *DialogPath) BuildAck() *sip.Request {
	d.mu.Lock()
	defer d.mu.Unlock()

	seq := d.cseq
	if d.invite != nil && d.invite.CSeq() != nil {
		seq = d.invite.CSeq().SeqNo
	}
	req := sip.NewRequest(sip.ACK, d.remoteTarget)
	d.appendDialogHeaders(req, seq, sip.ACK, true)
	return req
}

// BuildCancel создает CANCEL для неотвеченного исходящего INVITE.
// Request-URI, Call-ID, From, To и номер CSeq совпадают с INVITE,
// верхний Via копируется.
func (d *DialogPath) BuildCancel() *sip.Request {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.invite == nil {
		return nil
	}

	inv := d.invite
	req := sip.NewRequest(sip.CANCEL, inv.Recipient)
	if via := inv.GetHeader("Via"); via != nil {
		req.AppendHeader(sip.HeaderClone(via))
	}
	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)
	if from := inv.From(); from != nil {
		req.AppendHeader(sip.HeaderClone(from))
	}
	if to := inv.To(); to != nil {
		req.AppendHeader(sip.HeaderClone(to))
	}
	seq := d.cseq
	if inv.CSeq() != nil {
		seq = inv.CSeq().SeqNo
	}
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.CANCEL})
	mf := sip.MaxForwardsHeader(70)
	req.AppendHeader(&mf)
	return req
}

// appendDialogHeaders добавляет Call-ID, From, To, CSeq, Max-Forwards и Route.
// Вызывается под d.mu.
func (d *DialogPath) appendDialogHeaders(req *sip.Request, seq uint32, method sip.RequestMethod, inDialog bool) {
	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)

	req.AppendHeader(&sip.FromHeader{
		Address: d.localParty,
		Params:  sip.HeaderParams{"tag": d.localTag},
	})

	to := &sip.ToHeader{
		Address: d.remoteParty,
		Params:  sip.HeaderParams{},
	}
	if inDialog && d.remoteTag != "" {
		to.Params["tag"] = d.remoteTag
	}
	req.AppendHeader(to)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})

	mf := sip.MaxForwardsHeader(70)
	req.AppendHeader(&mf)

	if inDialog {
		for _, route := range d.routeSet {
			req.AppendHeader(&sip.RouteHeader{Address: route})
		}
	}
}

// BuildResponse создает ответ на запрос внутри этого обмена.
// Для UAS добавляет локальный тег в To, для 2xx - Contact.
func (d *DialogPath) BuildResponse(req *sip.Request, statusCode int, reason string, contentType string, body []byte, contact *sip.Uri) *sip.Response {
	d.mu.RLock()
	localTag := d.localTag
	d.mu.RUnlock()

	res := sip.NewResponseFromRequest(req, statusCode, reason, body)
	// sipgo подставляет случайный тег, а все ответы обмена должны нести один
	if statusCode > 100 && !hasToTag(req) {
		if to := res.To(); to != nil {
			if to.Params == nil {
				to.Params = make(sip.HeaderParams)
			}
			to.Params["tag"] = localTag
		}
	}
	if len(body) > 0 && contentType != "" {
		ct := sip.ContentTypeHeader(contentType)
		res.AppendHeader(&ct)
	}
	if contact != nil && statusCode >= 200 && statusCode < 300 {
		res.AppendHeader(&sip.ContactHeader{Address: *contact})
	}
	return res
}

func hasToTag(req *sip.Request) bool {
	to := req.To()
	if to == nil || to.Params == nil {
		return false
	}
	_, ok := to.Params.Get("tag")
	return ok
}
