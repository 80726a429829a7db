package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_core/pkg/signaling"
)

type inviteResult struct {
	tc  *signaling.TransactionContext
	err error
}

// runOutgoing исходящий путь: локальное предложение, INVITE, финальный
// ответ, ACK, установление медиа, установленная сессия.
func (b *Base) runOutgoing() {
	timeouts := b.deps.settings().Timeouts

	select {
	case <-b.abortCh:
		b.finishAborted(b.reason(), false)
		return
	default:
	}

	stream, err := b.deps.Negotiator.Offer(b.ctx, b.mediaKind, b.streamOpts)
	if err != nil {
		b.finishFailed(errMediaNegotiation(err), false)
		return
	}
	b.setStream(stream)

	contentType, body, headers := contentTypeSDP, stream.LocalSDP(), []sip.Header(nil)
	if b.hooks.inviteBody != nil {
		contentType, body, headers = b.hooks.inviteBody(stream.LocalSDP())
	}
	invite, err := b.dialog.BuildInvite(b.deps.Contact, contentType, body, headers...)
	if err != nil {
		b.finishFailed(errUnexpected(err), false)
		return
	}
	_ = b.dialog.SetLocalSDP(stream.LocalSDP())
	b.phase.fire(phaseEventInvite)

	resCh := make(chan inviteResult, 1)
	go func() {
		tc, err := b.deps.Transport.SendRequestAndWait(b.ctx, invite, timeouts.Transaction, b.onProvisional)
		resCh <- inviteResult{tc: tc, err: err}
	}()

	abortCh := b.abortCh
	canceled := false
	var res inviteResult
wait:
	for {
		select {
		case res = <-resCh:
			break wait
		case <-abortCh:
			abortCh = nil
			canceled = true
			b.sendCancel()
		}
	}

	if res.err != nil {
		switch {
		case canceled:
			b.finishAborted(b.reason(), false)
		case errors.Is(res.err, signaling.ErrTransactionTimeout):
			b.sendCancel()
			b.finishFailed(errSignalingTimeout(string(sip.INVITE), timeouts.Transaction), false)
		default:
			b.finishFailed(errSignaling(res.err, "ошибка отправки INVITE"), false)
		}
		return
	}

	response := res.tc.Response
	if !res.tc.IsSuccess() {
		if canceled {
			b.finishAborted(b.reason(), false)
			return
		}
		b.finishFailed(errDeclined(res.tc.StatusCode, response.Reason), false)
		return
	}

	b.applyAnswerHeaders(response)
	if err := b.dialog.SigEstablished(); err != nil {
		b.finishFailed(errUnexpected(err), false)
		return
	}
	if err := b.deps.Transport.SendRequest(b.ctx, b.dialog.BuildAck()); err != nil {
		b.logger.Warn("ACK не отправлен", slog.Any("error", err))
	}
	if canceled {
		// 2xx пришел раньше CANCEL: подтверждаем и сразу завершаем
		b.finishAborted(b.reason(), true)
		return
	}

	remoteSDP := b.extractRemoteSDP(contentTypeOf(response), response.Body())
	_ = b.dialog.SetRemoteSDP(remoteSDP)
	if err := stream.ApplyAnswer(remoteSDP); err != nil {
		b.finishFailed(errMediaNegotiation(err), true)
		return
	}
	if err := b.dialog.SessionEstablished(); err != nil {
		b.finishFailed(errUnexpected(err), true)
		return
	}
	b.phase.fire(phaseEventAccept)

	if !b.establishMedia(stream) {
		return
	}
	b.started()
	b.established(stream)
}

func (b *Base) onProvisional(res *sip.Response) {
	if res.StatusCode == 180 || res.StatusCode == 183 {
		b.ringingOnce.Do(func() {
			b.push(Event{Type: EventRinging, StatusCode: res.StatusCode})
		})
	}
}

// applyAnswerHeaders сохраняет тег, Contact и маршрут из 2xx ответа
func (b *Base) applyAnswerHeaders(res *sip.Response) {
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			_ = b.dialog.SetRemoteTag(tag)
		}
	}
	if h := res.GetHeader("Contact"); h != nil {
		var uri sip.Uri
		if err := sip.ParseUri(trimAngle(h.Value()), &uri); err == nil {
			_ = b.dialog.SetRemoteTarget(uri)
		}
	}
	var routes []sip.Uri
	for _, h := range res.GetHeaders("Record-Route") {
		var uri sip.Uri
		if err := sip.ParseUri(trimAngle(h.Value()), &uri); err == nil {
			routes = append([]sip.Uri{uri}, routes...)
		}
	}
	if len(routes) > 0 {
		_ = b.dialog.SetRouteSet(routes)
	}
}

// sendCancel отменяет неотвеченный INVITE, не дожидаясь результата
func (b *Base) sendCancel() {
	req := b.dialog.BuildCancel()
	if req == nil {
		return
	}
	timeout := b.deps.settings().Timeouts.Transaction
	go func() {
		if _, err := b.deps.Transport.SendRequestAndWait(context.Background(), req, timeout, nil); err != nil {
			b.logger.Debug("CANCEL без ответа", slog.Any("error", err))
		}
	}()
}

func trimAngle(v string) string {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "<") {
		if end := strings.Index(v, ">"); end > 0 {
			return v[1:end]
		}
	}
	if i := strings.Index(v, ";"); i > 0 {
		return v[:i]
	}
	return v
}
