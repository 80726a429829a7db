package session

import (
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"
)

func contentTypeOf(m interface{ GetHeader(string) sip.Header }) string {
	if h := m.GetHeader("Content-Type"); h != nil {
		return h.Value()
	}
	return ""
}

// runIncoming входящий путь: 180, решение, согласование медиа, 200 OK,
// ожидание ACK, установление медиа, установленная сессия.
func (b *Base) runIncoming() {
	timeouts := b.deps.settings().Timeouts
	invite := b.dialog.Invite()

	b.phase.fire(phaseEventInvite)
	b.respondQuiet(180, "Ringing")
	b.emit(EventInvited)
	if b.autoAccept {
		b.inv.decide(InvitationAccepted)
	}

	ringing := time.NewTimer(timeouts.Ringing)
	select {
	case <-b.inv.done():
	case <-ringing.C:
		b.inv.decide(InvitationRejectedByTimeout)
	}
	ringing.Stop()

	outcome := b.inv.get()
	b.logger.Debug("решение по приглашению", slog.String("outcome", outcome.String()))

	switch outcome {
	case InvitationRejectedByUser:
		b.respondQuiet(603, "Decline")
		b.finishRejected(ByUser)
		return
	case InvitationRejectedByTimeout:
		b.respondQuiet(486, "Busy Here")
		b.finishRejected(ByTimeout)
		return
	case InvitationRejectedBySystem:
		b.respondQuiet(480, "Temporarily Unavailable")
		b.finishRejected(BySystem)
		return
	case InvitationCanceledByRemote:
		// транзакция sipgo уже ответила 487 сама
		if !b.txCanceled.Load() {
			b.respondQuiet(487, "Request Terminated")
		}
		b.finishRejected(ByRemote)
		return
	case InvitationDeleted:
		reason := b.reason()
		if reason == ByUser {
			b.respondQuiet(603, "Decline")
		} else {
			b.respondQuiet(480, "Temporarily Unavailable")
		}
		b.finishAborted(reason, false)
		return
	}

	b.phase.fire(phaseEventAccept)
	b.emit(EventAccepted)

	remoteSDP := b.extractRemoteSDP(contentTypeOf(invite), invite.Body())
	_, stream, err := b.deps.Negotiator.Negotiate(b.ctx, b.mediaKind, remoteSDP, b.streamOpts)
	if err != nil {
		b.logger.Warn("согласование медиа не удалось", slog.Any("error", err))
		b.respondQuiet(488, "Not Acceptable Here")
		b.finishFailed(errMediaNegotiation(err), false)
		return
	}
	b.setStream(stream)
	_ = b.dialog.SetRemoteSDP(remoteSDP)
	_ = b.dialog.SetLocalSDP(stream.LocalSDP())

	if err := b.respond(200, "OK", contentTypeSDP, stream.LocalSDP()); err != nil {
		if b.txCanceled.Load() {
			// CANCEL пришел во время согласования медиа
			b.finishRejected(ByRemote)
			return
		}
		b.finishFailed(errSignaling(err, "200 OK не отправлен"), false)
		return
	}
	if err := b.dialog.SigEstablished(); err != nil {
		b.finishFailed(errUnexpected(err), true)
		return
	}

	ack := time.NewTimer(timeouts.Ack)
	defer ack.Stop()
	select {
	case <-b.ackCh:
	case <-ack.C:
		b.finishFailed(errAckTimeout(timeouts.Ack), true)
		return
	case <-b.byeCh:
		b.finishAborted(ByRemote, false)
		return
	case <-b.abortCh:
		b.finishAborted(b.reason(), true)
		return
	}

	if err := b.dialog.SessionEstablished(); err != nil {
		b.finishFailed(errUnexpected(err), true)
		return
	}
	if !b.establishMedia(stream) {
		return
	}
	b.started()
	b.established(stream)
}
