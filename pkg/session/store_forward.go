package session

import (
	"bytes"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_core/pkg/dialog_path"
	"github.com/arzzra/rcs_core/pkg/media_negotiator"
	"github.com/arzzra/rcs_core/pkg/persistence"
	"github.com/arzzra/rcs_core/pkg/signaling"
)

// ContentTypeIMDN тип уведомлений о доставке
const ContentTypeIMDN = "message/imdn+xml"

// StoreAndForward сессия доставки сообщений или уведомлений, накопленных
// сервером для контакта, пока устройство было недоступно. Принимается
// без решения пользователя и занимает место чата с тем же контактом.
type StoreAndForward struct {
	chatCore
	notification bool
}

// NewStoreAndForwardMessage сессия доставки отложенных сообщений
func NewStoreAndForwardMessage(deps Deps, invite *sip.Request, tx signaling.ServerTx, contact string) *StoreAndForward {
	return newStoreAndForward(deps, invite, tx, contact, false)
}

// NewStoreAndForwardNotification сессия доставки отложенных уведомлений
func NewStoreAndForwardNotification(deps Deps, invite *sip.Request, tx signaling.ServerTx, contact string) *StoreAndForward {
	return newStoreAndForward(deps, invite, tx, contact, true)
}

func newStoreAndForward(deps Deps, invite *sip.Request, tx signaling.ServerTx, contact string, notification bool) *StoreAndForward {
	s := &StoreAndForward{notification: notification}
	kind := KindStoreAndForwardMessage
	if notification {
		kind = KindStoreAndForwardNotification
	}
	s.Base = newBase(baseParams{
		kind:      kind,
		direction: Incoming,
		contact:   contact,
		deps:      deps,
		dialog:    dialog_path.NewFromInvite(invite),
		inviteTx:  tx,
		mediaKind: media_negotiator.KindMSRP,
		opts:      media_negotiator.StreamOptions{OnMessage: s.onMessage},
	})
	s.chatID = contact
	s.autoAccept = true
	if part, ok := FirstMessage(contentTypeOf(invite), invite.Body()); ok && !notification {
		s.storeFirstMessage(part, persistence.DirectionIncoming)
	}
	return s
}

// IsNotification доставка уведомлений, а не сообщений
func (s *StoreAndForward) IsNotification() bool { return s.notification }

// IsStoreAndForwardNotification признак INVITE с отложенными уведомлениями:
// тело содержит только уведомления о доставке
func IsStoreAndForwardNotification(invite *sip.Request) bool {
	part, ok := FirstMessage(contentTypeOf(invite), invite.Body())
	if !ok {
		return false
	}
	if isType(part.ContentType, contentTypeCPIM) {
		return bytes.Contains(bytes.ToLower(part.Content), []byte(ContentTypeIMDN))
	}
	return isType(part.ContentType, ContentTypeIMDN)
}
