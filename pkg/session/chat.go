package session

import (
	"context"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/rcs_core/pkg/dialog_path"
	"github.com/arzzra/rcs_core/pkg/media_negotiator"
	"github.com/arzzra/rcs_core/pkg/persistence"
	"github.com/arzzra/rcs_core/pkg/signaling"
)

// messageSender поток, через который можно отправить сообщение MSRP
type messageSender interface {
	SendMessage(ctx context.Context, contentType string, body []byte) (string, error)
}

// chatCore общая часть сессий обмена сообщениями поверх MSRP
type chatCore struct {
	*Base
	chatID string
}

func (c *chatCore) onMessage(messageID, contentType string, body []byte) {
	c.touch()
	c.deps.store().MessageStored(persistence.Message{
		ID:          messageID,
		ChatID:      c.chatID,
		Contact:     c.contact,
		ContentType: contentType,
		Body:        body,
		Direction:   persistence.DirectionIncoming,
		Timestamp:   time.Now(),
	})
}

// ChatID идентификатор чата
func (c *chatCore) ChatID() string { return c.chatID }

// SendMessage отправляет сообщение в установленную сессию и сохраняет
// его в истории
func (c *chatCore) SendMessage(ctx context.Context, contentType string, body []byte) (string, error) {
	if !c.IsEstablished() {
		return "", media_negotiator.ErrNotEstablished
	}
	sender, ok := c.Stream().(messageSender)
	if !ok {
		return "", media_negotiator.ErrNotEstablished
	}
	id, err := sender.SendMessage(ctx, contentType, body)
	if err != nil {
		return "", err
	}
	c.touch()
	c.deps.store().MessageStored(persistence.Message{
		ID:          id,
		ChatID:      c.chatID,
		Contact:     c.contact,
		ContentType: contentType,
		Body:        body,
		Direction:   persistence.DirectionOutgoing,
		Timestamp:   time.Now(),
	})
	return id, nil
}

func (c *chatCore) storeFirstMessage(part BodyPart, dir persistence.Direction) persistence.Message {
	msg := persistence.Message{
		ID:          uuid.NewString(),
		ChatID:      c.chatID,
		Contact:     c.contact,
		ContentType: part.ContentType,
		Body:        part.Content,
		Direction:   dir,
		Timestamp:   time.Now(),
	}
	c.deps.store().MessageStored(msg)
	return msg
}

// OneToOneChat чат с одним контактом. В реестре сервиса ключом служит
// контакт.
type OneToOneChat struct {
	chatCore
	first *BodyPart
}

// NewIncomingChat создает сессию по входящему INVITE. Первое сообщение из
// тела INVITE не сохраняется здесь: сервис сохраняет его до проверки
// емкости.
func NewIncomingChat(deps Deps, invite *sip.Request, tx signaling.ServerTx, contact string) *OneToOneChat {
	c := &OneToOneChat{}
	c.Base = newBase(baseParams{
		kind:      KindChat,
		direction: Incoming,
		contact:   contact,
		deps:      deps,
		dialog:    dialog_path.NewFromInvite(invite),
		inviteTx:  tx,
		mediaKind: media_negotiator.KindMSRP,
		opts:      media_negotiator.StreamOptions{Probe: true, OnMessage: c.onMessage},
	})
	c.chatID = contact
	if part, ok := FirstMessage(contentTypeOf(invite), invite.Body()); ok {
		c.first = &part
	}
	return c
}

// NewOutgoingChat создает исходящий чат. Первое сообщение, если задано,
// передается в теле INVITE.
func NewOutgoingChat(deps Deps, remote sip.Uri, contact string, first *BodyPart) *OneToOneChat {
	c := &OneToOneChat{first: first}
	c.Base = newBase(baseParams{
		kind:      KindChat,
		direction: Outgoing,
		contact:   contact,
		deps:      deps,
		dialog:    newOutgoingDialog(deps, remote),
		mediaKind: media_negotiator.KindMSRP,
		opts:      media_negotiator.StreamOptions{Probe: true, OnMessage: c.onMessage},
	})
	c.chatID = contact
	contributionID := newContributionID()
	c.hooks.inviteBody = func(sdp []byte) (string, []byte, []sip.Header) {
		headers := []sip.Header{
			acceptContact(FeatureTagIM),
			sip.NewHeader(HeaderContributionID, contributionID),
		}
		if c.first == nil {
			return contentTypeSDP, sdp, headers
		}
		c.storeFirstMessage(*c.first, persistence.DirectionOutgoing)
		ct, body := BuildMultipart(BodyPart{ContentType: contentTypeSDP, Content: sdp}, *c.first)
		return ct, body, headers
	}
	return c
}

// FirstMessage первое сообщение из тела INVITE
func (c *OneToOneChat) FirstMessage() (BodyPart, bool) {
	if c.first == nil {
		return BodyPart{}, false
	}
	return *c.first, true
}
