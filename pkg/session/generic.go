package session

import (
	"context"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_core/pkg/dialog_path"
	"github.com/arzzra/rcs_core/pkg/media_negotiator"
	"github.com/arzzra/rcs_core/pkg/signaling"
)

// GenericSession сессия расширения (MSRP или RTP), идентифицируемая
// признаком +g.3gpp.iari-ref
type GenericSession struct {
	*Base
	iariRef string

	handlerMu sync.RWMutex
	handler   func(contentType string, body []byte)
}

// IARIRef извлекает значение iari-ref из заголовков Accept-Contact и
// Contact запроса
func IARIRef(req *sip.Request) string {
	for _, name := range []string{HeaderAcceptContact, "Contact"} {
		for _, h := range req.GetHeaders(name) {
			for _, param := range strings.Split(h.Value(), ";") {
				key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
				if ok && key == FeatureTagExtension {
					return strings.Trim(value, "\"")
				}
			}
		}
	}
	return ""
}

// IARIOf значение iari-ref признака вида +g.3gpp.iari-ref="..."
func IARIOf(featureTag string) string {
	return strings.Trim(strings.TrimPrefix(featureTag, FeatureTagExtension+"="), "\"")
}

func genericKind(mediaKind media_negotiator.Kind) Kind {
	if mediaKind == media_negotiator.KindRTP {
		return KindGenericRTP
	}
	return KindGenericMSRP
}

// NewIncomingGenericSession создает входящую сессию расширения.
// Тип медиа определяется по предложению.
func NewIncomingGenericSession(deps Deps, invite *sip.Request, tx signaling.ServerTx, contact string) *GenericSession {
	mediaKind := media_negotiator.KindMSRP
	for _, m := range media_negotiator.MediaTypes(ExtractSDP(contentTypeOf(invite), invite.Body())) {
		if m == media_negotiator.MediaAudio || m == media_negotiator.MediaVideo {
			mediaKind = media_negotiator.KindRTP
		}
	}
	g := &GenericSession{iariRef: IARIRef(invite)}
	g.Base = newBase(baseParams{
		kind:      genericKind(mediaKind),
		direction: Incoming,
		contact:   contact,
		deps:      deps,
		dialog:    dialog_path.NewFromInvite(invite),
		inviteTx:  tx,
		mediaKind: mediaKind,
		opts:      media_negotiator.StreamOptions{OnMessage: g.onMessage},
	})
	return g
}

// NewOutgoingGenericSession создает исходящую сессию расширения
func NewOutgoingGenericSession(deps Deps, remote sip.Uri, contact, iariRef string, mediaKind media_negotiator.Kind) *GenericSession {
	g := &GenericSession{iariRef: iariRef}
	g.Base = newBase(baseParams{
		kind:      genericKind(mediaKind),
		direction: Outgoing,
		contact:   contact,
		deps:      deps,
		dialog:    newOutgoingDialog(deps, remote),
		mediaKind: mediaKind,
		opts:      media_negotiator.StreamOptions{OnMessage: g.onMessage},
	})
	g.hooks.inviteBody = func(sdp []byte) (string, []byte, []sip.Header) {
		tag := FeatureTagExtension + "=\"" + iariRef + "\""
		return contentTypeSDP, sdp, []sip.Header{acceptContact(tag)}
	}
	return g
}

// IARIRef идентификатор приложения расширения
func (g *GenericSession) IARIRef() string { return g.iariRef }

// SetMessageHandler задает получателя входящих сообщений MSRP
func (g *GenericSession) SetMessageHandler(h func(contentType string, body []byte)) {
	g.handlerMu.Lock()
	g.handler = h
	g.handlerMu.Unlock()
}

// SendMessage отправляет сообщение в сессию MSRP
func (g *GenericSession) SendMessage(ctx context.Context, contentType string, body []byte) (string, error) {
	sender, ok := g.Stream().(messageSender)
	if !ok || !g.IsEstablished() {
		return "", media_negotiator.ErrNotEstablished
	}
	id, err := sender.SendMessage(ctx, contentType, body)
	if err == nil {
		g.touch()
	}
	return id, err
}

func (g *GenericSession) onMessage(_, contentType string, body []byte) {
	g.touch()
	g.handlerMu.RLock()
	h := g.handler
	g.handlerMu.RUnlock()
	if h != nil {
		h(contentType, body)
	}
}
