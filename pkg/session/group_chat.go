package session

import (
	"context"
	"encoding/xml"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_core/pkg/dialog_path"
	"github.com/arzzra/rcs_core/pkg/media_negotiator"
	"github.com/arzzra/rcs_core/pkg/signaling"
)

const (
	contentTypeResourceLists  = "application/resource-lists+xml"
	contentTypeConferenceInfo = "application/conference-info+xml"
)

// Participant участник группового чата
type Participant struct {
	Contact string
	Status  string
}

type conferenceInfo struct {
	XMLName xml.Name         `xml:"conference-info"`
	State   string           `xml:"state,attr"`
	Users   []conferenceUser `xml:"users>user"`
}

type conferenceUser struct {
	Entity    string               `xml:"entity,attr"`
	State     string               `xml:"state,attr"`
	Endpoints []conferenceEndpoint `xml:"endpoint"`
}

type conferenceEndpoint struct {
	Status string `xml:"status"`
}

type resourceLists struct {
	XMLName xml.Name        `xml:"urn:ietf:params:xml:ns:resource-lists resource-lists"`
	Entries []resourceEntry `xml:"list>entry"`
}

type resourceEntry struct {
	URI string `xml:"uri,attr"`
}

// ParseConferenceInfo разбирает документ conference-info. Возвращает
// признак полного состояния и участников.
func ParseConferenceInfo(body []byte) (full bool, participants []Participant, err error) {
	var info conferenceInfo
	if err := xml.Unmarshal(body, &info); err != nil {
		return false, nil, err
	}
	for _, u := range info.Users {
		status := "connected"
		if u.State == "deleted" {
			status = "deleted"
		}
		if len(u.Endpoints) > 0 && u.Endpoints[0].Status != "" {
			status = u.Endpoints[0].Status
		}
		participants = append(participants, Participant{Contact: u.Entity, Status: status})
	}
	return info.State == "full", participants, nil
}

// BuildResourceList формирует список приглашаемых участников
func BuildResourceList(contacts []string) []byte {
	doc := resourceLists{}
	for _, c := range contacts {
		doc.Entries = append(doc.Entries, resourceEntry{URI: c})
	}
	out, _ := xml.Marshal(doc)
	return append([]byte(xml.Header), out...)
}

// GroupChat групповой чат через сервер конференций. Ключ в реестре
// сервиса - идентификатор чата (Contribution-ID).
type GroupChat struct {
	chatCore
	subject string

	partMu       sync.RWMutex
	participants map[string]string

	subscriber *ConferenceSubscriber
}

// GroupChatID идентификатор группового чата из приглашения:
// Contribution-ID, а без него Call-ID
func GroupChatID(invite *sip.Request) string {
	if id := HeaderValue(invite, HeaderContributionID); id != "" {
		return id
	}
	if invite.CallID() != nil {
		return invite.CallID().Value()
	}
	return ""
}

// NewIncomingGroupChat создает групповой чат по приглашению конференции
func NewIncomingGroupChat(deps Deps, invite *sip.Request, tx signaling.ServerTx, contact string) *GroupChat {
	g := &GroupChat{participants: make(map[string]string)}
	g.Base = newBase(baseParams{
		kind:      KindGroupChat,
		direction: Incoming,
		contact:   contact,
		deps:      deps,
		dialog:    dialog_path.NewFromInvite(invite),
		inviteTx:  tx,
		mediaKind: media_negotiator.KindMSRP,
		opts:      media_negotiator.StreamOptions{OnMessage: g.onMessage},
	})
	g.chatID = GroupChatID(invite)
	g.subject = HeaderValue(invite, HeaderSubject)
	g.watchConference()
	return g
}

// NewOutgoingGroupChat создает групповой чат на сервере конференций.
// Список участников передается в теле INVITE.
func NewOutgoingGroupChat(deps Deps, conference sip.Uri, subject string, invitees []string) *GroupChat {
	g := &GroupChat{subject: subject, participants: make(map[string]string)}
	g.Base = newBase(baseParams{
		kind:      KindGroupChat,
		direction: Outgoing,
		contact:   conference.String(),
		deps:      deps,
		dialog:    newOutgoingDialog(deps, conference),
		mediaKind: media_negotiator.KindMSRP,
		opts:      media_negotiator.StreamOptions{OnMessage: g.onMessage},
	})
	g.chatID = newContributionID()
	for _, c := range invitees {
		g.participants[c] = "pending"
	}
	g.hooks.inviteBody = func(sdp []byte) (string, []byte, []sip.Header) {
		headers := []sip.Header{
			acceptContact(FeatureTagIM),
			sip.NewHeader(HeaderContributionID, g.chatID),
			sip.NewHeader("Require", "recipient-list-invite"),
		}
		if g.subject != "" {
			headers = append(headers, sip.NewHeader(HeaderSubject, g.subject))
		}
		ct, body := BuildMultipart(
			BodyPart{ContentType: contentTypeSDP, Content: sdp},
			BodyPart{ContentType: contentTypeResourceLists, Content: BuildResourceList(invitees)},
		)
		return ct, body, headers
	}
	g.watchConference()
	return g
}

// watchConference подписка на состояние конференции после установления
// чата и ее отмена при завершении
func (g *GroupChat) watchConference() {
	g.subscriber = newConferenceSubscriber(g.deps, g)
	g.hooks.onStarted = func(ctx context.Context) error {
		if err := g.subscriber.Subscribe(ctx); err != nil {
			// чат продолжается без списка участников
			g.logger.Warn("подписка на конференцию не удалась", slog.Any("error", err))
		}
		return nil
	}
	g.hooks.onFinish = func(Event) {
		timeout := g.deps.settings().Timeouts.Transaction
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			g.subscriber.Unsubscribe(ctx)
		}()
	}
}

// Subscriber подписка чата на событие conference
func (g *GroupChat) Subscriber() *ConferenceSubscriber { return g.subscriber }

// Subject тема чата
func (g *GroupChat) Subject() string { return g.subject }

// Participants копия списка участников и их состояний
func (g *GroupChat) Participants() []Participant {
	g.partMu.RLock()
	defer g.partMu.RUnlock()
	out := make([]Participant, 0, len(g.participants))
	for c, s := range g.participants {
		out = append(out, Participant{Contact: c, Status: s})
	}
	return out
}

// applyConferenceInfo обновляет участников по документу conference-info
func (g *GroupChat) applyConferenceInfo(body []byte) {
	full, participants, err := ParseConferenceInfo(body)
	if err != nil {
		g.logger.Warn("некорректный conference-info", slog.Any("error", err))
		return
	}

	g.partMu.Lock()
	if full {
		g.participants = make(map[string]string, len(participants))
	}
	for _, p := range participants {
		if p.Status == "deleted" {
			delete(g.participants, p.Contact)
			continue
		}
		g.participants[p.Contact] = p.Status
	}
	g.partMu.Unlock()
	g.touch()
}
