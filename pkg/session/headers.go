package session

import (
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/rcs_core/pkg/dialog_path"
)

// Признаки сервисов в Accept-Contact и Contact
const (
	FeatureTagIM           = "+g.oma.sip-im"
	FeatureTagFileTransfer = "+g.3gpp.iari-ref=\"urn%3Aurn-7%3A3gpp-application.ims.iari.rcs.ft\""
	FeatureTagIPVoiceCall  = "+g.gsma.rcs.ipcall"
	FeatureTagIPVideoCall  = "+g.gsma.rcs.ipvideocall"
	FeatureTagExtension    = "+g.3gpp.iari-ref"
	FeatureTagConference   = "isfocus"
	FeatureTagImageShare   = "+g.3gpp.iari-ref=\"urn%3Aurn-7%3A3gpp-application.ims.iari.gsma-is\""
	FeatureTagGeolocShare  = "+g.3gpp.iari-ref=\"urn%3Aurn-7%3A3gpp-application.ims.iari.rcs.geolocpush\""
)

// Заголовки RCS
const (
	HeaderContributionID = "Contribution-ID"
	HeaderReferredBy     = "Referred-By"
	HeaderAcceptContact  = "Accept-Contact"
	HeaderSubject        = "Subject"
)

// HeaderValue значение заголовка или пустая строка
func HeaderValue(req *sip.Request, name string) string {
	if req == nil {
		return ""
	}
	if h := req.GetHeader(name); h != nil {
		return strings.TrimSpace(h.Value())
	}
	return ""
}

// RemoteContact адрес инициатора входящего запроса: Referred-By, если он
// есть (store-and-forward и конференции), иначе From
func RemoteContact(req *sip.Request) string {
	if v := HeaderValue(req, HeaderReferredBy); v != "" {
		return trimAngle(v)
	}
	if from := req.From(); from != nil {
		return from.Address.String()
	}
	return ""
}

// ContentType значение Content-Type запроса
func ContentType(req *sip.Request) string {
	return contentTypeOf(req)
}

// InviteMessage первое сообщение чата из тела INVITE
func InviteMessage(req *sip.Request) (BodyPart, bool) {
	return FirstMessage(contentTypeOf(req), req.Body())
}

func newCallID() string {
	return uuid.NewString()
}

func newContributionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// newOutgoingDialog сигнальный обмен исходящей сессии
func newOutgoingDialog(deps Deps, remote sip.Uri) *dialog_path.DialogPath {
	return dialog_path.New(newCallID(), deps.LocalURI, remote)
}

func acceptContact(tags ...string) sip.Header {
	return sip.NewHeader(HeaderAcceptContact, "*;"+strings.Join(tags, ";"))
}
