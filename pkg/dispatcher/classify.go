package dispatcher

import (
	"slices"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_core/pkg/contacts"
	"github.com/arzzra/rcs_core/pkg/media_negotiator"
	"github.com/arzzra/rcs_core/pkg/session"
)

// Route сервис, которому передается входящий INVITE
type Route int

const (
	RouteUnknown Route = iota
	RouteChat
	RouteGroupChat
	RouteFileTransfer
	RouteStoreAndForward
	RouteIPCall
	RouteExtension
	RouteImageShare
	RouteGeolocShare
)

func (r Route) String() string {
	switch r {
	case RouteChat:
		return "chat"
	case RouteGroupChat:
		return "group_chat"
	case RouteFileTransfer:
		return "file_transfer"
	case RouteStoreAndForward:
		return "store_and_forward"
	case RouteIPCall:
		return "ip_call"
	case RouteExtension:
		return "extension"
	case RouteImageShare:
		return "image_share"
	case RouteGeolocShare:
		return "geoloc_share"
	default:
		return "unknown"
	}
}

// значения iari-ref сервисов стека, не считаются расширениями
var (
	fileTransferIARI = session.IARIOf(session.FeatureTagFileTransfer)
	imageShareIARI   = session.IARIOf(session.FeatureTagImageShare)
	geolocShareIARI  = session.IARIOf(session.FeatureTagGeolocShare)
)

// featureTags признаки из Accept-Contact и Contact в нижнем регистре
func featureTags(req *sip.Request) string {
	var b strings.Builder
	for _, name := range []string{session.HeaderAcceptContact, "Contact"} {
		for _, h := range req.GetHeaders(name) {
			b.WriteString(strings.ToLower(h.Value()))
			b.WriteByte(';')
		}
	}
	return b.String()
}

func hasTag(tags, tag string) bool {
	tag = strings.ToLower(tag)
	for _, param := range strings.FieldsFunc(tags, func(r rune) bool { return r == ';' || r == ',' }) {
		key, _, _ := strings.Cut(strings.TrimSpace(param), "=")
		if key == tag {
			return true
		}
	}
	return false
}

// Classify определяет сервис по признакам и телу INVITE.
// sfServer адрес сервера store-and-forward, пусто - не используется.
//
// Порядок проверок:
//   - Referred-By и From сервера store-and-forward
//   - isfocus (конференция)
//   - iari-ref обмена изображениями или геопозицией
//   - a=file-selector
//   - +g.3gpp.iari-ref (расширение)
//   - признаки IP звонка или m=audio/m=video
//   - +g.oma.sip-im или m=message
func Classify(req *sip.Request, sfServer string) Route {
	tags := featureTags(req)
	sdp := session.ExtractSDP(session.ContentType(req), req.Body())
	media := media_negotiator.MediaTypes(sdp)

	if sfServer != "" && session.HeaderValue(req, session.HeaderReferredBy) != "" {
		if from := req.From(); from != nil && contacts.Normalize(from.Address.String()) == contacts.Normalize(sfServer) {
			return RouteStoreAndForward
		}
	}
	if hasTag(tags, session.FeatureTagConference) {
		return RouteGroupChat
	}
	ref := session.IARIRef(req)
	switch ref {
	case imageShareIARI:
		return RouteImageShare
	case geolocShareIARI:
		return RouteGeolocShare
	}
	if _, ok := media_negotiator.MSRPFileSelector(sdp); ok {
		return RouteFileTransfer
	}
	if ref != "" && ref != fileTransferIARI {
		return RouteExtension
	}
	if hasTag(tags, session.FeatureTagIPVoiceCall) || hasTag(tags, session.FeatureTagIPVideoCall) ||
		slices.Contains(media, media_negotiator.MediaAudio) || slices.Contains(media, media_negotiator.MediaVideo) {
		return RouteIPCall
	}
	if hasTag(tags, session.FeatureTagIM) || slices.Contains(media, media_negotiator.MediaMessage) {
		return RouteChat
	}
	return RouteUnknown
}
