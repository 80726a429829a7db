package session

import (
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_core/pkg/dialog_path"
	"github.com/arzzra/rcs_core/pkg/media_negotiator"
	"github.com/arzzra/rcs_core/pkg/signaling"
)

// IPCall голосовой или видео звонок поверх RTP
type IPCall struct {
	*Base
	video bool
}

// NewIncomingIPCall создает входящий звонок. Видео определяется по
// m=video строке предложения.
func NewIncomingIPCall(deps Deps, invite *sip.Request, tx signaling.ServerTx, contact string) *IPCall {
	video := false
	for _, m := range media_negotiator.MediaTypes(ExtractSDP(contentTypeOf(invite), invite.Body())) {
		if m == media_negotiator.MediaVideo {
			video = true
		}
	}
	call := &IPCall{video: video}
	call.Base = newBase(baseParams{
		kind:      KindIPCall,
		direction: Incoming,
		contact:   contact,
		deps:      deps,
		dialog:    dialog_path.NewFromInvite(invite),
		inviteTx:  tx,
		mediaKind: media_negotiator.KindRTP,
		opts:      media_negotiator.StreamOptions{Media: callMedia(video)},
	})
	return call
}

// NewOutgoingIPCall создает исходящий звонок
func NewOutgoingIPCall(deps Deps, remote sip.Uri, contact string, video bool) *IPCall {
	call := &IPCall{video: video}
	call.Base = newBase(baseParams{
		kind:      KindIPCall,
		direction: Outgoing,
		contact:   contact,
		deps:      deps,
		dialog:    newOutgoingDialog(deps, remote),
		mediaKind: media_negotiator.KindRTP,
		opts:      media_negotiator.StreamOptions{Media: callMedia(video)},
	})
	tag := FeatureTagIPVoiceCall
	if video {
		tag = FeatureTagIPVideoCall
	}
	call.hooks.inviteBody = func(sdp []byte) (string, []byte, []sip.Header) {
		return contentTypeSDP, sdp, []sip.Header{acceptContact(tag)}
	}
	return call
}

// IsVideo звонок с видео
func (c *IPCall) IsVideo() bool { return c.video }

func callMedia(video bool) string {
	if video {
		return media_negotiator.MediaVideo
	}
	return media_negotiator.MediaAudio
}
