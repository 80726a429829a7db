package service

import (
	"context"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_core/pkg/admission"
	"github.com/arzzra/rcs_core/pkg/registry"
	"github.com/arzzra/rcs_core/pkg/session"
	"github.com/arzzra/rcs_core/pkg/signaling"
)

// RichcallService обмен изображениями и геопозицией с контактом.
// Изображение передается как файл по MSRP, геопозиция - одним документом.
type RichcallService struct {
	*base
	images  *registry.Registry[*session.FileTransfer]
	geolocs *registry.Registry[*session.GeolocSharing]
}

// NewRichcallService создает сервис
func NewRichcallService(deps Deps) *RichcallService {
	s := &RichcallService{base: newBase("richcall", deps)}
	s.images = registry.New(s.domain, "image_sharings", idOf[*session.FileTransfer],
		registry.WithCallIDIndex(callIDOf[*session.FileTransfer]))
	s.geolocs = registry.New(s.domain, "geoloc_sharings", idOf[*session.GeolocSharing],
		registry.WithCallIDIndex(callIDOf[*session.GeolocSharing]))
	return s
}

// capacity общий потолок обменов изображениями и геопозицией
func (s *RichcallService) capacity() admission.Decision {
	count := s.domain.CountOfLocked(s.images, s.geolocs)
	return admission.CheckCapacity(count, s.settings().Limits.MaxSharingSessions, admission.KindSharing)
}

// ReceiveImageSharingInvitation обрабатывает приглашение принять
// изображение. Неподдерживаемый тип изображения получает 415.
// Возвращает запущенную сессию или nil.
func (s *RichcallService) ReceiveImageSharingInvitation(ctx context.Context, req *sip.Request, tx signaling.ServerTx) session.Session {
	contact := session.RemoteContact(req)
	info, _ := session.FileInfoFromSDP(session.ContentType(req), req.Body())
	free := s.freeSpace()
	settings := s.settings()

	blocked := s.deps.Contacts.IsBlocked(contact)
	if blocked {
		s.storeSpam(admission.KindSharing, contact, req, nil)
	}

	image, dec, err := admit(s.images, func() *session.FileTransfer {
		return session.NewIncomingImageSharing(s.deps.Session, req, tx, contact)
	},
		func() admission.Decision { return admission.CheckBlocked(blocked, admission.KindSharing) },
		func() admission.Decision {
			return admission.CheckMediaType(info.ContentType, settings.Media.ImageTypes, admission.KindSharing)
		},
		s.capacity,
		func() admission.Decision {
			return admission.CheckSize(info.Size, settings.Limits.MaxImageSharingSize, free, admission.KindSharing)
		},
	)
	if !dec.Accepted() {
		s.rejectInvite(ctx, req, tx, dec.Rejection)
		return nil
	}
	if err != nil {
		s.refuseInvite(ctx, req, tx, image, admission.KindSharing, err)
		return nil
	}
	s.launch(image, func() { s.images.Remove(image) })
	return image
}

// ReceiveGeolocSharingInvitation обрабатывает приглашение принять
// геопозицию. Возвращает запущенную сессию или nil.
func (s *RichcallService) ReceiveGeolocSharingInvitation(ctx context.Context, req *sip.Request, tx signaling.ServerTx) session.Session {
	contact := session.RemoteContact(req)
	blocked := s.deps.Contacts.IsBlocked(contact)
	if blocked {
		s.storeSpam(admission.KindSharing, contact, req, nil)
	}

	gs, dec, err := admit(s.geolocs, func() *session.GeolocSharing {
		return session.NewIncomingGeolocSharing(s.deps.Session, req, tx, contact)
	},
		func() admission.Decision { return admission.CheckBlocked(blocked, admission.KindSharing) },
		s.capacity,
	)
	if !dec.Accepted() {
		s.rejectInvite(ctx, req, tx, dec.Rejection)
		return nil
	}
	if err != nil {
		s.refuseInvite(ctx, req, tx, gs, admission.KindSharing, err)
		return nil
	}
	s.launch(gs, func() { s.geolocs.Remove(gs) })
	return gs
}

// InitiateImageSharing отправляет изображение контакту
func (s *RichcallService) InitiateImageSharing(contact string, file session.FileInfo, content []byte) (*session.FileTransfer, error) {
	remote, err := s.remoteURI(contact)
	if err != nil {
		return nil, err
	}
	if file.Size == 0 {
		file.Size = int64(len(content))
	}
	settings := s.settings()

	image, dec, err := admit(s.images, func() *session.FileTransfer {
		return session.NewOutgoingImageSharing(s.deps.Session, remote, contact, file, content)
	},
		func() admission.Decision {
			return admission.CheckMediaType(file.ContentType, settings.Media.ImageTypes, admission.KindSharing)
		},
		s.capacity,
		func() admission.Decision {
			return admission.CheckSize(file.Size, settings.Limits.MaxImageSharingSize, -1, admission.KindSharing)
		},
	)
	if !dec.Accepted() {
		return nil, s.rejected(dec.Rejection)
	}
	if err != nil {
		image.Discard()
		return nil, err
	}
	s.launch(image, func() { s.images.Remove(image) })
	return image, nil
}

// InitiateGeolocSharing отправляет геопозицию контакту
func (s *RichcallService) InitiateGeolocSharing(contact string, g session.Geoloc) (*session.GeolocSharing, error) {
	remote, err := s.remoteURI(contact)
	if err != nil {
		return nil, err
	}
	gs, dec, err := admit(s.geolocs, func() *session.GeolocSharing {
		return session.NewOutgoingGeolocSharing(s.deps.Session, remote, contact, g)
	}, s.capacity)
	if !dec.Accepted() {
		return nil, s.rejected(dec.Rejection)
	}
	if err != nil {
		gs.Discard()
		return nil, err
	}
	s.launch(gs, func() { s.geolocs.Remove(gs) })
	return gs, nil
}

// ImageSharing обмен изображением по идентификатору сессии
func (s *RichcallService) ImageSharing(id string) (*session.FileTransfer, bool) {
	return s.images.Lookup(id)
}

// GeolocSharing обмен геопозицией по идентификатору сессии
func (s *RichcallService) GeolocSharing(id string) (*session.GeolocSharing, bool) {
	return s.geolocs.Lookup(id)
}

// FindByCallID ищет сессию обмена по Call-ID
func (s *RichcallService) FindByCallID(callID string) (session.Session, bool) {
	if image, ok := s.images.LookupByCallID(callID); ok {
		return image, true
	}
	if gs, ok := s.geolocs.LookupByCallID(callID); ok {
		return gs, true
	}
	return nil, false
}

// AbortAllSessions завершает все обмены
func (s *RichcallService) AbortAllSessions(reason session.TerminationReason) {
	abortAll(s.images, reason)
	abortAll(s.geolocs, reason)
}
