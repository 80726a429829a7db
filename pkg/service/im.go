package service

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/samber/oops"

	"github.com/arzzra/rcs_core/pkg/admission"
	"github.com/arzzra/rcs_core/pkg/contacts"
	"github.com/arzzra/rcs_core/pkg/persistence"
	"github.com/arzzra/rcs_core/pkg/registry"
	"github.com/arzzra/rcs_core/pkg/session"
	"github.com/arzzra/rcs_core/pkg/signaling"
)

// ErrNoConferenceURI адрес сервера конференций не настроен
var ErrNoConferenceURI = errors.New("conference uri is not configured")

// ErrChatExists с контактом уже есть чат
var ErrChatExists = errors.New("chat with contact already exists")

const deliverTimeout = 10 * time.Second

// DeliveryReportHandler получатель отчетов о доставке исходящих сообщений
// и файлов
type DeliveryReportHandler func(contact string, report session.DeliveryReport, file bool)

// IMService сервис обмена сообщениями и файлами: чаты один на один,
// групповые чаты, передача файлов по MSRP и HTTP, store-and-forward.
type IMService struct {
	*base

	chats           *registry.Registry[session.ChatSession]
	groupChats      *registry.Registry[*session.GroupChat]
	conferences     *registry.Registry[*session.ConferenceSubscriber]
	sfMessages      *registry.Registry[*session.StoreAndForward]
	sfNotifications *registry.Registry[*session.StoreAndForward]
	fileTransfers   *registry.Registry[*session.FileTransfer]
	httpDownloads   *registry.Registry[*session.HTTPFileTransfer]
	httpUploads     *registry.Registry[*session.HTTPFileTransfer]

	rejectMu   sync.Mutex
	rejectNext map[string]struct{}

	reportMu     sync.RWMutex
	onReport     DeliveryReportHandler
	fileMessages map[string]string // id сообщения с документом файла -> id передачи
}

// NewIMService создает сервис
func NewIMService(deps Deps) *IMService {
	s := &IMService{
		base:         newBase("im", deps),
		rejectNext:   make(map[string]struct{}),
		fileMessages: make(map[string]string),
	}
	d := s.domain
	s.chats = registry.New(d, "chats", func(c session.ChatSession) string { return contacts.Normalize(c.Contact()) },
		registry.WithCallIDIndex(callIDOf[session.ChatSession]))
	s.groupChats = registry.New(d, "group_chats", func(g *session.GroupChat) string { return g.ChatID() },
		registry.WithCallIDIndex(callIDOf[*session.GroupChat]))
	s.conferences = registry.New(d, "conference_subscriptions", func(c *session.ConferenceSubscriber) string { return c.CallID() })
	s.sfMessages = registry.New(d, "store_forward_messages", func(m *session.StoreAndForward) string { return contacts.Normalize(m.Contact()) },
		registry.WithCallIDIndex(callIDOf[*session.StoreAndForward]))
	s.sfNotifications = registry.New(d, "store_forward_notifications", func(m *session.StoreAndForward) string { return contacts.Normalize(m.Contact()) },
		registry.WithCallIDIndex(callIDOf[*session.StoreAndForward]))
	s.fileTransfers = registry.New(d, "file_transfers", idOf[*session.FileTransfer],
		registry.WithCallIDIndex(callIDOf[*session.FileTransfer]))
	s.httpDownloads = registry.New(d, "http_downloads", idOf[*session.HTTPFileTransfer])
	s.httpUploads = registry.New(d, "http_uploads", idOf[*session.HTTPFileTransfer])
	return s
}

func (s *IMService) chatCapacity(kind admission.Kind) admission.Decision {
	count := s.domain.CountOfLocked(s.chats, s.groupChats)
	return admission.CheckCapacity(count, s.settings().Limits.MaxChatSessions, kind)
}

func (s *IMService) fileTransferCapacity(kind admission.Kind) admission.Decision {
	count := s.domain.CountOfLocked(s.fileTransfers, s.httpUploads)
	return admission.CheckCapacity(count, s.settings().Limits.MaxFileTransferSessions, kind)
}

// admit атомарно выполняет проверки допуска, создает сессию и
// регистрирует ее. Проверки и build вызываются под мьютексом домена.
// При отказе сессия не создается. Ошибка регистрации возвращается вместе
// с созданной сессией.
func admit[S comparable](reg *registry.Registry[S], build func() S, checks ...admission.Check) (S, admission.Decision, error) {
	var (
		sess S
		dec  admission.Decision
		err  error
	)
	reg.Domain().Locked(func() {
		if dec = admission.Evaluate(checks...); dec.Accepted() {
			sess = build()
			err = reg.AddLocked(sess)
		}
	})
	return sess, dec, err
}

// existsLocked в реестре есть запись с ключом, вызывается под мьютексом домена
func existsLocked[S comparable](reg *registry.Registry[S], key string) bool {
	_, ok := reg.LookupLocked(key)
	return ok
}

func inviteMessage(contact string, part session.BodyPart) *persistence.Message {
	return &persistence.Message{
		ID:          uuid.NewString(),
		ChatID:      contact,
		Contact:     contact,
		ContentType: part.ContentType,
		Body:        part.Content,
		Direction:   persistence.DirectionIncoming,
		Timestamp:   time.Now(),
	}
}

// ReceiveOneToOneChatInvitation обрабатывает входящее приглашение в чат.
// Возвращает запущенную сессию или nil, если сервис ответил на INVITE сам.
// Второе приглашение от контакта с живым чатом получает 480, существующий
// чат не затрагивается.
func (s *IMService) ReceiveOneToOneChatInvitation(ctx context.Context, req *sip.Request, tx signaling.ServerTx) session.Session {
	contact := session.RemoteContact(req)
	first, hasFirst := session.InviteMessage(req)

	if dec := admission.CheckBlocked(s.deps.Contacts.IsBlocked(contact), admission.KindChat); !dec.Accepted() {
		var msg *persistence.Message
		if hasFirst {
			msg = inviteMessage(contact, first)
			s.reportBlockedDelivery(contact, first)
		}
		s.storeSpam(admission.KindChat, contact, req, msg)
		s.rejectInvite(ctx, req, tx, dec.Rejection)
		return nil
	}

	if hasFirst {
		s.deps.Session.Store.MessageStored(*inviteMessage(contact, first))
	}
	key := contacts.Normalize(contact)
	chat, dec, err := admit(s.chats, func() session.ChatSession {
		return session.NewIncomingChat(s.deps.Session, req, tx, contact)
	},
		func() admission.Decision { return admission.CheckExists(existsLocked(s.chats, key), admission.KindChat) },
		func() admission.Decision { return s.chatCapacity(admission.KindChat) },
	)
	if !dec.Accepted() {
		s.rejectInvite(ctx, req, tx, dec.Rejection)
		return nil
	}
	if err != nil {
		s.refuseInvite(ctx, req, tx, chat, admission.KindChat, err)
		return nil
	}
	s.launch(chat, func() { s.chats.Remove(chat) })

	if hasFirst {
		s.receiveFileInfo(contact, first, false)
	}
	return chat
}

// reportBlockedDelivery отправляет отчет delivered на первое сообщение
// заблокированного контакта, если отправитель его запросил
func (s *IMService) reportBlockedDelivery(contact string, first session.BodyPart) {
	msg, ok := first.CPIM()
	if !ok || msg.MessageID == "" || !msg.Requests(session.DispositionPositiveDelivery) {
		return
	}
	go s.sendDeliveryReport(contact, session.DeliveryReport{
		MessageID: msg.MessageID,
		Status:    session.DeliveryDelivered,
		DateTime:  time.Now(),
	})
}

func (s *IMService) sendDeliveryReport(contact string, report session.DeliveryReport) {
	remote, err := s.remoteURI(contact)
	if err != nil {
		s.logger.Warn("отчет о доставке не отправлен", slog.Any("error", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()
	if err := session.SendDeliveryReport(ctx, s.deps.Session, remote, report); err != nil {
		s.logger.Warn("отчет о доставке не отправлен",
			slog.String("contact", contact),
			slog.String("message_id", report.MessageID),
			slog.Any("error", err))
	}
}

// receiveFileInfo запускает прием файла по HTTP, если первое сообщение -
// документ с описанием файла
func (s *IMService) receiveFileInfo(contact string, first session.BodyPart, storeAndForward bool) {
	payload := first.Payload()
	if !isFileInfoDocument(payload.ContentType) {
		return
	}
	info, err := session.ParseHTTPFileInfo(payload.Content)
	if err != nil {
		s.logger.Warn("некорректный документ передачи файла", slog.Any("error", err))
		return
	}
	if _, err := s.ReceiveHTTPFileTransfer(contact, info, storeAndForward); err != nil {
		s.logger.Info("прием файла по HTTP отклонен", slog.Any("error", err))
	}
}

// ReceiveGroupChatInvitation обрабатывает приглашение в групповой чат.
// Возвращает запущенную сессию или nil.
func (s *IMService) ReceiveGroupChatInvitation(ctx context.Context, req *sip.Request, tx signaling.ServerTx) session.Session {
	contact := session.RemoteContact(req)
	if dec := admission.CheckBlocked(s.deps.Contacts.IsBlocked(contact), admission.KindGroupChat); !dec.Accepted() {
		s.storeSpam(admission.KindGroupChat, contact, req, nil)
		s.rejectInvite(ctx, req, tx, dec.Rejection)
		return nil
	}

	chatID := session.GroupChatID(req)
	if s.takeRejectNext(chatID) {
		s.rejectInvite(ctx, req, tx, &admission.Rejection{
			Kind:    admission.KindGroupChat,
			Reason:  admission.ReasonDeclined,
			Status:  admission.StatusDecline,
			Message: "чат покинут пользователем",
		})
		return nil
	}

	group, dec, err := admit(s.groupChats, func() *session.GroupChat {
		return session.NewIncomingGroupChat(s.deps.Session, req, tx, contact)
	},
		func() admission.Decision {
			return admission.CheckExists(existsLocked(s.groupChats, chatID), admission.KindGroupChat)
		},
		func() admission.Decision { return s.chatCapacity(admission.KindGroupChat) },
	)
	if !dec.Accepted() {
		s.rejectInvite(ctx, req, tx, dec.Rejection)
		return nil
	}
	if err != nil {
		s.refuseInvite(ctx, req, tx, group, admission.KindGroupChat, err)
		return nil
	}
	s.launchGroup(group)
	return group
}

// launchGroup регистрирует подписку на конференцию и запускает чат.
// Подписка удаляется из реестра вместе с чатом.
func (s *IMService) launchGroup(group *session.GroupChat) {
	sub := group.Subscriber()
	if err := s.conferences.Add(sub); err != nil {
		s.logger.Warn("подписка на конференцию не зарегистрирована", slog.String("chat_id", group.ChatID()), slog.Any("error", err))
	}
	s.launch(group, func() {
		s.groupChats.Remove(group)
		s.conferences.Remove(sub)
	})
}

// SetRejectNextGroupChatInvitation следующее приглашение в групповой чат
// chatID будет отклонено с 603. Флаг снимается после первого отказа.
func (s *IMService) SetRejectNextGroupChatInvitation(chatID string) {
	s.rejectMu.Lock()
	s.rejectNext[chatID] = struct{}{}
	s.rejectMu.Unlock()
}

func (s *IMService) takeRejectNext(chatID string) bool {
	s.rejectMu.Lock()
	defer s.rejectMu.Unlock()
	if _, ok := s.rejectNext[chatID]; !ok {
		return false
	}
	delete(s.rejectNext, chatID)
	return true
}

// HandleNotify передает NOTIFY подписке на конференцию с тем же Call-ID.
// false если такой подписки нет.
func (s *IMService) HandleNotify(ctx context.Context, req *sip.Request, tx signaling.ServerTx) bool {
	if req.CallID() == nil {
		return false
	}
	sub, ok := s.conferences.Lookup(req.CallID().Value())
	if !ok {
		return false
	}
	sub.HandleNotify(ctx, req, tx)
	return true
}

// ReceiveFileTransferInvitation обрабатывает приглашение на передачу файла.
// Возвращает запущенную сессию или nil.
func (s *IMService) ReceiveFileTransferInvitation(ctx context.Context, req *sip.Request, tx signaling.ServerTx) session.Session {
	contact := session.RemoteContact(req)
	info, _ := session.FileInfoFromSDP(session.ContentType(req), req.Body())
	free := s.freeSpace()
	limits := s.settings().Limits

	blocked := s.deps.Contacts.IsBlocked(contact)
	if blocked {
		s.storeSpam(admission.KindFileTransfer, contact, req, nil)
	}

	ft, dec, err := admit(s.fileTransfers, func() *session.FileTransfer {
		return session.NewIncomingFileTransfer(s.deps.Session, req, tx, contact)
	},
		func() admission.Decision { return admission.CheckBlocked(blocked, admission.KindFileTransfer) },
		func() admission.Decision { return s.fileTransferCapacity(admission.KindFileTransfer) },
		func() admission.Decision {
			return admission.CheckSize(info.Size, limits.MaxFileTransferSize, free, admission.KindFileTransfer)
		},
	)
	if !dec.Accepted() {
		s.rejectInvite(ctx, req, tx, dec.Rejection)
		return nil
	}
	if err != nil {
		s.refuseInvite(ctx, req, tx, ft, admission.KindFileTransfer, err)
		return nil
	}
	s.launch(ft, func() { s.fileTransfers.Remove(ft) })
	return ft
}

// ReceiveStoreAndForwardInvitation обрабатывает доставку отложенных
// сообщений или уведомлений от сервера store-and-forward. Возвращает
// запущенную сессию или nil.
func (s *IMService) ReceiveStoreAndForwardInvitation(ctx context.Context, req *sip.Request, tx signaling.ServerTx) session.Session {
	contact := session.RemoteContact(req)
	first, hasFirst := session.InviteMessage(req)

	if dec := admission.CheckBlocked(s.deps.Contacts.IsBlocked(contact), admission.KindStoreAndForward); !dec.Accepted() {
		var msg *persistence.Message
		if hasFirst {
			msg = inviteMessage(contact, first)
		}
		s.storeSpam(admission.KindStoreAndForward, contact, req, msg)
		s.rejectInvite(ctx, req, tx, dec.Rejection)
		return nil
	}

	if session.IsStoreAndForwardNotification(req) {
		return s.receiveStoreAndForwardNotification(ctx, req, tx, contact)
	}

	key := contacts.Normalize(contact)
	sf, dec, err := admit(s.sfMessages, func() *session.StoreAndForward {
		return session.NewStoreAndForwardMessage(s.deps.Session, req, tx, contact)
	}, func() admission.Decision {
		return admission.CheckExists(existsLocked(s.sfMessages, key), admission.KindStoreAndForward)
	})
	if !dec.Accepted() {
		s.rejectInvite(ctx, req, tx, dec.Rejection)
		return nil
	}
	if err != nil {
		s.refuseInvite(ctx, req, tx, sf, admission.KindStoreAndForward, err)
		return nil
	}
	s.launch(sf, func() { s.sfMessages.Remove(sf) })
	if hasFirst {
		s.receiveFileInfo(contact, first, true)
	}
	return sf
}

// receiveStoreAndForwardNotification доставка отложенных уведомлений
// занимает место чата с контактом. Проверка, замена и регистрация
// выполняются под мьютексом домена: параллельные доставки для одного
// контакта не могут заменить чат дважды.
//
// Чат, инициированный локально и еще не установленный, не заменяется:
// доставка получает 480. Остальные чаты удаляются из реестра и
// завершаются (неотвеченное входящее приглашение - отказом 480).
func (s *IMService) receiveStoreAndForwardNotification(ctx context.Context, req *sip.Request, tx signaling.ServerTx, contact string) session.Session {
	key := contacts.Normalize(contact)
	var replaced session.ChatSession

	sf, dec, err := admit(s.sfNotifications, func() *session.StoreAndForward {
		if old, ok := s.chats.LookupLocked(key); ok {
			s.chats.RemoveLocked(old)
			replaced = old
		}
		return session.NewStoreAndForwardNotification(s.deps.Session, req, tx, contact)
	},
		func() admission.Decision {
			return admission.CheckExists(existsLocked(s.sfNotifications, key), admission.KindStoreAndForward)
		},
		func() admission.Decision { return s.checkPendingChatLocked(key) },
	)
	if replaced != nil {
		s.retireChat(replaced)
	}
	if !dec.Accepted() {
		s.rejectInvite(ctx, req, tx, dec.Rejection)
		return nil
	}
	if err != nil {
		s.refuseInvite(ctx, req, tx, sf, admission.KindStoreAndForward, err)
		return nil
	}
	s.launch(sf, func() { s.sfNotifications.Remove(sf) })
	return sf
}

// checkPendingChatLocked отказывает, если с контактом есть исходящий
// чат, который еще не установлен
func (s *IMService) checkPendingChatLocked(key string) admission.Decision {
	old, ok := s.chats.LookupLocked(key)
	if !ok || !old.IsInitiatedLocally() || old.IsEstablished() {
		return admission.Accept()
	}
	return admission.Reject(admission.KindStoreAndForward, admission.ReasonPendingChat,
		admission.StatusTemporarilyUnavailable, "исходящий чат с контактом еще не установлен")
}

// retireChat завершает чат, замененный доставкой store-and-forward
func (s *IMService) retireChat(old session.ChatSession) {
	established := old.IsEstablished()
	s.logger.Info("замена чата с контактом",
		slog.String("contact", old.Contact()),
		slog.String("old_session", old.ID()),
		slog.Bool("established", established))
	if !old.IsInitiatedLocally() && !established {
		if err := old.RejectBySystem(); err == nil {
			return
		}
	}
	old.Abort(session.BySystem)
}

// ReceiveHTTPFileTransfer запускает загрузку файла, описанного документом
// FT HTTP, полученным от контакта
func (s *IMService) ReceiveHTTPFileTransfer(contact string, info session.HTTPFileInfo, storeAndForward bool) (*session.HTTPFileTransfer, error) {
	kind := admission.KindHTTPFileTransfer
	if storeAndForward {
		kind = admission.KindStoreAndForwardFileTransfer
	}
	blocked := s.deps.Contacts.IsBlocked(contact)
	if blocked {
		s.storeSpam(kind, contact, nil, nil)
	}
	free := s.freeSpace()
	limits := s.settings().Limits

	t, dec, err := admit(s.httpDownloads, func() *session.HTTPFileTransfer {
		return session.NewIncomingHTTPFileTransfer(s.deps.Session, contact, info)
	},
		func() admission.Decision { return admission.CheckBlocked(blocked, kind) },
		func() admission.Decision { return s.fileTransferCapacity(kind) },
		func() admission.Decision { return admission.CheckSize(info.Size, limits.MaxFileTransferSize, free, kind) },
	)
	if !dec.Accepted() {
		return nil, s.rejected(dec.Rejection)
	}
	if err != nil {
		t.Discard()
		return nil, oops.In("service").With("contact", contact).Wrapf(err, "загрузка не зарегистрирована")
	}
	s.launch(t, func() { s.httpDownloads.Remove(t) })
	return t, nil
}

// InitiateOneToOneChat начинает чат с контактом. Первое сообщение, если
// задано, передается в INVITE.
func (s *IMService) InitiateOneToOneChat(contact string, first *session.BodyPart) (*session.OneToOneChat, error) {
	remote, err := s.remoteURI(contact)
	if err != nil {
		return nil, err
	}
	var chat *session.OneToOneChat
	_, dec, err := admit(s.chats, func() session.ChatSession {
		chat = session.NewOutgoingChat(s.deps.Session, remote, contact, first)
		return chat
	}, func() admission.Decision {
		return s.chatCapacity(admission.KindChat)
	})
	if !dec.Accepted() {
		return nil, s.rejected(dec.Rejection)
	}
	if err != nil {
		// сессия создана, но не запущена: освобождаем без сигнализации
		chat.Discard()
		if errors.Is(err, registry.ErrDuplicate) {
			return nil, oops.In("service").Code("CHAT_EXISTS").With("contact", contact).Wrap(ErrChatExists)
		}
		return nil, err
	}
	s.launch(chat, func() { s.chats.Remove(chat) })
	return chat, nil
}

// InitiateGroupChat создает групповой чат на сервере конференций
func (s *IMService) InitiateGroupChat(subject string, invitees []string) (*session.GroupChat, error) {
	raw := s.settings().SIP.ConferenceURI
	if raw == "" {
		return nil, oops.In("service").Code("NO_CONFERENCE_URI").Wrap(ErrNoConferenceURI)
	}
	conference, err := s.remoteURI(raw)
	if err != nil {
		return nil, err
	}
	group, dec, err := admit(s.groupChats, func() *session.GroupChat {
		return session.NewOutgoingGroupChat(s.deps.Session, conference, subject, invitees)
	}, func() admission.Decision {
		return s.chatCapacity(admission.KindGroupChat)
	})
	if !dec.Accepted() {
		return nil, s.rejected(dec.Rejection)
	}
	if err != nil {
		group.Discard()
		return nil, err
	}
	s.launchGroup(group)
	return group, nil
}

func (s *IMService) outgoingTransfers() int {
	count := 0
	for _, ft := range s.fileTransfers.Snapshot() {
		if ft.IsInitiatedLocally() {
			count++
		}
	}
	return count + s.httpUploads.Count()
}

// InitiateFileTransfer отправляет файл контакту по MSRP
func (s *IMService) InitiateFileTransfer(contact string, file session.FileInfo, content []byte) (*session.FileTransfer, error) {
	remote, err := s.remoteURI(contact)
	if err != nil {
		return nil, err
	}
	limits := s.settings().Limits
	outgoing := s.outgoingTransfers()

	ft, dec, err := admit(s.fileTransfers, func() *session.FileTransfer {
		return session.NewOutgoingFileTransfer(s.deps.Session, remote, contact, file, content)
	},
		func() admission.Decision { return s.fileTransferCapacity(admission.KindFileTransfer) },
		func() admission.Decision {
			return admission.CheckCapacity(outgoing, limits.MaxOutgoingFileTransfers, admission.KindFileTransfer)
		},
		func() admission.Decision {
			return admission.CheckSize(file.Size, limits.MaxFileTransferSize, -1, admission.KindFileTransfer)
		},
	)
	if !dec.Accepted() {
		return nil, s.rejected(dec.Rejection)
	}
	if err != nil {
		ft.Discard()
		return nil, err
	}
	s.launch(ft, func() { s.fileTransfers.Remove(ft) })
	return ft, nil
}

// InitiateHTTPFileTransfer выгружает файл на сервер содержимого и
// передает документ с описанием файла в чат с контактом: в установленный
// чат или новым чатом с документом в качестве первого сообщения.
func (s *IMService) InitiateHTTPFileTransfer(contact, name, contentType string, content []byte) (*session.HTTPFileTransfer, error) {
	limits := s.settings().Limits
	outgoing := s.outgoingTransfers()

	t, dec, err := admit(s.httpUploads, func() *session.HTTPFileTransfer {
		t := session.NewOutgoingHTTPFileTransfer(s.deps.Session, contact, name, contentType, content)
		id := t.ID()
		t.OnUploaded = func(doc []byte) { s.deliverFileInfo(contact, id, doc) }
		return t
	},
		func() admission.Decision { return s.fileTransferCapacity(admission.KindHTTPFileTransfer) },
		func() admission.Decision {
			return admission.CheckCapacity(outgoing, limits.MaxOutgoingFileTransfers, admission.KindHTTPFileTransfer)
		},
		func() admission.Decision {
			return admission.CheckSize(int64(len(content)), limits.MaxFileTransferSize, -1, admission.KindHTTPFileTransfer)
		},
	)
	if !dec.Accepted() {
		return nil, s.rejected(dec.Rejection)
	}
	if err != nil {
		t.Discard()
		return nil, err
	}
	s.launch(t, func() { s.httpUploads.Remove(t) })
	return t, nil
}

func (s *IMService) deliverFileInfo(contact, transferID string, doc []byte) {
	if chat, ok := s.chats.Lookup(contacts.Normalize(contact)); ok && chat.IsEstablished() {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		defer cancel()
		msgID, err := chat.SendMessage(ctx, session.ContentTypeFileTransferHTTP, doc)
		if err == nil {
			s.reportMu.Lock()
			s.fileMessages[msgID] = transferID
			s.reportMu.Unlock()
			return
		}
		s.logger.Warn("документ не отправлен в чат", slog.String("contact", contact), slog.Any("error", err))
	}
	first := &session.BodyPart{ContentType: session.ContentTypeFileTransferHTTP, Content: doc}
	if _, err := s.InitiateOneToOneChat(contact, first); err != nil {
		s.logger.Warn("документ не доставлен", slog.String("contact", contact), slog.Any("error", err))
	}
}

// OnDeliveryReport задает получателя отчетов о доставке
func (s *IMService) OnDeliveryReport(h DeliveryReportHandler) {
	s.reportMu.Lock()
	s.onReport = h
	s.reportMu.Unlock()
}

// ReceiveDeliveryReport обрабатывает MESSAGE с отчетом о доставке (IMDN).
// Отчет сохраняется в истории и передается получателю. Отчет о файле
// узнается по идентификатору передачи или сообщения с документом файла.
func (s *IMService) ReceiveDeliveryReport(ctx context.Context, req *sip.Request, tx signaling.ServerTx) {
	report, err := session.ParseDeliveryReport(session.ContentType(req), req.Body())
	if err != nil {
		s.logger.Info("некорректный отчет о доставке", slog.Any("error", err))
		s.respondMessage(ctx, req, tx, sip.StatusBadRequest, "Bad Request")
		return
	}
	s.respondMessage(ctx, req, tx, sip.StatusOK, "OK")

	contact := session.RemoteContact(req)
	file := s.isFileReport(report.MessageID)
	ts := report.DateTime
	if ts.IsZero() {
		ts = time.Now()
	}
	s.deps.Session.Store.DeliveryStatusChanged(persistence.DeliveryStatus{
		MessageID: report.MessageID,
		Contact:   contact,
		Status:    string(report.Status),
		File:      file,
		Timestamp: ts,
	})
	s.logger.Debug("отчет о доставке",
		slog.String("message_id", report.MessageID),
		slog.String("status", string(report.Status)),
		slog.Bool("file", file))

	s.reportMu.RLock()
	h := s.onReport
	s.reportMu.RUnlock()
	if h != nil {
		h(contact, report, file)
	}
}

func (s *IMService) isFileReport(id string) bool {
	s.reportMu.RLock()
	_, ok := s.fileMessages[id]
	s.reportMu.RUnlock()
	if ok {
		return true
	}
	if _, ok := s.fileTransfers.Lookup(id); ok {
		return true
	}
	_, ok = s.httpUploads.Lookup(id)
	return ok
}

func (s *IMService) respondMessage(ctx context.Context, req *sip.Request, tx signaling.ServerTx, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := s.deps.Session.Transport.SendResponse(ctx, tx, res); err != nil {
		s.logger.Warn("ответ на MESSAGE не отправлен", slog.Int("status", code), slog.Any("error", err))
	}
}

// Chat чат один на один с контактом
func (s *IMService) Chat(contact string) (session.ChatSession, bool) {
	return s.chats.Lookup(contacts.Normalize(contact))
}

// GroupChat групповой чат по идентификатору
func (s *IMService) GroupChat(chatID string) (*session.GroupChat, bool) {
	return s.groupChats.Lookup(chatID)
}

// FileTransfer передача файла по MSRP по идентификатору сессии
func (s *IMService) FileTransfer(id string) (*session.FileTransfer, bool) {
	return s.fileTransfers.Lookup(id)
}

// HTTPFileTransfer передача файла по HTTP по идентификатору сессии
func (s *IMService) HTTPFileTransfer(id string) (*session.HTTPFileTransfer, bool) {
	if t, ok := s.httpDownloads.Lookup(id); ok {
		return t, true
	}
	return s.httpUploads.Lookup(id)
}

// FindByCallID ищет сессию сервиса по Call-ID
func (s *IMService) FindByCallID(callID string) (session.Session, bool) {
	if c, ok := s.chats.LookupByCallID(callID); ok {
		return c, true
	}
	if g, ok := s.groupChats.LookupByCallID(callID); ok {
		return g, true
	}
	if ft, ok := s.fileTransfers.LookupByCallID(callID); ok {
		return ft, true
	}
	if sf, ok := s.sfMessages.LookupByCallID(callID); ok {
		return sf, true
	}
	if sf, ok := s.sfNotifications.LookupByCallID(callID); ok {
		return sf, true
	}
	return nil, false
}

// AbortAllSessions завершает все сессии сервиса
func (s *IMService) AbortAllSessions(reason session.TerminationReason) {
	abortAll(s.chats, reason)
	abortAll(s.groupChats, reason)
	abortAll(s.sfMessages, reason)
	abortAll(s.sfNotifications, reason)
	abortAll(s.fileTransfers, reason)
	abortAll(s.httpDownloads, reason)
	abortAll(s.httpUploads, reason)
}

func isFileInfoDocument(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && strings.EqualFold(mediaType, session.ContentTypeFileTransferHTTP)
}
