// Package admission содержит чистые функции контроля допуска, которые
// вызываются до создания сессии: блокировка контакта, емкость, размер
// передаваемого файла и свежесть возможностей удаленной стороны.
//
// Отказ - обычный результат (Decision), а не паника или исключение.
// Проверки применяются в фиксированном порядке: блокировка, емкость, размер.
package admission

import (
	"fmt"
	"strings"
	"time"
)

// Kind тип сессии, для которой выполняется проверка.
// От него зависят код причины и статус отрицательного ответа.
type Kind int

const (
	KindChat Kind = iota
	KindGroupChat
	KindFileTransfer
	KindHTTPFileTransfer
	KindStoreAndForward
	KindStoreAndForwardFileTransfer
	KindIPCall
	KindGeneric
	KindSharing
)

// String возвращает строковое представление типа
func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindGroupChat:
		return "group_chat"
	case KindFileTransfer:
		return "file_transfer"
	case KindHTTPFileTransfer:
		return "http_file_transfer"
	case KindStoreAndForward:
		return "store_and_forward"
	case KindStoreAndForwardFileTransfer:
		return "store_and_forward_file_transfer"
	case KindIPCall:
		return "ip_call"
	case KindGeneric:
		return "generic"
	case KindSharing:
		return "sharing"
	default:
		return "unknown"
	}
}

// Reason код причины отказа
type Reason string

const (
	ReasonSpam             Reason = "REJECTED_SPAM"
	ReasonBusy             Reason = "REJECTED_BUSY"
	ReasonMaxSessions      Reason = "REJECTED_MAX_SESSIONS"
	ReasonMaxChats         Reason = "REJECTED_MAX_CHATS"
	ReasonMaxFileTransfers Reason = "REJECTED_MAX_FILE_TRANSFERS"
	ReasonMaxSize          Reason = "REJECTED_MAX_SIZE"
	ReasonLowSpace         Reason = "REJECTED_LOW_SPACE"
	ReasonDeclined         Reason = "REJECTED_DECLINED"
	ReasonRateLimited      Reason = "REJECTED_RATE_LIMITED"
	ReasonSessionExists    Reason = "REJECTED_SESSION_EXISTS"
	ReasonPendingChat      Reason = "REJECTED_PENDING_CHAT"
	ReasonSystem           Reason = "REJECTED_SYSTEM"
	ReasonUnsupportedMedia Reason = "REJECTED_UNSUPPORTED_MEDIA"
)

// SIP статусы отрицательных финальных ответов
const (
	StatusForbidden              = 403
	StatusUnsupportedMediaType   = 415
	StatusTemporarilyUnavailable = 480
	StatusBusyHere               = 486
	StatusServiceUnavailable     = 503
	StatusDecline                = 603
)

// Rejection отказ с причиной и статусом отрицательного финального ответа
type Rejection struct {
	Kind    Kind
	Reason  Reason
	Status  int
	Message string
}

// Error реализует интерфейс error
func (r *Rejection) Error() string {
	return fmt.Sprintf("admission rejected %s: %s (%d) %s", r.Kind, r.Reason, r.Status, r.Message)
}

// StatusReason текст для строки статуса ответа
func (r *Rejection) StatusReason() string {
	switch r.Status {
	case StatusForbidden:
		return "Forbidden"
	case StatusUnsupportedMediaType:
		return "Unsupported Media Type"
	case StatusTemporarilyUnavailable:
		return "Temporarily Unavailable"
	case StatusBusyHere:
		return "Busy Here"
	case StatusServiceUnavailable:
		return "Service Unavailable"
	case StatusDecline:
		return "Decline"
	default:
		return "Rejected"
	}
}

// Decision результат проверки. Нулевое значение - допуск.
type Decision struct {
	Rejection *Rejection
}

// Accept решение о допуске
func Accept() Decision {
	return Decision{}
}

// Reject решение об отказе
func Reject(kind Kind, reason Reason, status int, message string) Decision {
	return Decision{Rejection: &Rejection{Kind: kind, Reason: reason, Status: status, Message: message}}
}

// Accepted true если сессию можно создавать
func (d Decision) Accepted() bool {
	return d.Rejection == nil
}

// Err возвращает отказ как error или nil
func (d Decision) Err() error {
	if d.Rejection == nil {
		return nil
	}
	return d.Rejection
}

// Check отложенная проверка для Evaluate
type Check func() Decision

// Evaluate применяет проверки по порядку и возвращает первый отказ
func Evaluate(checks ...Check) Decision {
	for _, check := range checks {
		if d := check(); !d.Accepted() {
			return d
		}
	}
	return Accept()
}

// CheckBlocked отказывает, если удаленная сторона в черном списке.
// Чат и store-and-forward - 486 со спам-причиной, передача файла - 603 со
// спам-причиной, звонок и прочее - 486 busy.
func CheckBlocked(blocked bool, kind Kind) Decision {
	if !blocked {
		return Accept()
	}
	switch kind {
	case KindChat, KindGroupChat, KindStoreAndForward:
		return Reject(kind, ReasonSpam, StatusBusyHere, "контакт заблокирован")
	case KindFileTransfer, KindHTTPFileTransfer, KindStoreAndForwardFileTransfer:
		return Reject(kind, ReasonSpam, StatusDecline, "контакт заблокирован")
	default:
		return Reject(kind, ReasonBusy, StatusBusyHere, "контакт заблокирован")
	}
}

// CheckExists отказывает (480), если сессия с тем же ключом уже есть
// в реестре. Существующая сессия не затрагивается.
func CheckExists(exists bool, kind Kind) Decision {
	if !exists {
		return Accept()
	}
	return Reject(kind, ReasonSessionExists, StatusTemporarilyUnavailable, "сессия с тем же ключом уже существует")
}

// CheckMediaType отказывает (415), если тип содержимого не входит в
// список поддерживаемых. Пустой список разрешает любой тип.
func CheckMediaType(contentType string, supported []string, kind Kind) Decision {
	if len(supported) == 0 {
		return Accept()
	}
	for _, t := range supported {
		if strings.EqualFold(strings.TrimSpace(t), strings.TrimSpace(contentType)) {
			return Accept()
		}
	}
	return Reject(kind, ReasonUnsupportedMedia, StatusUnsupportedMediaType, fmt.Sprintf("тип %q не поддерживается", contentType))
}

// CheckCapacity отказывает, если количество сессий достигло потолка.
// Потолок 0 означает отсутствие ограничения.
func CheckCapacity(count, ceiling int, kind Kind) Decision {
	if ceiling == 0 || count < ceiling {
		return Accept()
	}
	msg := fmt.Sprintf("достигнут лимит сессий: %d/%d", count, ceiling)
	switch kind {
	case KindChat, KindGroupChat, KindStoreAndForward:
		return Reject(kind, ReasonMaxChats, StatusBusyHere, msg)
	case KindFileTransfer, KindHTTPFileTransfer, KindStoreAndForwardFileTransfer:
		return Reject(kind, ReasonMaxFileTransfers, StatusDecline, msg)
	default:
		return Reject(kind, ReasonMaxSessions, StatusBusyHere, msg)
	}
}

// CheckSize проверяет объявленный размер файла.
// maxSize 0 - без ограничения, freeSpace < 0 - свободное место неизвестно.
func CheckSize(size, maxSize, freeSpace int64, kind Kind) Decision {
	status := StatusDecline
	if kind == KindStoreAndForwardFileTransfer {
		status = StatusForbidden
	}
	if maxSize > 0 && size > maxSize {
		return Reject(kind, ReasonMaxSize, status, fmt.Sprintf("размер %d превышает лимит %d", size, maxSize))
	}
	if freeSpace >= 0 && size > freeSpace {
		return Reject(kind, ReasonLowSpace, status, fmt.Sprintf("недостаточно места: нужно %d, свободно %d", size, freeSpace))
	}
	return Accept()
}

// IsCapabilityValid true если возможности получены в пределах окна валидности.
// Нулевое время обновления никогда не считается валидным.
func IsCapabilityValid(lastRefresh time.Time, validity time.Duration, now time.Time) bool {
	if lastRefresh.IsZero() {
		return false
	}
	return !now.After(lastRefresh.Add(validity))
}
