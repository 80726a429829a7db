// Package session реализует жизненный цикл сессий RCS.
//
// Все типы сессий (чат, групповой чат, передача файла, IP звонок,
// расширения и store-and-forward) используют общий исполнитель Base:
// входящий путь (180, ожидание решения, 200 с SDP, ACK, медиа) и исходящий
// путь (предложение, INVITE, ответ, ACK, медиа). Каждая сессия выполняется в
// отдельной горутине, события доставляются через канал Events, который
// закрывается сразу после единственного завершающего события.
package session

import (
	"context"
	"errors"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_core/internal/config"
	"github.com/arzzra/rcs_core/pkg/dialog_path"
	"github.com/arzzra/rcs_core/pkg/media_negotiator"
	"github.com/arzzra/rcs_core/pkg/metrics"
	"github.com/arzzra/rcs_core/pkg/persistence"
	"github.com/arzzra/rcs_core/pkg/signaling"
)

// ErrAlreadyDecided решение по приглашению уже принято
var ErrAlreadyDecided = errors.New("invitation already decided")

// ErrNotIncoming операция допустима только для входящей сессии
var ErrNotIncoming = errors.New("operation requires incoming session")

// Kind тип сессии
type Kind string

const (
	KindChat                        Kind = "chat"
	KindGroupChat                   Kind = "group_chat"
	KindFileTransfer                Kind = "file_transfer"
	KindHTTPFileTransfer            Kind = "http_file_transfer"
	KindIPCall                      Kind = "ip_call"
	KindGenericMSRP                 Kind = "generic_msrp"
	KindGenericRTP                  Kind = "generic_rtp"
	KindStoreAndForwardMessage      Kind = "store_and_forward_message"
	KindStoreAndForwardNotification Kind = "store_and_forward_notification"
	KindImageSharing                Kind = "image_sharing"
	KindGeolocSharing               Kind = "geoloc_sharing"
)

// Direction направление сессии
type Direction = persistence.Direction

const (
	Incoming = persistence.DirectionIncoming
	Outgoing = persistence.DirectionOutgoing
)

// Session общий интерфейс всех типов сессий
type Session interface {
	ID() string
	CallID() string
	Kind() Kind
	Direction() Direction
	Contact() string

	// Events канал событий, закрывается после завершающего события
	Events() <-chan Event
	// Done закрывается после завершения сессии
	Done() <-chan struct{}
	// Answered закрывается после финального ответа на входящий INVITE
	Answered() <-chan struct{}

	// Start запускает исполнителя сессии
	Start()
	// Discard освобождает незапущенную сессию без событий
	Discard()
	// Accept принимает входящее приглашение
	Accept() error
	// Reject отклоняет входящее приглашение
	Reject() error
	// RejectBySystem отклоняет приглашение по решению стека
	RejectBySystem() error
	// Abort завершает сессию, повторный вызов ничего не делает
	Abort(reason TerminationReason)

	IsEstablished() bool
	IsInitiatedLocally() bool
	Outcome() InvitationOutcome
	Dialog() *dialog_path.DialogPath

	HandleAck(req *sip.Request)
	HandleBye(ctx context.Context, req *sip.Request, tx signaling.ServerTx)
	HandleCancel(ctx context.Context, req *sip.Request, tx signaling.ServerTx)

	// SetRemover задает функцию удаления сессии из реестра сервиса
	SetRemover(remove func())
}

// ChatSession сессия обмена сообщениями с одним контактом
type ChatSession interface {
	Session
	ChatID() string
	SendMessage(ctx context.Context, contentType string, body []byte) (string, error)
}

// Deps зависимости сессии, передаются сервисом при создании
type Deps struct {
	Transport  signaling.Transport
	Negotiator *media_negotiator.Negotiator
	Settings   *config.Settings
	Store      persistence.Store
	Metrics    *metrics.Collector

	// LocalURI собственный адрес, From исходящих запросов
	LocalURI sip.Uri
	// Contact адрес Contact для INVITE и 200 OK
	Contact sip.Uri
}

func (d Deps) store() persistence.Store {
	if d.Store == nil {
		return persistence.Nop{}
	}
	return d.Store
}

func (d Deps) settings() *config.Settings {
	if d.Settings == nil {
		return config.DefaultConfig()
	}
	return d.Settings
}
