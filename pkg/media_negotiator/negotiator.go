// Package media_negotiator согласует медиа часть сессии: роли установления
// соединения, локальные порты, описания SDP и порядок установления MSRP или
// RTP канала относительно сигнального обмена.
package media_negotiator

import (
	"context"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/samber/oops"

	"github.com/arzzra/rcs_core/internal/config"
	"github.com/arzzra/rcs_core/pkg/msrp"
)

// Kind тип медиа канала
type Kind int

const (
	KindMSRP Kind = iota
	KindRTP
)

// String возвращает строковое представление типа
func (k Kind) String() string {
	if k == KindRTP {
		return "rtp"
	}
	return "msrp"
}

// OfferAnswer состояние согласования одного медиа потока
type OfferAnswer struct {
	Kind        Kind
	RemoteSetup SetupRole
	LocalSetup  SetupRole
	LocalPort   int
	LocalPath   string
	RemotePath  string
	RemoteHost  string
	RemotePort  int
	Secured     bool
	AcceptTypes []string
}

// Stream согласованный медиа поток сессии.
//
// Пассивная сторона открывает слушатель до отправки 200 OK, Establish ждет
// входящее соединение. Активная сторона соединяется в Establish после ACK.
type Stream interface {
	// LocalSDP локальное описание (предложение или ответ)
	LocalSDP() []byte
	// State текущее состояние согласования
	State() OfferAnswer
	// ApplyAnswer применяет ответ удаленной стороны на локальное предложение
	ApplyAnswer(remoteSDP []byte) error
	// Establish устанавливает соединение, ограничено ctx
	Establish(ctx context.Context) error
	// KeepAlive отправляет пакет проверки пути
	KeepAlive(ctx context.Context) error
	// LastActivity время последнего входящего или исходящего пакета
	LastActivity() time.Time
	// Done закрывается при разрыве или закрытии потока
	Done() <-chan struct{}
	// Err причина разрыва, nil при локальном закрытии
	Err() error
	// Close освобождает соединение и порт. Повторный вызов ничего не делает.
	Close() error
}

// StreamOptions параметры конкретной сессии
type StreamOptions struct {
	// Probe активная сторона отправляет пустой чанк сразу после соединения
	Probe bool
	// AcceptTypes переопределяет типы содержимого из настроек
	AcceptTypes []string
	// FileSelector атрибут a=file-selector для передачи файла
	FileSelector string
	// MaxSize объявляемый a=max-size
	MaxSize int64
	// Media audio или video для RTP
	Media string
	// OnMessage получает входящие сообщения MSRP
	OnMessage msrp.MessageHandler
}

// Negotiator создает медиа потоки по настройкам стека
type Negotiator struct {
	cfg    config.MediaConfig
	pool   *PortPool
	psk    []byte
	logger *slog.Logger
}

// NewNegotiator создает согласователь. Пул портов общий для всех сессий стека.
func NewNegotiator(cfg config.MediaConfig, pool *PortPool) (*Negotiator, error) {
	n := &Negotiator{
		cfg:    cfg,
		pool:   pool,
		logger: slog.Default().With(slog.String("component", "media_negotiator")),
	}
	if cfg.DTLSEnabled {
		psk, err := hex.DecodeString(cfg.DTLSPSK)
		if err != nil || len(psk) == 0 {
			return nil, oops.In("media").Code("invalid_psk").Errorf("некорректный DTLS PSK")
		}
		n.psk = psk
	}
	return n, nil
}

// Pool пул портов согласователя
func (n *Negotiator) Pool() *PortPool {
	return n.pool
}

// Negotiate разбирает предложение удаленной стороны и создает поток с
// локальным ответом. Для пассивной роли слушатель уже открыт, ошибка его
// открытия возвращается здесь, до отправки 200 OK.
func (n *Negotiator) Negotiate(ctx context.Context, kind Kind, remoteSDP []byte, opts StreamOptions) (*OfferAnswer, Stream, error) {
	var (
		stream Stream
		err    error
	)
	switch kind {
	case KindRTP:
		stream, err = n.answerRTP(remoteSDP, opts)
	default:
		stream, err = n.answerMSRP(ctx, remoteSDP, opts)
	}
	if err != nil {
		return nil, nil, err
	}
	state := stream.State()
	return &state, stream, nil
}

// Offer создает поток с локальным предложением для исходящей сессии.
// Роль в предложении actpass, поэтому слушатель открывается заранее.
func (n *Negotiator) Offer(ctx context.Context, kind Kind, opts StreamOptions) (Stream, error) {
	switch kind {
	case KindRTP:
		return n.offerRTP(opts)
	default:
		return n.offerMSRP(ctx, opts)
	}
}

func (n *Negotiator) acceptTypes(opts StreamOptions) []string {
	if len(opts.AcceptTypes) > 0 {
		return opts.AcceptTypes
	}
	return n.cfg.AcceptTypes
}

func (n *Negotiator) answerMSRP(ctx context.Context, remoteSDP []byte, opts StreamOptions) (Stream, error) {
	remote, err := ParseMSRPMedia(remoteSDP)
	if err != nil {
		return nil, oops.In("media").Code("negotiation_failed").Wrapf(err, "разбор предложения MSRP")
	}
	if remote.Secured != n.cfg.MSRPSecured {
		return nil, oops.In("media").Code("negotiation_failed").
			With("remote_secured", remote.Secured).
			Wrapf(ErrSecuredMismatch, "несовпадение защищенности MSRP")
	}

	s := newMSRPStream(n, opts)
	s.state.RemoteSetup = remote.Setup
	s.state.LocalSetup = ResolveSetupRole(remote.Setup)
	s.applyRemote(remote)

	if err := s.prepareLocal(ctx, s.state.LocalSetup); err != nil {
		return nil, err
	}
	if err := s.buildLocalSDP(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (n *Negotiator) offerMSRP(ctx context.Context, opts StreamOptions) (Stream, error) {
	s := newMSRPStream(n, opts)
	s.state.LocalSetup = OfferSetupRole()
	s.offering = true

	if err := s.prepareLocal(ctx, SetupPassive); err != nil {
		return nil, err
	}
	if err := s.buildLocalSDP(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (n *Negotiator) answerRTP(remoteSDP []byte, opts StreamOptions) (Stream, error) {
	remote, err := ParseRTPMedia(remoteSDP)
	if err != nil {
		return nil, oops.In("media").Code("negotiation_failed").Wrapf(err, "разбор предложения RTP")
	}
	if remote.Secured != n.cfg.DTLSEnabled {
		return nil, oops.In("media").Code("negotiation_failed").
			With("remote_secured", remote.Secured).
			Wrapf(ErrSecuredMismatch, "несовпадение защищенности RTP")
	}

	s, err := newRTPStream(n, opts)
	if err != nil {
		return nil, err
	}
	s.state.RemoteSetup = remote.Setup
	s.state.LocalSetup = ResolveSetupRole(remote.Setup)
	if err := s.applyRemote(remote); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.buildLocalSDP(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (n *Negotiator) offerRTP(opts StreamOptions) (Stream, error) {
	s, err := newRTPStream(n, opts)
	if err != nil {
		return nil, err
	}
	s.state.LocalSetup = OfferSetupRole()
	s.offering = true
	if err := s.buildLocalSDP(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}
