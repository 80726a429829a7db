package media_negotiator

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/arzzra/rcs_core/pkg/msrp"
)

// ErrStreamClosed поток уже закрыт
var ErrStreamClosed = errors.New("media stream closed")

// ErrNotEstablished соединение еще не установлено
var ErrNotEstablished = errors.New("media stream not established")

// MSRPStream поток MSRP одной сессии
type MSRPStream struct {
	n    *Negotiator
	opts StreamOptions

	mu         sync.Mutex
	state      OfferAnswer
	offering   bool
	localSDP   []byte
	localPath  msrp.Path
	remoteAddr string
	listener   *msrp.Listener
	conn       *msrp.Conn
	port       uint16
	portHeld   bool
	err        error

	closeOnce sync.Once
	done      chan struct{}

	logger *slog.Logger
}

var _ Stream = (*MSRPStream)(nil)

func newMSRPStream(n *Negotiator, opts StreamOptions) *MSRPStream {
	return &MSRPStream{
		n:    n,
		opts: opts,
		state: OfferAnswer{
			Kind:        KindMSRP,
			Secured:     n.cfg.MSRPSecured,
			AcceptTypes: n.acceptTypes(opts),
		},
		done:   make(chan struct{}),
		logger: n.logger.With(slog.String("stream", "msrp")),
	}
}

// prepareLocal выделяет порт и открывает слушатель для пассивной роли,
// для активной объявляется порт 9.
func (s *MSRPStream) prepareLocal(ctx context.Context, role SetupRole) error {
	host := s.n.cfg.LocalHost

	if role.IsActive() {
		s.localPath = msrp.NewPath(host, DiscardPort, s.state.Secured)
		s.state.LocalPort = DiscardPort
		s.state.LocalPath = s.localPath.String()
		return nil
	}

	port, err := s.n.pool.Allocate()
	if err != nil {
		return oops.In("media").Code("no_ports").Wrapf(err, "выделение порта MSRP")
	}
	ln, err := msrp.Listen(ctx, host, int(port))
	if err != nil {
		_ = s.n.pool.Release(port)
		return oops.In("media").Code("listen_failed").Wrapf(err, "открытие слушателя MSRP")
	}

	s.port = port
	s.portHeld = true
	s.listener = ln
	s.localPath = msrp.NewPath(host, int(port), s.state.Secured)
	s.state.LocalPort = int(port)
	s.state.LocalPath = s.localPath.String()
	return nil
}

func (s *MSRPStream) applyRemote(remote *RemoteMSRP) {
	s.state.RemotePath = remote.Path
	s.state.RemoteHost = remote.ParsedPath.Host
	s.state.RemotePort = remote.ParsedPath.Port
	s.remoteAddr = remote.ParsedPath.Address()
}

func (s *MSRPStream) buildLocalSDP() error {
	raw, err := BuildMSRPSDP(MSRPParams{
		Host:         s.n.cfg.LocalHost,
		Port:         s.state.LocalPort,
		Path:         s.state.LocalPath,
		Setup:        s.state.LocalSetup,
		AcceptTypes:  s.state.AcceptTypes,
		WrappedTypes: s.n.cfg.WrappedTypes,
		MaxSize:      s.opts.MaxSize,
		Secured:      s.state.Secured,
		FileSelector: s.opts.FileSelector,
	})
	if err != nil {
		return oops.In("media").Wrapf(err, "формирование SDP")
	}
	s.localSDP = raw
	return nil
}

// LocalSDP локальное описание
func (s *MSRPStream) LocalSDP() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localSDP
}

// State состояние согласования
func (s *MSRPStream) State() OfferAnswer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ApplyAnswer применяет ответ на локальное предложение actpass.
// Если удаленная сторона выбрала passive, локальный слушатель закрывается
// и порт возвращается в пул.
func (s *MSRPStream) ApplyAnswer(remoteSDP []byte) error {
	remote, err := ParseMSRPMedia(remoteSDP)
	if err != nil {
		return oops.In("media").Code("negotiation_failed").Wrapf(err, "разбор ответа MSRP")
	}
	if remote.Secured != s.state.Secured {
		return oops.In("media").Code("negotiation_failed").Wrapf(ErrSecuredMismatch, "несовпадение защищенности MSRP")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.applyRemote(remote)
	s.state.RemoteSetup = remote.Setup
	s.state.LocalSetup = ResolveSetupRole(remote.Setup)
	s.offering = false

	if s.state.LocalSetup.IsActive() {
		if s.listener != nil {
			_ = s.listener.Close()
			s.listener = nil
		}
		s.releasePortLocked()
	}
	return nil
}

// Establish устанавливает соединение MSRP
func (s *MSRPStream) Establish(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}

	s.mu.Lock()
	role := s.state.LocalSetup
	listener := s.listener
	remoteAddr := s.remoteAddr
	remotePath := s.state.RemotePath
	localPath := s.state.LocalPath
	s.mu.Unlock()

	opts := []msrp.ConnOption{
		msrp.WithMessageHandler(s.opts.OnMessage),
		msrp.WithConnLogger(s.logger),
	}
	if s.n.cfg.MaxChunkSize > 0 {
		opts = append(opts, msrp.WithMaxChunkSize(s.n.cfg.MaxChunkSize))
	}

	var raw net.Conn
	if role.IsActive() {
		c, err := msrp.Dial(ctx, remoteAddr)
		if err != nil {
			return oops.In("media").Code("connect_failed").With("remote", remoteAddr).Wrapf(err, "соединение MSRP")
		}
		raw = c
	} else {
		if listener == nil {
			return oops.In("media").Wrapf(ErrNotEstablished, "нет слушателя пассивной стороны")
		}
		c, err := listener.Accept(ctx)
		_ = listener.Close()
		if err != nil {
			return oops.In("media").Code("connect_failed").Wrapf(err, "ожидание соединения MSRP")
		}
		raw = c
	}
	conn := msrp.NewConn(raw, localPath, remotePath, opts...)

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		_ = raw.Close()
		return ErrStreamClosed
	default:
	}
	s.listener = nil
	s.conn = conn
	s.mu.Unlock()

	conn.Start()
	go s.watch(conn)

	if role.IsActive() && s.opts.Probe {
		if err := conn.SendEmptyChunk(ctx); err != nil {
			return oops.In("media").Code("probe_failed").Wrapf(err, "пустой чанк")
		}
	}

	s.logger.Debug("MSRP соединение установлено",
		slog.String("setup", string(role)),
		slog.String("remote_path", remotePath))
	return nil
}

func (s *MSRPStream) watch(conn *msrp.Conn) {
	select {
	case <-conn.Done():
		s.mu.Lock()
		if s.err == nil {
			s.err = conn.Err()
		}
		s.mu.Unlock()
		_ = s.Close()
	case <-s.done:
	}
}

// Conn соединение MSRP, nil до Establish
func (s *MSRPStream) Conn() *msrp.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// SendMessage отправляет сообщение по установленному соединению
func (s *MSRPStream) SendMessage(ctx context.Context, contentType string, body []byte) (string, error) {
	conn := s.Conn()
	if conn == nil {
		return "", ErrNotEstablished
	}
	return conn.SendMessage(ctx, contentType, body)
}

// KeepAlive отправляет пустой чанк
func (s *MSRPStream) KeepAlive(ctx context.Context) error {
	conn := s.Conn()
	if conn == nil {
		return ErrNotEstablished
	}
	return conn.SendEmptyChunk(ctx)
}

// LastActivity время последней активности соединения
func (s *MSRPStream) LastActivity() time.Time {
	conn := s.Conn()
	if conn == nil {
		return time.Time{}
	}
	return conn.LastActivity()
}

// Done закрывается при закрытии потока
func (s *MSRPStream) Done() <-chan struct{} {
	return s.done
}

// Err причина разрыва
func (s *MSRPStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close закрывает соединение, слушатель и возвращает порт в пул
func (s *MSRPStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.listener != nil {
			_ = s.listener.Close()
			s.listener = nil
		}
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.releasePortLocked()
		close(s.done)
	})
	return nil
}

func (s *MSRPStream) releasePortLocked() {
	if !s.portHeld {
		return
	}
	s.portHeld = false
	if err := s.n.pool.Release(s.port); err != nil {
		s.logger.Warn("ошибка возврата порта", slog.Int("port", int(s.port)), slog.Any("error", err))
	}
}
