package media_negotiator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/samber/oops"
)

// ErrNoCommonPayload удаленная сторона не предлагает локальный payload type
var ErrNoCommonPayload = errors.New("no common rtp payload type")

const rtpReadBufferSize = 1500

// RTPStream поток RTP звонка или расширения.
// Медиа данные не передаются, поток используется для проверки пути
// пакетами keep-alive.
type RTPStream struct {
	n    *Negotiator
	opts StreamOptions

	mu         sync.Mutex
	state      OfferAnswer
	offering   bool
	localSDP   []byte
	port       uint16
	portHeld   bool
	remoteAddr *net.UDPAddr
	conn       net.Conn
	err        error

	writeMu sync.Mutex
	seq     uint16
	ts      uint32
	ssrc    uint32

	lastActivity atomic.Int64

	closeOnce sync.Once
	done      chan struct{}

	logger *slog.Logger
}

var _ Stream = (*RTPStream)(nil)

func newRTPStream(n *Negotiator, opts StreamOptions) (*RTPStream, error) {
	port, err := n.pool.Allocate()
	if err != nil {
		return nil, oops.In("media").Code("no_ports").Wrapf(err, "выделение порта RTP")
	}
	s := &RTPStream{
		n:    n,
		opts: opts,
		state: OfferAnswer{
			Kind:      KindRTP,
			LocalPort: int(port),
			Secured:   n.cfg.DTLSEnabled,
		},
		port:     port,
		portHeld: true,
		seq:      uint16(rand.Uint32()),
		ts:       rand.Uint32(),
		ssrc:     rand.Uint32(),
		done:     make(chan struct{}),
		logger:   n.logger.With(slog.String("stream", "rtp")),
	}
	return s, nil
}

func (s *RTPStream) applyRemote(remote *RemoteRTP) error {
	if !slices.Contains(remote.PayloadTypes, s.n.cfg.RTPPayloadType) {
		return oops.In("media").Code("negotiation_failed").
			With("offered", remote.PayloadTypes).
			Wrapf(ErrNoCommonPayload, "payload type %d", s.n.cfg.RTPPayloadType)
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(remote.Host, fmt.Sprint(remote.Port)))
	if err != nil {
		return oops.In("media").Code("negotiation_failed").Wrapf(err, "адрес удаленной стороны")
	}
	s.remoteAddr = addr
	s.state.RemoteHost = remote.Host
	s.state.RemotePort = remote.Port
	return nil
}

func (s *RTPStream) buildLocalSDP() error {
	raw, err := BuildRTPSDP(RTPParams{
		Host:        s.n.cfg.LocalHost,
		Port:        s.state.LocalPort,
		Media:       s.opts.Media,
		PayloadType: s.n.cfg.RTPPayloadType,
		Setup:       s.state.LocalSetup,
		Secured:     s.state.Secured,
	})
	if err != nil {
		return oops.In("media").Wrapf(err, "формирование SDP")
	}
	s.localSDP = raw
	return nil
}

// LocalSDP локальное описание
func (s *RTPStream) LocalSDP() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localSDP
}

// State состояние согласования
func (s *RTPStream) State() OfferAnswer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ApplyAnswer применяет ответ на локальное предложение
func (s *RTPStream) ApplyAnswer(remoteSDP []byte) error {
	remote, err := ParseRTPMedia(remoteSDP)
	if err != nil {
		return oops.In("media").Code("negotiation_failed").Wrapf(err, "разбор ответа RTP")
	}
	if remote.Secured != s.state.Secured {
		return oops.In("media").Code("negotiation_failed").Wrapf(ErrSecuredMismatch, "несовпадение защищенности RTP")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.applyRemote(remote); err != nil {
		return err
	}
	s.state.RemoteSetup = remote.Setup
	s.state.LocalSetup = ResolveSetupRole(remote.Setup)
	s.offering = false
	return nil
}

// Establish открывает UDP сокет, при включенном DTLS выполняет рукопожатие
// (роль клиента у активной стороны) и отправляет первый keep-alive.
func (s *RTPStream) Establish(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}

	s.mu.Lock()
	remote := s.remoteAddr
	role := s.state.LocalSetup
	secured := s.state.Secured
	s.mu.Unlock()

	if remote == nil {
		return oops.In("media").Wrapf(ErrNoRemoteAddress, "RTP")
	}

	local := &net.UDPAddr{IP: net.ParseIP(s.n.cfg.LocalHost), Port: int(s.port)}
	udp, err := net.DialUDP("udp", local, remote)
	if err != nil {
		return oops.In("media").Code("connect_failed").With("remote", remote.String()).Wrapf(err, "открытие UDP сокета")
	}

	var conn net.Conn = udp
	if secured {
		conn, err = s.n.handshakeDTLS(ctx, udp, role)
		if err != nil {
			_ = udp.Close()
			return err
		}
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		_ = conn.Close()
		return ErrStreamClosed
	default:
	}
	s.conn = conn
	s.mu.Unlock()

	s.lastActivity.Store(time.Now().UnixNano())
	go s.readLoop(conn, secured)

	if err := s.KeepAlive(ctx); err != nil {
		s.logger.Debug("первый keep-alive не отправлен", slog.Any("error", err))
	}
	s.logger.Debug("RTP поток установлен",
		slog.String("remote", remote.String()),
		slog.Bool("dtls", secured))
	return nil
}

func (s *RTPStream) readLoop(conn net.Conn, secured bool) {
	buf := make([]byte, rtpReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) || secured {
				s.fail(err)
				return
			}
			// ICMP port unreachable на подключенном UDP сокете
			continue
		}
		var packet rtp.Packet
		if err := packet.Unmarshal(buf[:n]); err == nil {
			s.lastActivity.Store(time.Now().UnixNano())
		}
	}
}

// KeepAlive отправляет RTP пакет без полезной нагрузки
func (s *RTPStream) KeepAlive(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotEstablished
	}

	s.writeMu.Lock()
	s.seq++
	s.ts += 160
	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    s.n.cfg.RTPPayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
	}
	s.writeMu.Unlock()

	data, err := packet.Marshal()
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(data); err != nil {
		return oops.In("media").Wrapf(err, "отправка keep-alive")
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return nil
}

// LastActivity время последнего принятого или отправленного пакета
func (s *RTPStream) LastActivity() time.Time {
	v := s.lastActivity.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

// Done закрывается при закрытии потока
func (s *RTPStream) Done() <-chan struct{} {
	return s.done
}

// Err причина разрыва
func (s *RTPStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *RTPStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	_ = s.Close()
}

// Close закрывает сокет и возвращает порт в пул
func (s *RTPStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.conn != nil {
			_ = s.conn.Close()
		}
		if s.portHeld {
			s.portHeld = false
			if err := s.n.pool.Release(s.port); err != nil {
				s.logger.Warn("ошибка возврата порта", slog.Int("port", int(s.port)), slog.Any("error", err))
			}
		}
		close(s.done)
	})
	return nil
}
