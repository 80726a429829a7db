// Package core собирает движок сессий RCS из настроек: SIP user agent и
// сервер sipgo, транспорт, согласование медиа, журнал, метрики, сервисы и
// диспетчер входящих запросов.
package core

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/rcs_core/internal/config"
	"github.com/arzzra/rcs_core/pkg/contacts"
	"github.com/arzzra/rcs_core/pkg/dispatcher"
	"github.com/arzzra/rcs_core/pkg/media_negotiator"
	"github.com/arzzra/rcs_core/pkg/metrics"
	"github.com/arzzra/rcs_core/pkg/persistence"
	"github.com/arzzra/rcs_core/pkg/service"
	"github.com/arzzra/rcs_core/pkg/session"
	"github.com/arzzra/rcs_core/pkg/signaling"
)

// Options параметры сборки стека. Незаданные зависимости создаются из
// настроек.
type Options struct {
	Settings *config.Settings
	Metrics  *metrics.Collector
	// Store получатель записей истории. По умолчанию журнал CBOR из
	// persistence.journal_path или хранение в памяти.
	Store    persistence.Store
	Contacts contacts.Directory
	// Sink получатель событий всех сессий, по умолчанию запись в лог
	Sink service.EventSink
	// Transport подменяет транспорт sipgo (тесты)
	Transport signaling.Transport
}

// Stack движок сессий
type Stack struct {
	settings *config.Settings
	metrics  *metrics.Collector
	store    persistence.Store
	journal  *persistence.Journal
	contacts contacts.Directory

	ua        *sipgo.UserAgent
	server    *sipgo.Server
	transport signaling.Transport
	sipgoTr   *signaling.SipgoTransport

	im         *service.IMService
	ipcall     *service.IPCallService
	sip        *service.SipService
	richcall   *service.RichcallService
	dispatcher *dispatcher.Dispatcher

	closeOnce sync.Once
	logger    *slog.Logger
}

// New создает стек. Запуск приема запросов выполняет Run.
func New(opts Options) (_ *Stack, err error) {
	settings := opts.Settings
	if settings == nil {
		settings = config.DefaultConfig()
	}
	if err := settings.Validate(); err != nil {
		return nil, oops.In("core").Wrapf(err, "настройки стека")
	}

	s := &Stack{
		settings: settings,
		metrics:  opts.Metrics,
		store:    opts.Store,
		contacts: opts.Contacts,
		logger:   slog.Default().With(slog.String("component", "core")),
	}
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	if s.metrics == nil {
		s.metrics = metrics.New(metrics.Config{
			Enabled:     settings.Metrics.Enabled,
			Namespace:   settings.Metrics.Namespace,
			WithRuntime: true,
		})
	}
	if s.contacts == nil {
		s.contacts = contacts.NewStore()
	}
	if s.store == nil {
		if path := settings.Persistence.JournalPath; path != "" {
			s.journal, err = persistence.OpenJournal(path)
			if err != nil {
				return nil, err
			}
			s.store = s.journal
		} else {
			s.store = persistence.NewRecorder()
		}
	}

	s.ua, err = sipgo.NewUA(
		sipgo.WithUserAgent(settings.SIP.UserAgent),
		sipgo.WithUserAgentHostname(settings.SIP.Hostname),
	)
	if err != nil {
		return nil, oops.In("core").Wrapf(err, "создание SIP user agent")
	}
	s.server, err = sipgo.NewServer(s.ua)
	if err != nil {
		return nil, oops.In("core").Wrapf(err, "создание SIP сервера")
	}

	s.transport = opts.Transport
	if s.transport == nil {
		s.sipgoTr, err = signaling.NewSipgoTransport(s.ua, s.metrics)
		if err != nil {
			return nil, err
		}
		s.transport = s.sipgoTr
	}

	negotiator, err := media_negotiator.NewNegotiator(settings.Media, media_negotiator.NewPortPoolFromConfig(settings.Media))
	if err != nil {
		return nil, oops.In("core").Wrapf(err, "создание согласования медиа")
	}

	localURI, contact, err := localAddresses(settings.SIP)
	if err != nil {
		return nil, err
	}

	sink := opts.Sink
	if sink == nil {
		sink = service.EventSinkFunc(s.logEvent)
	}
	deps := service.Deps{
		Session: session.Deps{
			Transport:  s.transport,
			Negotiator: negotiator,
			Settings:   settings,
			Store:      s.store,
			Metrics:    s.metrics,
			LocalURI:   localURI,
			Contact:    contact,
		},
		Contacts: s.contacts,
		Sink:     sink,
		FreeSpace: func() int64 {
			return service.FreeSpace(settings.HTTPTransfer.DownloadDir)
		},
	}
	s.im = service.NewIMService(deps)
	s.ipcall = service.NewIPCallService(deps)
	s.sip = service.NewSipService(deps)
	s.richcall = service.NewRichcallService(deps)

	s.dispatcher = dispatcher.New(dispatcher.Config{
		Transport: s.transport,
		Settings:  settings,
		Metrics:   s.metrics,
		IM:        s.im,
		IPCall:    s.ipcall,
		Sip:       s.sip,
		Richcall:  s.richcall,
	})
	s.dispatcher.Register(s.server)

	s.logger.Info("стек создан",
		slog.String("local_uri", localURI.String()),
		slog.String("contact", contact.String()))
	return s, nil
}

// localAddresses собственный адрес (user@domain) и Contact (user@host:port)
func localAddresses(cfg config.SIPConfig) (sip.Uri, sip.Uri, error) {
	host, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return sip.Uri{}, sip.Uri{}, oops.In("core").With("listen_addr", cfg.ListenAddr).Wrapf(err, "адрес SIP")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return sip.Uri{}, sip.Uri{}, oops.In("core").With("listen_addr", cfg.ListenAddr).Wrapf(err, "порт SIP")
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = cfg.Hostname
	}

	local := sip.Uri{Scheme: "sip", User: cfg.LocalUser, Host: cfg.Domain}
	contact := sip.Uri{Scheme: "sip", User: cfg.LocalUser, Host: host, Port: port}
	return local, contact, nil
}

func (s *Stack) logEvent(e session.Event) {
	attrs := []any{
		slog.String("session_id", e.SessionID),
		slog.String("call_id", e.CallID),
		slog.String("kind", string(e.Kind)),
		slog.String("event", e.Type.String()),
	}
	if e.Err != nil {
		attrs = append(attrs, slog.Any("error", e.Err))
	}
	if e.Type.IsTerminal() {
		s.logger.Info("сессия завершена", attrs...)
		return
	}
	s.logger.Debug("событие сессии", attrs...)
}

// Run принимает SIP запросы до отмены ctx, после чего завершает все сессии
// и освобождает ресурсы
func (s *Stack) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	s.dispatcher.WithContext(ctx)

	network, addr := s.settings.SIP.Network, s.settings.SIP.ListenAddr
	g.Go(func() error {
		s.logger.Info("прием SIP запросов", slog.String("network", network), slog.String("addr", addr))
		err := s.server.ListenAndServe(ctx, network, addr)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("SIP сервер остановлен")
		}
		return oops.In("core").With("addr", addr).Wrapf(err, "прием SIP запросов")
	})
	g.Go(func() error {
		<-ctx.Done()
		s.Close()
		return nil
	})
	return g.Wait()
}

// Close завершает все сессии и освобождает ресурсы. Повторный вызов ничего не делает.
func (s *Stack) Close() {
	s.closeOnce.Do(func() {
		for _, svc := range s.services() {
			svc.AbortAllSessions(session.BySystem)
			svc.Close()
		}
		s.release()
		s.logger.Info("стек остановлен")
	})
}

func (s *Stack) release() {
	if s.sipgoTr != nil {
		if err := s.sipgoTr.Close(); err != nil {
			s.logger.Warn("закрытие SIP клиента", slog.Any("error", err))
		}
	}
	if s.server != nil {
		if err := s.server.Close(); err != nil {
			s.logger.Warn("закрытие SIP сервера", slog.Any("error", err))
		}
	}
	if s.ua != nil {
		if err := s.ua.Close(); err != nil {
			s.logger.Warn("закрытие SIP user agent", slog.Any("error", err))
		}
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			s.logger.Error("закрытие журнала", slog.Any("error", err))
		}
		if dropped := s.journal.Dropped(); dropped > 0 {
			s.logger.Warn("журнал отбросил записи", slog.Uint64("dropped", dropped))
		}
	}
}

func (s *Stack) services() []service.Service {
	var out []service.Service
	if s.im != nil {
		out = append(out, s.im)
	}
	if s.ipcall != nil {
		out = append(out, s.ipcall)
	}
	if s.sip != nil {
		out = append(out, s.sip)
	}
	if s.richcall != nil {
		out = append(out, s.richcall)
	}
	return out
}

func (s *Stack) Settings() *config.Settings { return s.settings }
func (s *Stack) Metrics() *metrics.Collector { return s.metrics }
func (s *Stack) Store() persistence.Store { return s.store }
func (s *Stack) Contacts() contacts.Directory { return s.contacts }
func (s *Stack) IM() *service.IMService { return s.im }
func (s *Stack) IPCall() *service.IPCallService { return s.ipcall }
func (s *Stack) Sip() *service.SipService { return s.sip }
func (s *Stack) Richcall() *service.RichcallService { return s.richcall }
func (s *Stack) Dispatcher() *dispatcher.Dispatcher { return s.dispatcher }
func (s *Stack) Transport() signaling.Transport { return s.transport }
