// Package dispatcher принимает входящие SIP запросы сервера sipgo и
// распределяет их по сервисам.
//
// INVITE вне диалога классифицируется по признакам Accept-Contact/Contact и
// телу (Classify) и передается соответствующему сервису. CANCEL, BYE, ACK и
// NOTIFY направляются сессии, которой принадлежит Call-ID. Для неизвестного
// Call-ID отправляется 481. MESSAGE вне диалога принимается только как отчет
// о доставке. OPTIONS получает 200 OK с набором признаков.
// Входящие INVITE ограничиваются по частоте (503 при превышении).
//
// Обработчик INVITE на сервере sipgo не возвращается, пока сессия не
// отправила окончательный ответ: после возврата sipgo завершает транзакцию.
package dispatcher

import (
	"context"
	"log/slog"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"golang.org/x/time/rate"

	"github.com/arzzra/rcs_core/internal/config"
	"github.com/arzzra/rcs_core/pkg/metrics"
	"github.com/arzzra/rcs_core/pkg/service"
	"github.com/arzzra/rcs_core/pkg/session"
	"github.com/arzzra/rcs_core/pkg/signaling"
)

// Config зависимости диспетчера
type Config struct {
	Transport signaling.Transport
	Settings  *config.Settings
	Metrics   *metrics.Collector

	IM       *service.IMService
	IPCall   *service.IPCallService
	Sip      *service.SipService
	Richcall *service.RichcallService
}

// Dispatcher маршрутизатор входящих запросов
type Dispatcher struct {
	transport signaling.Transport
	settings  *config.Settings
	metrics   *metrics.Collector

	im       *service.IMService
	ipcall   *service.IPCallService
	sip      *service.SipService
	richcall *service.RichcallService
	services []service.Service

	// nil - без ограничения
	limiter *rate.Limiter

	ctx    context.Context
	logger *slog.Logger
}

// New создает диспетчер. Отсутствующий сервис означает, что
// соответствующие приглашения отклоняются с 606.
func New(cfg Config) *Dispatcher {
	settings := cfg.Settings
	if settings == nil {
		settings = config.DefaultConfig()
	}
	d := &Dispatcher{
		transport: cfg.Transport,
		settings:  settings,
		metrics:   cfg.Metrics,
		im:        cfg.IM,
		ipcall:    cfg.IPCall,
		sip:       cfg.Sip,
		richcall:  cfg.Richcall,
		ctx:       context.Background(),
		logger:    slog.Default().With(slog.String("component", "dispatcher")),
	}
	if cfg.IM != nil {
		d.services = append(d.services, cfg.IM)
	}
	if cfg.IPCall != nil {
		d.services = append(d.services, cfg.IPCall)
	}
	if cfg.Sip != nil {
		d.services = append(d.services, cfg.Sip)
	}
	if cfg.Richcall != nil {
		d.services = append(d.services, cfg.Richcall)
	}
	if limits := settings.Limits; limits.InviteRate > 0 {
		burst := limits.InviteBurst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(limits.InviteRate), burst)
	}
	return d
}

// WithContext задает контекст, передаваемый обработчикам сервисов
func (d *Dispatcher) WithContext(ctx context.Context) *Dispatcher {
	d.ctx = ctx
	return d
}

// Register регистрирует обработчики на сервере sipgo
func (d *Dispatcher) Register(srv *sipgo.Server) {
	srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		d.awaitAnswer(d.HandleInvite(req, tx), tx.Done())
	})
	srv.OnAck(func(req *sip.Request, _ sip.ServerTransaction) { d.HandleAck(req) })
	srv.OnBye(func(req *sip.Request, tx sip.ServerTransaction) { d.HandleBye(req, tx) })
	srv.OnCancel(func(req *sip.Request, tx sip.ServerTransaction) { d.HandleCancel(req, tx) })
	srv.OnNotify(func(req *sip.Request, tx sip.ServerTransaction) { d.HandleNotify(req, tx) })
	srv.OnMessage(func(req *sip.Request, tx sip.ServerTransaction) { d.HandleMessage(req, tx) })
	srv.OnOptions(func(req *sip.Request, tx sip.ServerTransaction) { d.HandleOptions(req, tx) })
}

// awaitAnswer ждет окончательного ответа сессии на INVITE.
// Каждый запрос sipgo обрабатывает в своей горутине.
func (d *Dispatcher) awaitAnswer(s session.Session, txDone <-chan struct{}) {
	if s == nil {
		return
	}
	select {
	case <-s.Answered():
	case <-txDone:
	case <-d.ctx.Done():
	}
}

// find ищет сессию с Call-ID во всех сервисах
func (d *Dispatcher) find(callID string) (session.Session, bool) {
	for _, svc := range d.services {
		if s, ok := svc.FindByCallID(callID); ok {
			return s, true
		}
	}
	return nil, false
}

func (d *Dispatcher) respond(req *sip.Request, tx signaling.ServerTx, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	d.send(req, tx, res)
}

func (d *Dispatcher) send(req *sip.Request, tx signaling.ServerTx, res *sip.Response) {
	if err := d.transport.SendResponse(d.ctx, tx, res); err != nil {
		d.logger.Error("не удалось отправить ответ",
			slog.Any("error", err),
			slog.String("method", req.Method.String()),
			slog.Int("status", res.StatusCode))
	}
}
