package signaling

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/samber/oops"

	"github.com/arzzra/rcs_core/pkg/metrics"
)

// SipgoTransport реализация Transport поверх клиента sipgo
type SipgoTransport struct {
	client  *sipgo.Client
	metrics *metrics.Collector
	logger  *slog.Logger
}

var _ Transport = (*SipgoTransport)(nil)

// NewSipgoTransport создает транспорт для user agent стека
func NewSipgoTransport(ua *sipgo.UserAgent, m *metrics.Collector) (*SipgoTransport, error) {
	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, oops.In("signaling").Wrapf(err, "создание SIP клиента")
	}
	return &SipgoTransport{
		client:  client,
		metrics: m,
		logger:  slog.Default().With(slog.String("component", "signaling")),
	}, nil
}

// Close закрывает клиент
func (t *SipgoTransport) Close() error {
	return t.client.Close()
}

// SendRequest отправляет запрос вне транзакции
func (t *SipgoTransport) SendRequest(ctx context.Context, req *sip.Request) error {
	if err := t.client.WriteRequest(req, sipgo.ClientRequestAddVia); err != nil {
		return oops.In("signaling").With("method", string(req.Method)).Wrapf(err, "отправка запроса")
	}
	return nil
}

// SendResponse отправляет ответ
func (t *SipgoTransport) SendResponse(ctx context.Context, tx ServerTx, res *sip.Response) error {
	if tx == nil {
		return oops.In("signaling").Errorf("нет серверной транзакции для ответа %d", res.StatusCode)
	}
	if err := tx.Respond(res); err != nil {
		return oops.In("signaling").With("status", res.StatusCode).Wrapf(err, "отправка ответа")
	}
	return nil
}

// SendRequestAndWait отправляет запрос в клиентской транзакции и ждет
// финальный ответ
func (t *SipgoTransport) SendRequestAndWait(ctx context.Context, req *sip.Request, timeout time.Duration, onProvisional func(*sip.Response)) (*TransactionContext, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tx, err := t.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, oops.In("signaling").With("method", string(req.Method)).Wrapf(err, "создание транзакции")
	}
	defer tx.Terminate()

	for {
		select {
		case res := <-tx.Responses():
			if res == nil {
				continue
			}
			if res.StatusCode < 200 {
				if onProvisional != nil {
					onProvisional(res)
				}
				continue
			}
			t.metrics.TransactionCompleted(string(req.Method), res.StatusCode)
			return &TransactionContext{Request: req, Response: res, StatusCode: res.StatusCode}, nil

		case <-tx.Done():
			t.metrics.TransactionCompleted(string(req.Method), 0)
			if err := tx.Err(); err != nil {
				return nil, oops.In("signaling").With("method", string(req.Method)).Wrapf(err, "транзакция завершена")
			}
			return nil, ErrTransactionTerminated

		case <-ctx.Done():
			t.metrics.TransactionCompleted(string(req.Method), 0)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				t.logger.Debug("таймаут транзакции",
					slog.String("method", string(req.Method)),
					slog.Duration("timeout", timeout))
				return nil, ErrTransactionTimeout
			}
			return nil, ctx.Err()
		}
	}
}
