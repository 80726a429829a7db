// Package signaling отправляет SIP запросы и ответы сессий.
//
// Сессии не работают с sipgo напрямую: все исходящие сообщения проходят
// через интерфейс Transport, что позволяет подменять транспорт в тестах.
package signaling

import (
	"context"
	"errors"
	"time"

	"github.com/emiago/sipgo/sip"
)

// ErrTransactionTimeout финальный ответ не получен за время транзакции
var ErrTransactionTimeout = errors.New("sip transaction timeout")

// ErrTransactionTerminated транзакция завершилась без финального ответа
var ErrTransactionTerminated = errors.New("sip transaction terminated")

// ServerTx серверная транзакция входящего запроса.
// sip.ServerTransaction удовлетворяет этому интерфейсу.
type ServerTx interface {
	Respond(res *sip.Response) error
}

// TransactionContext результат клиентской транзакции
type TransactionContext struct {
	Request     *sip.Request
	Response    *sip.Response
	StatusCode  int
	AckReceived bool
}

// IsSuccess финальный ответ 2xx
func (t *TransactionContext) IsSuccess() bool {
	return t != nil && t.StatusCode >= 200 && t.StatusCode < 300
}

// Transport отправка SIP сообщений
type Transport interface {
	// SendRequest отправляет запрос без ожидания ответа (ACK)
	SendRequest(ctx context.Context, req *sip.Request) error
	// SendResponse отправляет ответ в серверную транзакцию
	SendResponse(ctx context.Context, tx ServerTx, res *sip.Response) error
	// SendRequestAndWait отправляет запрос и ждет финальный ответ не дольше
	// timeout. Предварительные ответы передаются в onProvisional.
	SendRequestAndWait(ctx context.Context, req *sip.Request, timeout time.Duration, onProvisional func(*sip.Response)) (*TransactionContext, error)
}
