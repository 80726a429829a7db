// Package mockTransport реализует signaling.Transport в памяти для тестов.
//
// Транспорт запоминает все отправленные запросы и ответы, а ответы на
// клиентские транзакции формирует по сценарию, заданному через Handle.
package mockTransport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/rcs_core/pkg/signaling"
)

// Responder формирует ответы на запрос. Последний ответ списка
// считается финальным, предыдущие передаются как предварительные.
// Пустой список означает отсутствие ответа (таймаут транзакции).
// Responder может блокироваться, пока ctx не отменен.
type Responder func(ctx context.Context, req *sip.Request) []*sip.Response

// Transport транспорт в памяти
type Transport struct {
	mu         sync.Mutex
	requests   []*sip.Request
	responses  []*sip.Response
	responders map[sip.RequestMethod]Responder
	sendErr    error
	changed    chan struct{}
}

var _ signaling.Transport = (*Transport)(nil)

// New создает транспорт без сценариев: транзакции завершаются таймаутом
func New() *Transport {
	return &Transport{
		responders: make(map[sip.RequestMethod]Responder),
		changed:    make(chan struct{}),
	}
}

// Handle задает сценарий ответа для метода
func (t *Transport) Handle(method sip.RequestMethod, r Responder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responders[method] = r
}

// FailSends все последующие отправки завершаются ошибкой err
func (t *Transport) FailSends(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

func (t *Transport) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *Transport) recordRequest(req *sip.Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.requests = append(t.requests, req)
	t.notifyLocked()
	return nil
}

// SendRequest запоминает запрос
func (t *Transport) SendRequest(ctx context.Context, req *sip.Request) error {
	return t.recordRequest(req)
}

// SendResponse запоминает ответ и передает его в транзакцию, если она есть
func (t *Transport) SendResponse(ctx context.Context, tx signaling.ServerTx, res *sip.Response) error {
	t.mu.Lock()
	if t.sendErr != nil {
		err := t.sendErr
		t.mu.Unlock()
		return err
	}
	t.responses = append(t.responses, res)
	t.notifyLocked()
	t.mu.Unlock()

	if tx != nil {
		return tx.Respond(res)
	}
	return nil
}

// SendRequestAndWait запоминает запрос и отвечает по сценарию
func (t *Transport) SendRequestAndWait(ctx context.Context, req *sip.Request, timeout time.Duration, onProvisional func(*sip.Response)) (*signaling.TransactionContext, error) {
	if err := t.recordRequest(req); err != nil {
		return nil, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	t.mu.Lock()
	responder := t.responders[req.Method]
	t.mu.Unlock()

	result := make(chan []*sip.Response, 1)
	go func() {
		if responder == nil {
			result <- nil
			return
		}
		result <- responder(ctx, req)
	}()

	var responses []*sip.Response
	select {
	case responses = <-result:
	case <-ctx.Done():
		return nil, contextError(ctx)
	}

	if len(responses) == 0 {
		<-ctx.Done()
		return nil, contextError(ctx)
	}
	for _, res := range responses[:len(responses)-1] {
		if onProvisional != nil {
			onProvisional(res)
		}
	}
	final := responses[len(responses)-1]
	return &signaling.TransactionContext{Request: req, Response: final, StatusCode: final.StatusCode}, nil
}

func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return signaling.ErrTransactionTimeout
	}
	return ctx.Err()
}

// Requests возвращает отправленные запросы, опционально только указанных методов
func (t *Transport) Requests(methods ...sip.RequestMethod) []*sip.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*sip.Request
	for _, req := range t.requests {
		if len(methods) == 0 || containsMethod(methods, req.Method) {
			out = append(out, req)
		}
	}
	return out
}

// Responses возвращает отправленные ответы
func (t *Transport) Responses() []*sip.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*sip.Response(nil), t.responses...)
}

// StatusCodes коды отправленных ответов по порядку
func (t *Transport) StatusCodes() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	codes := make([]int, 0, len(t.responses))
	for _, res := range t.responses {
		codes = append(codes, res.StatusCode)
	}
	return codes
}

// WaitResponse ждет отправки ответа с кодом code
func (t *Transport) WaitResponse(code int, timeout time.Duration) (*sip.Response, bool) {
	deadline := time.After(timeout)
	for {
		t.mu.Lock()
		for _, res := range t.responses {
			if res.StatusCode == code {
				t.mu.Unlock()
				return res, true
			}
		}
		changed := t.changed
		t.mu.Unlock()

		select {
		case <-changed:
		case <-deadline:
			return nil, false
		}
	}
}

// WaitRequest ждет отправки запроса метода method
func (t *Transport) WaitRequest(method sip.RequestMethod, timeout time.Duration) (*sip.Request, bool) {
	deadline := time.After(timeout)
	for {
		t.mu.Lock()
		for _, req := range t.requests {
			if req.Method == method {
				t.mu.Unlock()
				return req, true
			}
		}
		changed := t.changed
		t.mu.Unlock()

		select {
		case <-changed:
		case <-deadline:
			return nil, false
		}
	}
}

func containsMethod(methods []sip.RequestMethod, m sip.RequestMethod) bool {
	for _, method := range methods {
		if method == m {
			return true
		}
	}
	return false
}

// Reply формирует ответ с кодом на запрос. Для 2xx на INVITE добавляет
// тег To и тело SDP, если оно передано.
func Reply(req *sip.Request, code int, reason string, sdp []byte) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, sdp)
	// sipgo сам ставит случайный тег, если в запросе его не было
	if to := res.To(); to != nil && code > 100 && !hasToTag(req) {
		if to.Params == nil {
			to.Params = sip.HeaderParams{}
		}
		to.Params["tag"] = "remote-tag"
	}
	if len(sdp) > 0 {
		ct := sip.ContentTypeHeader("application/sdp")
		res.AppendHeader(&ct)
	}
	return res
}

func hasToTag(req *sip.Request) bool {
	to := req.To()
	if to == nil || to.Params == nil {
		return false
	}
	_, ok := to.Params["tag"]
	return ok
}

// ServerTx серверная транзакция, запоминающая ответы
type ServerTx struct {
	mu        sync.Mutex
	responses []*sip.Response
}

var _ signaling.ServerTx = (*ServerTx)(nil)

// Respond запоминает ответ
func (s *ServerTx) Respond(res *sip.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, res)
	return nil
}

// Responses ответы транзакции
func (s *ServerTx) Responses() []*sip.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*sip.Response(nil), s.responses...)
}

// Last последний ответ транзакции или nil
func (s *ServerTx) Last() *sip.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		return nil
	}
	return s.responses[len(s.responses)-1]
}
