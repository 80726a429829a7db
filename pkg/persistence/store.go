// Package persistence описывает внешнее хранилище истории, в которое сервисы
// и сессии сообщают о событиях без ожидания результата.
package persistence

import (
	"sync"
	"time"
)

// Direction направление сообщения или сессии
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Message сообщение чата
type Message struct {
	ID          string    `cbor:"id"`
	ChatID      string    `cbor:"chat_id,omitempty"`
	Contact     string    `cbor:"contact"`
	ContentType string    `cbor:"content_type"`
	Body        []byte    `cbor:"body"`
	Direction   Direction `cbor:"direction"`
	Timestamp   time.Time `cbor:"ts"`
}

// SpamRejection отказ в сессии из-за черного списка
type SpamRejection struct {
	Kind      string    `cbor:"kind"`
	Contact   string    `cbor:"contact"`
	CallID    string    `cbor:"call_id"`
	Reason    string    `cbor:"reason"`
	Message   *Message  `cbor:"message,omitempty"`
	Timestamp time.Time `cbor:"ts"`
}

// StateChange изменение состояния сессии или передачи файла
type StateChange struct {
	ID        string    `cbor:"id"`
	Kind      string    `cbor:"kind"`
	Contact   string    `cbor:"contact"`
	State     string    `cbor:"state"`
	Reason    string    `cbor:"reason,omitempty"`
	Timestamp time.Time `cbor:"ts"`
}

// DeliveryStatus отчет о доставке (IMDN) исходящего сообщения или файла
type DeliveryStatus struct {
	MessageID string    `cbor:"message_id"`
	Contact   string    `cbor:"contact"`
	Status    string    `cbor:"status"`
	File      bool      `cbor:"file,omitempty"`
	Timestamp time.Time `cbor:"ts"`
}

// Store хранилище истории. Методы не возвращают ошибок и не должны блокировать
// вызывающего надолго.
type Store interface {
	MessageStored(msg Message)
	SpamRejected(rej SpamRejection)
	TransferStateChanged(change StateChange)
	SessionStateChanged(change StateChange)
	DeliveryStatusChanged(status DeliveryStatus)
}

// Nop хранилище, которое ничего не делает
type Nop struct{}

func (Nop) MessageStored(Message)                {}
func (Nop) SpamRejected(SpamRejection)           {}
func (Nop) TransferStateChanged(StateChange)     {}
func (Nop) SessionStateChanged(StateChange)      {}
func (Nop) DeliveryStatusChanged(DeliveryStatus) {}

// Fanout рассылает события в несколько хранилищ
type Fanout []Store

func (f Fanout) MessageStored(msg Message) {
	for _, s := range f {
		s.MessageStored(msg)
	}
}

func (f Fanout) SpamRejected(rej SpamRejection) {
	for _, s := range f {
		s.SpamRejected(rej)
	}
}

func (f Fanout) TransferStateChanged(change StateChange) {
	for _, s := range f {
		s.TransferStateChanged(change)
	}
}

func (f Fanout) SessionStateChanged(change StateChange) {
	for _, s := range f {
		s.SessionStateChanged(change)
	}
}

func (f Fanout) DeliveryStatusChanged(status DeliveryStatus) {
	for _, s := range f {
		s.DeliveryStatusChanged(status)
	}
}

// Recorder хранилище в памяти, запоминает все события по порядку.
// Используется в тестах и как локальный буфер истории.
type Recorder struct {
	mu        sync.Mutex
	messages  []Message
	spam      []SpamRejection
	transfers []StateChange
	sessions  []StateChange
	delivery  []DeliveryStatus
}

// NewRecorder создает пустой Recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) MessageStored(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *Recorder) SpamRejected(rej SpamRejection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spam = append(r.spam, rej)
}

func (r *Recorder) TransferStateChanged(change StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transfers = append(r.transfers, change)
}

func (r *Recorder) SessionStateChanged(change StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, change)
}

func (r *Recorder) DeliveryStatusChanged(status DeliveryStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivery = append(r.delivery, status)
}

// Messages копия сохраненных сообщений
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Spam копия отказов из-за черного списка
func (r *Recorder) Spam() []SpamRejection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SpamRejection(nil), r.spam...)
}

// Transfers копия изменений состояния передач файлов
func (r *Recorder) Transfers() []StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StateChange(nil), r.transfers...)
}

// Sessions копия изменений состояния сессий
func (r *Recorder) Sessions() []StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StateChange(nil), r.sessions...)
}

// Delivery копия отчетов о доставке
func (r *Recorder) Delivery() []DeliveryStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DeliveryStatus(nil), r.delivery...)
}
