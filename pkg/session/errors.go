package session

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind класс ошибки сессии
type ErrorKind string

const (
	KindAdmissionRejected      ErrorKind = "ADMISSION_REJECTED"
	KindSignalingTimeout       ErrorKind = "SIGNALING_TIMEOUT"
	KindSignalingFailed        ErrorKind = "SIGNALING_FAILED"
	KindMediaNegotiationFailed ErrorKind = "MEDIA_NEGOTIATION_FAILED"
	KindUnexpectedFailure      ErrorKind = "UNEXPECTED_FAILURE"
)

// String возвращает строковое представление класса
func (k ErrorKind) String() string {
	return string(k)
}

// SessionError структурированная ошибка сессии с контекстом.
// Передается слушателю ровно один раз в событии Failed.
type SessionError struct {
	Code    string
	Kind    ErrorKind
	Message string

	SessionID  string
	CallID     string
	StatusCode int
	Timestamp  time.Time

	Fields map[string]interface{}
	Cause  error
}

// Error реализует интерфейс error
func (e *SessionError) Error() string {
	msg := fmt.Sprintf("[%s:%s] %s", e.Kind, e.Code, e.Message)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.CallID != "" {
		msg += fmt.Sprintf(" (Call-ID: %s)", e.CallID)
	}
	return msg
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *SessionError) Unwrap() error {
	return e.Cause
}

// Is совпадение по классу ошибки
func (e *SessionError) Is(target error) bool {
	var other *SessionError
	if errors.As(target, &other) {
		return other.Code == "" && other.Kind == e.Kind
	}
	return false
}

// WithField добавляет поле контекста
func (e *SessionError) WithField(key string, value interface{}) *SessionError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithCause добавляет исходную ошибку
func (e *SessionError) WithCause(cause error) *SessionError {
	e.Cause = cause
	return e
}

// NewSessionError создает ошибку заданного класса
func NewSessionError(kind ErrorKind, code, message string) *SessionError {
	return &SessionError{
		Code:      code,
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Образцы для errors.Is: errors.Is(err, session.ErrSignalingTimeout)
var (
	ErrAdmissionRejected      = &SessionError{Kind: KindAdmissionRejected}
	ErrSignalingTimeout       = &SessionError{Kind: KindSignalingTimeout}
	ErrSignalingFailed        = &SessionError{Kind: KindSignalingFailed}
	ErrMediaNegotiationFailed = &SessionError{Kind: KindMediaNegotiationFailed}
	ErrUnexpectedFailure      = &SessionError{Kind: KindUnexpectedFailure}
)

func errSignalingTimeout(method string, timeout time.Duration) *SessionError {
	return NewSessionError(KindSignalingTimeout, "TRANSACTION_TIMEOUT",
		fmt.Sprintf("нет ответа на %s за %v", method, timeout)).
		WithField("method", method).WithField("timeout", timeout)
}

func errAckTimeout(timeout time.Duration) *SessionError {
	return NewSessionError(KindSignalingTimeout, "ACK_TIMEOUT",
		fmt.Sprintf("ACK не получен за %v", timeout)).
		WithField("timeout", timeout)
}

func errDeclined(status int, reason string) *SessionError {
	code := "SESSION_INITIATION_DECLINED"
	switch status {
	case 486, 600:
		code = "SESSION_INITIATION_BUSY"
	case 480:
		code = "SESSION_INITIATION_UNAVAILABLE"
	}
	e := NewSessionError(KindSignalingFailed, code, fmt.Sprintf("отказ удаленной стороны: %d %s", status, reason))
	e.StatusCode = status
	return e
}

func errSignaling(cause error, message string) *SessionError {
	return NewSessionError(KindSignalingFailed, "SIGNALING_ERROR", message).WithCause(cause)
}

func errMediaNegotiation(cause error) *SessionError {
	return NewSessionError(KindMediaNegotiationFailed, "MEDIA_NEGOTIATION_FAILED", "согласование медиа не удалось").WithCause(cause)
}

func errMediaTransfer(cause error) *SessionError {
	return NewSessionError(KindMediaNegotiationFailed, "MEDIA_TRANSFER_FAILED", "разрыв медиа соединения").WithCause(cause)
}

func errUnexpected(cause error) *SessionError {
	return NewSessionError(KindUnexpectedFailure, "UNEXPECTED_FAILURE", "внутренняя ошибка сессии").WithCause(cause)
}
