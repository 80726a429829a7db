// Package contacts хранит сведения об удаленных контактах, нужные при
// допуске сессий: черный список и кэш возможностей с временем обновления.
package contacts

import (
	"strings"
	"sync"
	"time"

	"github.com/arzzra/rcs_core/pkg/admission"
)

// Capabilities возможности удаленного контакта
type Capabilities struct {
	Chat             bool
	FileTransfer     bool
	HTTPFileTransfer bool
	IPVoiceCall      bool
	IPVideoCall      bool
	StoreAndForward  bool
	Extensions       []string

	// LastRefresh время последнего обновления, нулевое - никогда
	LastRefresh time.Time
}

// Directory источник сведений о контактах для сервисов
type Directory interface {
	IsBlocked(contact string) bool
	Capabilities(contact string) (Capabilities, bool)
}

// Store потокобезопасная реализация Directory в памяти
type Store struct {
	mu           sync.RWMutex
	blocked      map[string]struct{}
	capabilities map[string]Capabilities

	now func() time.Time
}

// NewStore создает пустое хранилище
func NewStore() *Store {
	return &Store{
		blocked:      make(map[string]struct{}),
		capabilities: make(map[string]Capabilities),
		now:          time.Now,
	}
}

// Normalize приводит адрес контакта к ключу хранилища:
// отбрасывает схему sip:/tel:, параметры и пробелы.
func Normalize(contact string) string {
	c := strings.TrimSpace(contact)
	c = strings.Trim(c, "<>")
	for _, scheme := range []string{"sip:", "sips:", "tel:"} {
		if strings.HasPrefix(strings.ToLower(c), scheme) {
			c = c[len(scheme):]
			break
		}
	}
	if i := strings.IndexAny(c, ";?"); i >= 0 {
		c = c[:i]
	}
	return c
}

// Block добавляет контакт в черный список
func (s *Store) Block(contact string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[Normalize(contact)] = struct{}{}
}

// Unblock удаляет контакт из черного списка
func (s *Store) Unblock(contact string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocked, Normalize(contact))
}

// IsBlocked true если контакт в черном списке
func (s *Store) IsBlocked(contact string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocked[Normalize(contact)]
	return ok
}

// SetCapabilities сохраняет возможности контакта.
// Нулевое LastRefresh заменяется текущим временем.
func (s *Store) SetCapabilities(contact string, caps Capabilities) {
	if caps.LastRefresh.IsZero() {
		caps.LastRefresh = s.now()
	}
	caps.Extensions = append([]string(nil), caps.Extensions...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.capabilities[Normalize(contact)] = caps
}

// Capabilities возвращает сохраненные возможности контакта
func (s *Store) Capabilities(contact string) (Capabilities, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	caps, ok := s.capabilities[Normalize(contact)]
	return caps, ok
}

// HasValidCapabilities true если возможности обновлялись в пределах validity
func HasValidCapabilities(dir Directory, contact string, validity time.Duration, now time.Time) bool {
	caps, ok := dir.Capabilities(contact)
	if !ok {
		return false
	}
	return admission.IsCapabilityValid(caps.LastRefresh, validity, now)
}
