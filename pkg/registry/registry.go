package registry

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrDuplicate в реестре уже есть живая запись с таким ключом
	ErrDuplicate = errors.New("session already registered")
	// ErrCapacity достигнут потолок реестра
	ErrCapacity = errors.New("registry capacity reached")
	// ErrEmptyKey ключ сессии пустой
	ErrEmptyKey = errors.New("empty session key")
)

// Counter реестр, размер которого можно учесть в общем лимите домена
type Counter interface {
	countLocked() int
}

// Registry отображение ключа предметной области (контакт, chat-id,
// transfer-id, upload-id, call-id) на живую сессию.
// Дополнительно может индексировать сессии по Call-ID для маршрутизации
// запросов внутри существующего диалога.
type Registry[S comparable] struct {
	domain  *Domain
	name    string
	ceiling int

	key    func(S) string
	callID func(S) string

	entries  map[string]S
	byCallID map[string]S

	logger *slog.Logger
}

// Option опция реестра
type Option[S comparable] func(*Registry[S])

// WithCallIDIndex включает вторичный индекс по Call-ID
func WithCallIDIndex[S comparable](callID func(S) string) Option[S] {
	return func(r *Registry[S]) {
		r.callID = callID
	}
}

// WithCeiling задает потолок реестра, 0 - без ограничения
func WithCeiling[S comparable](ceiling int) Option[S] {
	return func(r *Registry[S]) {
		r.ceiling = ceiling
	}
}

// New создает реестр в домене сервиса
func New[S comparable](domain *Domain, name string, key func(S) string, opts ...Option[S]) *Registry[S] {
	r := &Registry[S]{
		domain:   domain,
		name:     name,
		key:      key,
		entries:  make(map[string]S),
		byCallID: make(map[string]S),
		logger:   domain.logger.With(slog.String("registry", name)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name имя реестра
func (r *Registry[S]) Name() string {
	return r.name
}

// Ceiling потолок реестра
func (r *Registry[S]) Ceiling() int {
	return r.ceiling
}

// Domain домен реестра
func (r *Registry[S]) Domain() *Domain {
	return r.domain
}

// Add добавляет сессию. Запись с тем же ключом не перезаписывается.
func (r *Registry[S]) Add(s S) error {
	r.domain.mu.Lock()
	defer r.domain.mu.Unlock()
	return r.AddLocked(s)
}

// AddLocked как Add, вызывается внутри Domain.Locked
func (r *Registry[S]) AddLocked(s S) error {
	key := r.key(s)
	if key == "" {
		return ErrEmptyKey
	}
	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("%w: %s[%s]", ErrDuplicate, r.name, key)
	}

	r.entries[key] = s
	if r.callID != nil {
		if id := r.callID(s); id != "" {
			r.byCallID[id] = s
		}
	}
	r.domain.stats.Added++
	r.domain.changed(r.name, len(r.entries))
	return nil
}

// TryAdd добавляет сессию, если потолок реестра не достигнут.
// Проверка и вставка атомарны.
func (r *Registry[S]) TryAdd(s S) error {
	r.domain.mu.Lock()
	defer r.domain.mu.Unlock()

	if !r.isAvailableLocked() {
		return fmt.Errorf("%w: %s (%d/%d)", ErrCapacity, r.name, len(r.entries), r.ceiling)
	}
	return r.AddLocked(s)
}

// Remove ставит удаление сессии в очередь домена и сразу возвращает управление.
// Вызывающий, уже получивший ссылку на сессию, может продолжать ей пользоваться.
// Повторное удаление ничего не делает, запись другой сессии с тем же ключом
// не затрагивается.
func (r *Registry[S]) Remove(s S) {
	r.domain.enqueue(func() { r.removeLocked(s) })
}

// RemoveSync удаляет сессию и ждет применения
func (r *Registry[S]) RemoveSync(s S) {
	done := make(chan struct{})
	r.domain.enqueue(func() {
		r.removeLocked(s)
		close(done)
	})
	<-done
}

// RemoveLocked удаляет сессию сразу, вызывается внутри Domain.Locked
func (r *Registry[S]) RemoveLocked(s S) {
	r.removeLocked(s)
}

func (r *Registry[S]) removeLocked(s S) {
	removed := false
	key := r.key(s)
	if cur, ok := r.entries[key]; ok && cur == s {
		delete(r.entries, key)
		removed = true
	}
	if r.callID != nil {
		if id := r.callID(s); id != "" {
			if cur, ok := r.byCallID[id]; ok && cur == s {
				delete(r.byCallID, id)
			}
		}
	}
	if removed {
		r.domain.stats.Removed++
		r.domain.changed(r.name, len(r.entries))
		r.logger.Debug("сессия удалена из реестра", slog.String("key", key))
	}
}

// Lookup возвращает живую сессию по ключу
func (r *Registry[S]) Lookup(key string) (S, bool) {
	r.domain.mu.Lock()
	defer r.domain.mu.Unlock()
	return r.LookupLocked(key)
}

// LookupLocked как Lookup, вызывается внутри Domain.Locked
func (r *Registry[S]) LookupLocked(key string) (S, bool) {
	s, ok := r.entries[key]
	return s, ok
}

// LookupByCallID возвращает сессию по вторичному индексу
func (r *Registry[S]) LookupByCallID(callID string) (S, bool) {
	r.domain.mu.Lock()
	defer r.domain.mu.Unlock()
	s, ok := r.byCallID[callID]
	return s, ok
}

// Count количество живых записей
func (r *Registry[S]) Count() int {
	r.domain.mu.Lock()
	defer r.domain.mu.Unlock()
	return len(r.entries)
}

func (r *Registry[S]) countLocked() int {
	return len(r.entries)
}

// IsAvailable true если можно добавить еще одну сессию.
// Потолок 0 означает отсутствие ограничения.
func (r *Registry[S]) IsAvailable() bool {
	r.domain.mu.Lock()
	defer r.domain.mu.Unlock()
	return r.isAvailableLocked()
}

func (r *Registry[S]) isAvailableLocked() bool {
	return r.ceiling == 0 || len(r.entries) < r.ceiling
}

// Snapshot возвращает копию всех живых сессий
func (r *Registry[S]) Snapshot() []S {
	r.domain.mu.Lock()
	defer r.domain.mu.Unlock()
	out := make([]S, 0, len(r.entries))
	for _, s := range r.entries {
		out = append(out, s)
	}
	return out
}
