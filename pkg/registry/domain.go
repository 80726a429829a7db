package registry

import (
	"log/slog"
	"sync"
)

// Domain общая область взаимного исключения для всех реестров одного сервиса.
// Все изменения и поиски в реестрах сервиса сериализуются одним мьютексом,
// а удаления выполняются отдельным обработчиком очереди домена.
type Domain struct {
	name string

	mu sync.Mutex

	queueMu sync.Mutex
	queue   []func()
	closed  bool
	signal  chan struct{}
	done    chan struct{}
	stopped chan struct{}
	closeMu sync.Once

	// Статистика
	stats DomainStats

	onChange func(registry string, count int)
	logger   *slog.Logger
}

// DomainStats статистика домена
type DomainStats struct {
	Added   uint64
	Removed uint64
}

// DomainOption опция домена
type DomainOption func(*Domain)

// WithChangeHook задает функцию, вызываемую после каждого изменения реестра
// с его именем и новым размером. Вызывается под мьютексом домена.
func WithChangeHook(f func(registry string, count int)) DomainOption {
	return func(d *Domain) {
		d.onChange = f
	}
}

// WithLogger задает логгер домена
func WithLogger(l *slog.Logger) DomainOption {
	return func(d *Domain) {
		d.logger = l
	}
}

// NewDomain создает домен и запускает обработчик очереди удалений
func NewDomain(name string, opts ...DomainOption) *Domain {
	d := &Domain{
		name:    name,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  slog.Default().With(slog.String("component", "registry"), slog.String("domain", name)),
	}
	for _, opt := range opts {
		opt(d)
	}

	go d.worker()
	return d
}

// Name имя домена
func (d *Domain) Name() string {
	return d.name
}

// Stats возвращает копию статистики
func (d *Domain) Stats() DomainStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Locked выполняет f под мьютексом домена.
// Используется для атомарной проверки емкости нескольких реестров и вставки.
// Внутри f допустимы только методы с суффиксом Locked.
func (d *Domain) Locked(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f()
}

// CountOf возвращает суммарный размер нескольких реестров домена
func (d *Domain) CountOf(counters ...Counter) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CountOfLocked(counters...)
}

// CountOfLocked как CountOf, вызывается внутри Locked
func (d *Domain) CountOfLocked(counters ...Counter) int {
	total := 0
	for _, c := range counters {
		total += c.countLocked()
	}
	return total
}

// enqueue ставит задачу в очередь обработчика.
// После Close задача выполняется сразу, если мьютекс домена свободен, иначе
// в отдельной горутине: вызов мог прийти изнутри Locked.
func (d *Domain) enqueue(task func()) {
	d.queueMu.Lock()
	if d.closed {
		d.queueMu.Unlock()
		if d.mu.TryLock() {
			task()
			d.mu.Unlock()
			return
		}
		go func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			task()
		}()
		return
	}
	d.queue = append(d.queue, task)
	d.queueMu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *Domain) worker() {
	defer close(d.stopped)
	for {
		select {
		case <-d.signal:
			d.drain()
		case <-d.done:
			d.drain()
			return
		}
	}
}

func (d *Domain) drain() {
	for {
		d.queueMu.Lock()
		tasks := d.queue
		d.queue = nil
		d.queueMu.Unlock()

		if len(tasks) == 0 {
			return
		}

		d.mu.Lock()
		for _, task := range tasks {
			task()
		}
		d.mu.Unlock()
	}
}

// Flush ждет применения всех удалений, поставленных в очередь до вызова
func (d *Domain) Flush() {
	marker := make(chan struct{})
	d.enqueue(func() { close(marker) })
	<-marker
}

// Close останавливает обработчик после применения оставшихся удалений
func (d *Domain) Close() {
	d.closeMu.Do(func() {
		d.queueMu.Lock()
		d.closed = true
		d.queueMu.Unlock()

		close(d.done)
		<-d.stopped
	})
}

func (d *Domain) changed(registry string, count int) {
	if d.onChange != nil {
		d.onChange(registry, count)
	}
}
