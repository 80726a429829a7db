package media_negotiator

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/arzzra/rcs_core/internal/config"
)

// ErrNoPorts в пуле не осталось свободных портов
var ErrNoPorts = errors.New("no media ports available")

// PortPool управляет пулом локальных портов медиа потоков.
// Обеспечивает:
//   - Выделение портов с заданным шагом
//   - Отслеживание выделенных портов
//   - Последовательную или случайную стратегию
type PortPool struct {
	minPort   uint16
	maxPort   uint16
	step      int
	strategy  config.PortAllocationStrategy
	allocated map[uint16]bool
	available []uint16
	rnd       *rand.Rand
	mutex     sync.Mutex
}

// NewPortPool создает пул портов [minPort, maxPort] с шагом step
func NewPortPool(minPort, maxPort uint16, step int, strategy config.PortAllocationStrategy) *PortPool {
	if step <= 0 {
		step = 1
	}
	pool := &PortPool{
		minPort:   minPort,
		maxPort:   maxPort,
		step:      step,
		strategy:  strategy,
		allocated: make(map[uint16]bool),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	for port := int(minPort); port <= int(maxPort); port += step {
		pool.available = append(pool.available, uint16(port))
	}
	return pool
}

// NewPortPoolFromConfig создает пул по настройкам медиа
func NewPortPoolFromConfig(cfg config.MediaConfig) *PortPool {
	return NewPortPool(cfg.MinPort, cfg.MaxPort, cfg.PortStep, cfg.PortStrategy)
}

// Allocate выделяет свободный порт
func (p *PortPool) Allocate() (uint16, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if len(p.available) == 0 {
		return 0, fmt.Errorf("%w: [%d, %d]", ErrNoPorts, p.minPort, p.maxPort)
	}

	idx := 0
	if p.strategy == config.PortAllocationRandom {
		idx = p.rnd.Intn(len(p.available))
	}
	port := p.available[idx]
	p.available = append(p.available[:idx], p.available[idx+1:]...)

	p.allocated[port] = true
	return port, nil
}

// Release возвращает порт в пул.
// Порт, не выделенный из этого пула, возвращает ошибку.
func (p *PortPool) Release(port uint16) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if port < p.minPort || port > p.maxPort {
		return fmt.Errorf("порт %d вне диапазона [%d, %d]", port, p.minPort, p.maxPort)
	}
	if !p.allocated[port] {
		return fmt.Errorf("порт %d не был выделен", port)
	}
	delete(p.allocated, port)

	if p.strategy == config.PortAllocationSequential {
		// сохраняем порядок возрастания
		i := 0
		for i < len(p.available) && p.available[i] < port {
			i++
		}
		p.available = append(p.available, 0)
		copy(p.available[i+1:], p.available[i:])
		p.available[i] = port
		return nil
	}
	p.available = append(p.available, port)
	return nil
}

// Available количество свободных портов
func (p *PortPool) Available() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.available)
}

// InUse количество выделенных портов
func (p *PortPool) InUse() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.allocated)
}
