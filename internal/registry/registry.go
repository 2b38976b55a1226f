// Package registry хранит изменяемое состояние по origin-контекстам
// (guild/channel): память разговора, кулдауны команд, флаги фич.
// Состояние создаётся лениво при первом обращении, выкидывается после
// простоя. Инвариант: не больше одной мутации контекста одновременно —
// каждый контекст защищён своим мьютексом, который берётся через Acquire.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/EgorLis/Koabot/internal/logging"
)

// MemoryLimit — сколько реплик разговора держим на контекст.
const MemoryLimit = 32

// State — изменяемая запись одного контекста. Доступ только под
// блокировкой, выданной Acquire.
type State struct {
	// Память разговора: последние реплики, старые вытесняются.
	Memory []string
	// Кулдауны: имя команды -> момент, когда её можно снова.
	Cooldowns map[string]time.Time
	// Флаги фич контекста.
	Flags map[string]bool
}

// Remember дописывает реплику в память, вытесняя самое старое.
func (s *State) Remember(line string) {
	s.Memory = append(s.Memory, line)
	if len(s.Memory) > MemoryLimit {
		s.Memory = s.Memory[len(s.Memory)-MemoryLimit:]
	}
}

type entry struct {
	mu       sync.Mutex
	state    *State
	lastUsed time.Time
}

// Registry — карта контекстов с ленивым созданием и janitor'ом.
type Registry struct {
	idle time.Duration
	log  zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// New создаёт реестр. idle — таймаут простоя до вытеснения.
func New(idle time.Duration) *Registry {
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	return &Registry{
		idle:    idle,
		log:     logging.WithComponent("registry"),
		entries: make(map[string]*entry),
	}
}

// Acquire берёт эксклюзивную блокировку контекста и возвращает его
// состояние вместе с функцией освобождения. Состояние создаётся лениво.
func (r *Registry) Acquire(key string) (*State, func()) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{state: &State{
			Cooldowns: make(map[string]time.Time),
			Flags:     make(map[string]bool),
		}}
		r.entries[key] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	e.lastUsed = time.Now()
	return e.state, e.mu.Unlock
}

// Len — сколько контекстов живо (для тестов и !status).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// InvalidateAll сбрасывает все контексты. Используется политикой
// session.reset_state_on_resume_failure.
func (r *Registry) InvalidateAll() {
	r.mu.Lock()
	n := len(r.entries)
	r.entries = make(map[string]*entry)
	r.mu.Unlock()
	if n > 0 {
		r.log.Info().Int("contexts", n).Msg("context state invalidated")
	}
}

// Evict выкидывает контексты, простаивающие дольше idle. Занятые
// (залоченные) контексты не трогаем.
func (r *Registry) Evict() int {
	cutoff := time.Now().Add(-r.idle)
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for key, e := range r.entries {
		if !e.mu.TryLock() {
			continue
		}
		stale := e.lastUsed.Before(cutoff)
		e.mu.Unlock()
		if stale {
			delete(r.entries, key)
			evicted++
		}
	}
	return evicted
}

// RunJanitor периодически вытесняет простаивающие контексты,
// пока ctx не отменён.
func (r *Registry) RunJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if n := r.Evict(); n > 0 {
				r.log.Debug().Int("evicted", n).Msg("idle contexts evicted")
			}
		}
	}
}
