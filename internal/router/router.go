// Package router демультиплексирует входящие события по типу.
// Событие раздаётся всем обработчикам типа в порядке регистрации;
// падение одного обработчика не мешает остальным. События одного
// origin-контекста обрабатываются строго по порядку прихода, разные
// контексты идут полностью параллельно.
package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/EgorLis/Koabot/internal/gateway"
	"github.com/EgorLis/Koabot/internal/logging"
)

// Handler обрабатывает одно событие. Ошибка логируется и изолируется.
type Handler func(ctx context.Context, ev *gateway.Event) error

type registration struct {
	name string
	fn   Handler
}

// Router — реестр обработчиков по типу события.
type Router struct {
	log zerolog.Logger

	mu       sync.RWMutex
	handlers map[string][]registration
	tails    map[string]chan struct{} // хвост очереди каждого контекста

	wg sync.WaitGroup
}

// New создаёт пустой роутер.
func New() *Router {
	return &Router{
		log:      logging.WithComponent("router"),
		handlers: make(map[string][]registration),
		tails:    make(map[string]chan struct{}),
	}
}

// Register добавляет обработчик для типа события. name — для логов.
func (r *Router) Register(eventType, name string, fn Handler) {
	r.mu.Lock()
	r.handlers[eventType] = append(r.handlers[eventType], registration{name: name, fn: fn})
	r.mu.Unlock()
}

// Dispatch ставит событие в очередь его контекста и возвращается сразу.
// Порядок внутри контекста — порядок вызовов Dispatch.
func (r *Router) Dispatch(ctx context.Context, ev *gateway.Event) {
	r.mu.RLock()
	regs := r.handlers[ev.Type]
	r.mu.RUnlock()
	if len(regs) == 0 {
		// незарегистрированные типы молча отбрасываем
		r.log.Debug().Str("event", ev.Type).Msg("no handlers, event dropped")
		return
	}

	key := ev.Origin.Key()
	done := make(chan struct{})

	r.mu.Lock()
	prev := r.tails[key]
	r.tails[key] = done
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(done)

		// дожидаемся предыдущего события этого контекста
		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
				return
			}
		}

		r.fanout(ctx, regs, ev)

		// если мы всё ещё хвост — чистим за собой
		r.mu.Lock()
		if r.tails[key] == done {
			delete(r.tails, key)
		}
		r.mu.Unlock()
	}()
}

// fanout зовёт обработчики по порядку регистрации, глотая панику и
// ошибки каждого по отдельности.
func (r *Router) fanout(ctx context.Context, regs []registration, ev *gateway.Event) {
	for _, reg := range regs {
		if err := r.invoke(ctx, reg, ev); err != nil {
			r.log.Error().Err(err).
				Str("event", ev.Type).
				Str("handler", reg.name).
				Msg("event handler failed")
		}
	}
}

func (r *Router) invoke(ctx context.Context, reg registration, ev *gateway.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return reg.fn(ctx, ev)
}

// Wait дожидается завершения всех поставленных событий (для тестов и
// мягкой остановки).
func (r *Router) Wait() {
	r.wg.Wait()
}
