// Package dispatch исполняет вызовы команд: по одному на контекст,
// с кулдаунами, таймаутом обработчика и изоляцией ошибок. Исход каждого
// вызова превращается в дружелюбный ответ пользователю; подробности
// уходят в лог.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/EgorLis/Koabot/internal/command"
	"github.com/EgorLis/Koabot/internal/gateway"
	"github.com/EgorLis/Koabot/internal/logging"
	"github.com/EgorLis/Koabot/internal/registry"
)

// CooldownError — команда вызвана повторно до истечения кулдауна.
type CooldownError struct {
	Command   string
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("dispatch: %s on cooldown for %s", e.Command, e.Remaining.Round(time.Second))
}

// TimeoutError — обработчик не уложился в бюджет времени.
type TimeoutError struct {
	Command string
	Budget  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("dispatch: %s timed out after %s", e.Command, e.Budget)
}

// HandlerError — обработчик вернул ошибку или запаниковал.
type HandlerError struct {
	Command string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("dispatch: %s failed: %v", e.Command, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// ReplyFunc шлёт текст в контекст происхождения вызова.
type ReplyFunc func(origin gateway.Origin, text string)

// Config — бюджеты исполнения.
type Config struct {
	// Timeout — сколько времени даём обработчику.
	Timeout time.Duration
	// Grace — сколько ждём после отмены контекста, прежде чем бросить
	// горутину обработчика доживать самостоятельно.
	Grace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 5 * time.Second
	}
	return c
}

// Scheduler принимает вызовы и исполняет их асинхронно. Блокировка
// контекста берётся у реестра, так что два вызова из одного канала
// никогда не бегут одновременно.
type Scheduler struct {
	cfg   Config
	reg   *registry.Registry
	reply ReplyFunc
	log   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tmu   sync.Mutex
	tails map[string]chan struct{} // хвост очереди вызовов каждого контекста
}

// New создаёт планировщик поверх реестра состояний.
func New(cfg Config, reg *registry.Registry, reply ReplyFunc) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg.withDefaults(),
		reg:    reg,
		reply:  reply,
		log:    logging.WithComponent("dispatch"),
		ctx:    ctx,
		cancel: cancel,
		tails:  make(map[string]chan struct{}),
	}
}

// Submit ставит вызов в очередь его контекста и возвращается сразу.
// Вызовы одного контекста исполняются в порядке Submit: мьютекс реестра
// не FIFO, поэтому порядок держим сцепленными done-каналами, как в
// роутере.
func (s *Scheduler) Submit(inv *command.Invocation) {
	key := inv.Origin.Key()
	done := make(chan struct{})

	s.tmu.Lock()
	prev := s.tails[key]
	s.tails[key] = done
	s.tmu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)

		if prev != nil {
			select {
			case <-prev:
			case <-s.ctx.Done():
				s.report(inv, context.Canceled)
				return
			}
		}

		err := s.execute(inv)
		s.report(inv, err)

		s.tmu.Lock()
		if s.tails[key] == done {
			delete(s.tails, key)
		}
		s.tmu.Unlock()
	}()
}

// execute держит блокировку контекста, пока обработчик жив — даже если
// тот пережил свой таймаут: брошенная горутина всё ещё держит указатель
// на состояние, и отпустить замок раньше её завершения значило бы
// позволить двум обработчикам мутировать контекст одновременно.
func (s *Scheduler) execute(inv *command.Invocation) error {
	st, release := s.reg.Acquire(inv.Origin.Key())

	// кулдаун проверяем под блокировкой, до запуска обработчика
	if cd := inv.Desc.Cooldown; cd > 0 {
		if until, ok := st.Cooldowns[inv.Desc.Name]; ok && time.Now().Before(until) {
			release()
			return &CooldownError{Command: inv.Desc.Name, Remaining: time.Until(until)}
		}
		st.Cooldowns[inv.Desc.Name] = time.Now().Add(cd)
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout)
	defer cancel()

	reply := func(text string) {
		if s.reply != nil {
			s.reply(inv.Origin, text)
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- s.invoke(ctx, inv, st, reply)
	}()

	select {
	case err := <-done:
		release()
		return s.outcome(ctx, inv, err)
	case <-ctx.Done():
	}

	// контекст отменён: даём обработчику grace на выход, потом бросаем.
	// Замок уходит вместе с горутиной: следующие вызовы этого контекста
	// встанут в очередь за зависшим обработчиком, а не наперегонки с ним.
	select {
	case err := <-done:
		release()
		return s.outcome(ctx, inv, err)
	case <-time.After(s.cfg.Grace):
		s.log.Warn().
			Str("command", inv.Desc.Name).
			Str("invocation_id", inv.ID.String()).
			Msg("handler did not stop after cancel, abandoning goroutine")
		go func() {
			<-done
			release()
		}()
	}
	if s.ctx.Err() != nil {
		return context.Canceled // остановка планировщика, не вина обработчика
	}
	return &TimeoutError{Command: inv.Desc.Name, Budget: s.cfg.Timeout}
}

// outcome классифицирует возврат обработчика: контекстные ошибки при
// отменённом контексте — это таймаут или остановка, остальное — ошибка
// самого обработчика.
func (s *Scheduler) outcome(ctx context.Context, inv *command.Invocation, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if s.ctx.Err() != nil {
			return context.Canceled
		}
		if ctx.Err() != nil {
			return &TimeoutError{Command: inv.Desc.Name, Budget: s.cfg.Timeout}
		}
	}
	return &HandlerError{Command: inv.Desc.Name, Err: err}
}

func (s *Scheduler) invoke(ctx context.Context, inv *command.Invocation, st *registry.State, reply command.Reply) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return inv.Desc.Handler(ctx, inv, st, reply)
}

// report переводит исход в метрики, лог и ответ пользователю.
func (s *Scheduler) report(inv *command.Invocation, err error) {
	ev := s.log.Info()
	status := "ok"
	var userMsg string

	var cdErr *CooldownError
	var toErr *TimeoutError
	var hErr *HandlerError
	switch {
	case err == nil:
	case errors.As(err, &cdErr):
		// кулдаун — не ошибка, просто слишком часто
		status = "cooldown"
		userMsg = fmt.Sprintf("easy there, try %s again in %s.",
			inv.Desc.Name, cdErr.Remaining.Round(time.Second))
	case errors.As(err, &toErr):
		status = "timeout"
		userMsg = fmt.Sprintf("%s is taking too long, gave up.", inv.Desc.Name)
		ev = s.log.Error().Err(err)
		timeoutsTotal.Inc()
	case errors.Is(err, context.Canceled):
		status = "canceled"
	case errors.As(err, &hErr):
		status = "error"
		userMsg = fmt.Sprintf("%s failed, sorry. details are in the log.", inv.Desc.Name)
		ev = s.log.Error().Err(err)
		errorsTotal.Inc()
	default:
		status = "error"
		ev = s.log.Error().Err(err)
		errorsTotal.Inc()
	}

	commandsTotal.WithLabelValues(inv.Desc.Name, status).Inc()
	ev.Str("command", inv.Desc.Name).
		Str("invocation_id", inv.ID.String()).
		Str("context", inv.Origin.Key()).
		Str("status", status).
		Msg("invocation finished")

	if userMsg != "" && s.reply != nil {
		s.reply(inv.Origin, userMsg)
	}
}

// Close отменяет все исполняемые вызовы и ждёт их завершения, но не
// дольше ctx.
func (s *Scheduler) Close(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
