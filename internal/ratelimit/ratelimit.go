// Package ratelimit — токен-бакеты для исходящих вызовов.
// Один бакет на ключ (ключ вида "class:resource", класс определяет
// ёмкость и скорость пополнения). Реальные лимиты узнаются из ответов
// удалённой стороны: при 429 бакет штрафуется на retry-after, и никто
// из ожидающих не проснётся раньше срока.
package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimitTimeout — вызывающий не дождался токена за свой таймаут.
var ErrRateLimitTimeout = errors.New("ratelimit: timed out waiting for token")

// Class — ёмкость и скорость пополнения для класса бакетов.
type Class struct {
	Rate  rate.Limit // токенов в секунду
	Burst int        // ёмкость бакета
}

// Config задаёт классы бакетов. Класс берётся из ключа до первого ':'
// ("messages:123" -> класс "messages"), иначе Default.
type Config struct {
	Classes map[string]Class
	Default Class
	// Как часто выкидывать простаивающие бакеты.
	CleanupInterval time.Duration
}

// DefaultConfig — разумные значения по умолчанию.
func DefaultConfig() Config {
	return Config{
		Classes: map[string]Class{
			"messages": {Rate: 5, Burst: 5},
			"gateway":  {Rate: 1, Burst: 1},
		},
		Default:         Class{Rate: 10, Burst: 10},
		CleanupInterval: 5 * time.Minute,
	}
}

type bucket struct {
	lim *rate.Limiter

	mu        sync.Mutex
	notBefore time.Time // штраф от 429: раньше этого момента не отпускаем
	lastUsed  time.Time
}

// Limiter управляет множеством бакетов.
type Limiter struct {
	cfg Config

	mu          sync.Mutex
	buckets     map[string]*bucket
	lastCleanup time.Time
}

// New создаёт лимитер с данной конфигурацией.
func New(cfg Config) *Limiter {
	if cfg.Default.Burst <= 0 {
		cfg.Default = DefaultConfig().Default
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	return &Limiter{
		cfg:         cfg,
		buckets:     make(map[string]*bucket),
		lastCleanup: time.Now(),
	}
}

// Acquire блокирует вызывающую горутину, пока бакет не выдаст токен
// или не истечёт ctx. Таймаут вызывающего -> ErrRateLimitTimeout.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	b := l.bucket(key)

	r := b.lim.Reserve()
	if !r.OK() {
		return ErrRateLimitTimeout
	}
	if err := sleepCtx(ctx, r.Delay()); err != nil {
		r.Cancel()
		return err
	}

	// пока ждали токен, мог прилететь 429 — перепроверяем штраф
	for {
		b.mu.Lock()
		wait := time.Until(b.notBefore)
		b.mu.Unlock()
		if wait <= 0 {
			return nil
		}
		if err := sleepCtx(ctx, wait); err != nil {
			// токен не использован — возвращаем его в бакет
			r.Cancel()
			return err
		}
	}
}

// Penalize применяет retry-after из ответа 429: сдвигает горизонт
// пополнения бакета, задерживая и очередь, и новых вызывающих.
func (l *Limiter) Penalize(key string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}
	b := l.bucket(key)
	b.mu.Lock()
	nb := time.Now().Add(retryAfter)
	if nb.After(b.notBefore) {
		b.notBefore = nb
	}
	b.mu.Unlock()
}

// Update подстраивает бакет под метаданные ответа (remaining/reset):
// если удалённая сторона говорит, что токенов осталось меньше, чем мы
// думаем, — сливаем лишние.
func (l *Limiter) Update(key string, remaining int, resetAfter time.Duration) {
	b := l.bucket(key)
	if remaining <= 0 && resetAfter > 0 {
		b.mu.Lock()
		nb := time.Now().Add(resetAfter)
		if nb.After(b.notBefore) {
			b.notBefore = nb
		}
		b.mu.Unlock()
	}
}

func (l *Limiter) class(key string) Class {
	name := key
	if i := strings.IndexByte(key, ':'); i > 0 {
		name = key[:i]
	}
	if c, ok := l.cfg.Classes[name]; ok {
		return c
	}
	return l.cfg.Default
}

func (l *Limiter) bucket(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		c := l.class(key)
		b = &bucket{lim: rate.NewLimiter(c.Rate, c.Burst)}
		l.buckets[key] = b
	}
	b.mu.Lock()
	b.lastUsed = time.Now()
	b.mu.Unlock()

	l.maybeCleanup()
	return b
}

// maybeCleanup выкидывает давно не использовавшиеся бакеты.
// Вызывается под l.mu.
func (l *Limiter) maybeCleanup() {
	if time.Since(l.lastCleanup) < l.cfg.CleanupInterval {
		return
	}
	cutoff := time.Now().Add(-l.cfg.CleanupInterval)
	for key, b := range l.buckets {
		b.mu.Lock()
		stale := b.lastUsed.Before(cutoff) && b.notBefore.Before(time.Now())
		b.mu.Unlock()
		if stale {
			delete(l.buckets, key)
		}
	}
	l.lastCleanup = time.Now()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrRateLimitTimeout
		}
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
