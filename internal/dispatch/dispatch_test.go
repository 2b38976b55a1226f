package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EgorLis/Koabot/internal/command"
	"github.com/EgorLis/Koabot/internal/gateway"
	"github.com/EgorLis/Koabot/internal/registry"
)

type replyLog struct {
	mu   sync.Mutex
	msgs []string
}

func (r *replyLog) fn(_ gateway.Origin, text string) {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
}

func (r *replyLog) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func invocation(desc *command.Descriptor) *command.Invocation {
	return &command.Invocation{
		ID:     uuid.New(),
		Desc:   desc,
		Origin: gateway.Origin{GuildID: "g1", ChannelID: "c1", UserID: "u1"},
	}
}

func scheduler(t *testing.T, cfg Config, reply ReplyFunc) *Scheduler {
	t.Helper()
	s := New(cfg, registry.New(time.Minute), reply)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func TestCooldownBlocksRepeatWithinWindow(t *testing.T) {
	s := scheduler(t, Config{}, nil)

	var runs atomic.Int32
	desc := &command.Descriptor{
		Name:     "roll",
		Cooldown: 80 * time.Millisecond,
		Handler: func(context.Context, *command.Invocation, *registry.State, command.Reply) error {
			runs.Add(1)
			return nil
		},
	}

	require.NoError(t, s.execute(invocation(desc)))

	err := s.execute(invocation(desc))
	var cdErr *CooldownError
	require.ErrorAs(t, err, &cdErr)
	assert.Equal(t, "roll", cdErr.Command)
	assert.Positive(t, cdErr.Remaining)
	assert.Equal(t, int32(1), runs.Load(), "handler must not run on cooldown")

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, s.execute(invocation(desc)))
	assert.Equal(t, int32(2), runs.Load())
}

func TestHandlerErrorIsWrapped(t *testing.T) {
	s := scheduler(t, Config{}, nil)

	boom := errors.New("storage unavailable")
	desc := &command.Descriptor{
		Name: "recall",
		Handler: func(context.Context, *command.Invocation, *registry.State, command.Reply) error {
			return boom
		},
	}

	err := s.execute(invocation(desc))
	var hErr *HandlerError
	require.ErrorAs(t, err, &hErr)
	assert.ErrorIs(t, err, boom)
}

func TestHandlerPanicIsolated(t *testing.T) {
	s := scheduler(t, Config{}, nil)

	desc := &command.Descriptor{
		Name: "echo",
		Handler: func(context.Context, *command.Invocation, *registry.State, command.Reply) error {
			panic("nil map write")
		},
	}

	err := s.execute(invocation(desc))
	var hErr *HandlerError
	require.ErrorAs(t, err, &hErr)
	assert.Contains(t, err.Error(), "panic")
}

func TestHandlerTimeoutWithGrace(t *testing.T) {
	s := scheduler(t, Config{Timeout: 30 * time.Millisecond, Grace: 20 * time.Millisecond}, nil)

	block := make(chan struct{})
	defer close(block)
	desc := &command.Descriptor{
		Name: "stuck",
		Handler: func(context.Context, *command.Invocation, *registry.State, command.Reply) error {
			<-block // игнорирует отмену
			return nil
		},
	}

	start := time.Now()
	err := s.execute(invocation(desc))
	var toErr *TimeoutError
	require.ErrorAs(t, err, &toErr)
	assert.Equal(t, "stuck", toErr.Command)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond, "grace must be waited out")
}

func TestWellBehavedHandlerStopsOnCancel(t *testing.T) {
	s := scheduler(t, Config{Timeout: 20 * time.Millisecond, Grace: time.Second}, nil)

	desc := &command.Descriptor{
		Name: "polite",
		Handler: func(ctx context.Context, _ *command.Invocation, _ *registry.State, _ command.Reply) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}

	err := s.execute(invocation(desc))
	var toErr *TimeoutError
	require.ErrorAs(t, err, &toErr, "handler returning ctx.Err() is still a timeout")
}

func TestSubmitRepliesOnFailure(t *testing.T) {
	replies := &replyLog{}
	s := scheduler(t, Config{}, replies.fn)

	desc := &command.Descriptor{
		Name:     "ask",
		Cooldown: time.Minute,
		Handler: func(context.Context, *command.Invocation, *registry.State, command.Reply) error {
			return nil
		},
	}

	s.Submit(invocation(desc))
	s.Submit(invocation(desc)) // попадёт в кулдаун

	deadline := time.Now().Add(2 * time.Second)
	for len(replies.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	msgs := replies.all()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "try ask again in")
}

func TestSameContextInvocationsSerialized(t *testing.T) {
	s := scheduler(t, Config{Timeout: time.Second}, nil)

	var inside, overlaps atomic.Int32
	desc := &command.Descriptor{
		Name: "slow",
		Handler: func(context.Context, *command.Invocation, *registry.State, command.Reply) error {
			if inside.Add(1) > 1 {
				overlaps.Add(1)
			}
			time.Sleep(10 * time.Millisecond)
			inside.Add(-1)
			return nil
		},
	}

	for i := 0; i < 5; i++ {
		s.Submit(invocation(desc))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
	assert.Zero(t, overlaps.Load(), "same context must never run two handlers at once")
}

// Инвариант: пока брошенный обработчик жив, замок контекста остаётся
// у него — следующий вызов того же контекста ждёт, а не пишет в
// состояние наперегонки.
func TestAbandonedHandlerKeepsContextLock(t *testing.T) {
	s := scheduler(t, Config{Timeout: 20 * time.Millisecond, Grace: 10 * time.Millisecond}, nil)

	stop := make(chan struct{})
	stuck := &command.Descriptor{
		Name: "stuck",
		Handler: func(_ context.Context, _ *command.Invocation, st *registry.State, _ command.Reply) error {
			for {
				select {
				case <-stop:
					return nil
				default:
					st.Remember("tick") // мутирует состояние и после таймаута
					time.Sleep(time.Millisecond)
				}
			}
		},
	}
	var secondRan atomic.Bool
	next := &command.Descriptor{
		Name: "next",
		Handler: func(_ context.Context, _ *command.Invocation, st *registry.State, _ command.Reply) error {
			secondRan.Store(true)
			st.Remember("next")
			return nil
		},
	}

	err := s.execute(invocation(stuck))
	var toErr *TimeoutError
	require.ErrorAs(t, err, &toErr, "stuck handler must be reported as timeout")

	nextDone := make(chan error, 1)
	go func() { nextDone <- s.execute(invocation(next)) }()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, secondRan.Load(), "next invocation must queue behind the abandoned handler")

	close(stop)
	require.NoError(t, <-nextDone)
	assert.True(t, secondRan.Load())
}

// Вызовы одного контекста исполняются в порядке Submit.
func TestSubmitPreservesPerContextOrder(t *testing.T) {
	s := scheduler(t, Config{Timeout: time.Second}, nil)

	var mu sync.Mutex
	var order []string
	desc := &command.Descriptor{
		Name: "seq",
		Handler: func(_ context.Context, inv *command.Invocation, _ *registry.State, _ command.Reply) error {
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, inv.Raw)
			mu.Unlock()
			return nil
		},
	}

	want := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		inv := invocation(desc)
		inv.Raw = string(rune('a' + i))
		want = append(want, inv.Raw)
		s.Submit(inv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
	assert.Equal(t, want, order, "same-context invocations must run in submit order")
}

func TestCloseCancelsInflight(t *testing.T) {
	s := New(Config{Timeout: time.Minute}, registry.New(time.Minute), nil)

	started := make(chan struct{})
	canceled := make(chan struct{})
	desc := &command.Descriptor{
		Name: "waiter",
		Handler: func(ctx context.Context, _ *command.Invocation, _ *registry.State, _ command.Reply) error {
			close(started)
			<-ctx.Done()
			close(canceled)
			return ctx.Err()
		},
	}

	s.Submit(invocation(desc))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))

	select {
	case <-canceled:
	default:
		t.Fatal("in-flight handler was not canceled on Close")
	}
}
