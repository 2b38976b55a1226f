package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/EgorLis/Koabot/internal/command"
	"github.com/EgorLis/Koabot/internal/dispatch"
	"github.com/EgorLis/Koabot/internal/gateway"
	"github.com/EgorLis/Koabot/internal/logging"
	"github.com/EgorLis/Koabot/internal/options"
	"github.com/EgorLis/Koabot/internal/ratelimit"
	"github.com/EgorLis/Koabot/internal/registry"
	"github.com/EgorLis/Koabot/internal/router"
)

// Bot — собранное ядро. Создаётся через New, живёт в Run.
type Bot struct {
	opts  *options.Manager
	lim   *ratelimit.Limiter
	reg   *registry.Registry
	table *command.Table
	res   *command.Resolver
	sched *dispatch.Scheduler
	rt    *router.Router
	gw    *gateway.Session
	log   zerolog.Logger

	exts     map[string]Extension
	extOrder []string

	fatal     chan error
	startedAt time.Time
}

// New собирает бота из опций. Опции должны быть объявлены
// (RegisterOptions) и загружены до вызова.
func New(m *options.Manager) *Bot {
	b := &Bot{
		opts:  m,
		log:   logging.WithComponent("bot"),
		exts:  make(map[string]Extension),
		fatal: make(chan error, 1),
	}

	b.lim = ratelimit.New(ratelimit.Config{
		Classes: map[string]ratelimit.Class{
			"messages": {Rate: rate.Limit(m.Int("rate.messages")), Burst: m.Int("rate.messages_burst")},
			"gateway":  {Rate: rate.Limit(m.Int("rate.gateway")), Burst: m.Int("rate.gateway_burst")},
		},
		Default: ratelimit.Class{Rate: rate.Limit(m.Int("rate.default")), Burst: m.Int("rate.default_burst")},
	})

	b.reg = registry.New(m.Duration("registry.idle"))

	b.table = command.NewTable()
	b.registerBuiltins()
	b.res = command.NewResolver(b.table, m.String("command_prefix"))

	b.sched = dispatch.New(dispatch.Config{
		Timeout: m.Duration("dispatch.timeout"),
		Grace:   m.Duration("dispatch.grace"),
	}, b.reg, b.reply)

	b.rt = router.New()
	b.rt.Register("message", "commands", b.handleCommandEvent)
	b.rt.Register("message", "memory", b.rememberAmbient)
	b.rt.Register("interaction", "commands", b.handleCommandEvent)

	b.gw = gateway.New(gateway.Config{
		URL:                       m.String("gateway.url"),
		Token:                     m.String("token"),
		Properties:                map[string]string{"client": "koabot"},
		BackoffMin:                m.Duration("gateway.backoff_min"),
		BackoffMax:                m.Duration("gateway.backoff_max"),
		MaxRetries:                m.Int("gateway.max_retries"),
		HandshakeTimeout:          m.Duration("gateway.handshake_timeout"),
		ResetStateOnResumeFailure: m.Bool("session.reset_state_on_resume_failure"),
	}, b.lim)

	b.gw.OnConnecting = func() { b.log.Info().Msg("connecting to gateway") }
	b.gw.OnConnected = func(resumed bool) {
		b.log.Info().Bool("resumed", resumed).Str("session_id", b.gw.SessionID()).Msg("gateway connected")
	}
	b.gw.OnEvent = func(ev *gateway.Event) { b.rt.Dispatch(context.Background(), ev) }
	b.gw.OnError = func(err error) { b.log.Warn().Err(err).Msg("gateway error") }
	b.gw.OnDisconnected = func() { b.log.Info().Msg("gateway disconnected") }
	b.gw.OnInvalidated = b.reg.InvalidateAll
	b.gw.OnFatal = func(err error) {
		select {
		case b.fatal <- err:
		default:
		}
	}

	// смена log.level применяется на лету
	_ = m.Subscribe(func([]string) {
		if err := logging.SetLevel(m.String("log.level")); err != nil {
			b.log.Warn().Err(err).Msg("bad log level")
		}
	}, "log.level")

	return b
}

// Run подключается к шлюзу и блокируется до отмены ctx или фатальной
// ошибки сессии. Останавливает всё за собой.
func (b *Bot) Run(ctx context.Context) error {
	if b.opts.String("token") == "" {
		return errors.New("bot: token is not set")
	}
	b.startedAt = time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := b.gw.Connect(ctx); err != nil {
		return fmt.Errorf("bot: connect: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.reg.RunJanitor(gctx, b.opts.Duration("registry.janitor_every"))
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-b.fatal:
			return err
		}
	})

	err := g.Wait()

	b.gw.Disconnect()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if cerr := b.sched.Close(stopCtx); cerr != nil {
		b.log.Warn().Err(cerr).Msg("handlers did not stop in time")
	}
	b.rt.Wait()
	b.closeExtensions()
	return err
}

// handleCommandEvent — событие в вызов: резолв, ответ на ошибки
// резолва, постановка в планировщик.
func (b *Bot) handleCommandEvent(_ context.Context, ev *gateway.Event) error {
	inv, err := b.res.Resolve(ev)
	if err != nil {
		b.replyResolveError(ev, err)
		return nil // ошибка резолва уже отвечена пользователю
	}
	if inv == nil {
		return nil
	}
	b.sched.Submit(inv)
	return nil
}

// rememberAmbient дописывает обычные сообщения в память контекста.
func (b *Bot) rememberAmbient(_ context.Context, ev *gateway.Event) error {
	text := ev.Text()
	if text == "" || strings.HasPrefix(text, b.opts.String("command_prefix")) {
		return nil
	}
	st, release := b.reg.Acquire(ev.Origin.Key())
	st.Remember(fmt.Sprintf("%s: %s", ev.Origin.UserID, text))
	release()
	return nil
}

func (b *Bot) replyResolveError(ev *gateway.Event, err error) {
	var perr *command.ArgumentParseError
	switch {
	case errors.Is(err, command.ErrUnknownCommand):
		b.reply(ev.Origin, "unknown command. try !help")
	case errors.Is(err, command.ErrInsufficientCapability):
		b.reply(ev.Origin, "you are not allowed to do that.")
	case errors.As(err, &perr):
		msg := perr.Reason
		if d := b.table.Lookup(perr.Command); d != nil {
			msg += ". usage: " + b.opts.String("command_prefix") + d.Usage()
		}
		b.reply(ev.Origin, msg)
	default:
		b.log.Error().Err(err).Msg("resolve failed")
	}
}

// reply шлёт текст в канал происхождения. Асинхронно: лимитер может
// придержать отправку, ждать здесь нельзя.
func (b *Bot) reply(origin gateway.Origin, text string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := b.gw.Request(ctx, "messages:"+origin.ChannelID, map[string]string{
			"channel_id": origin.ChannelID,
			"content":    text,
		}, nil)
		if err != nil {
			b.log.Warn().Err(err).Str("channel_id", origin.ChannelID).Msg("reply failed")
		}
	}()
}
