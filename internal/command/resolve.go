package command

import (
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/EgorLis/Koabot/internal/gateway"
	"github.com/EgorLis/Koabot/internal/logging"
)

// Resolver превращает входящие события в вызовы команд.
// Обычный текст без префикса — не ошибка: (nil, nil).
type Resolver struct {
	table  *Table
	prefix string
	log    zerolog.Logger
}

// NewResolver создаёт резолвер с текстовым префиксом команд ("!").
func NewResolver(table *Table, prefix string) *Resolver {
	return &Resolver{
		table:  table,
		prefix: prefix,
		log:    logging.WithComponent("command"),
	}
}

// Resolve разбирает событие: находит команду, проверяет аргументы по
// схеме и права отправителя. Для событий, не являющихся командами,
// возвращает (nil, nil).
func (r *Resolver) Resolve(ev *gateway.Event) (*Invocation, error) {
	switch ev.Type {
	case "message":
		return r.resolveText(ev)
	case "interaction":
		return r.resolveStruct(ev)
	default:
		return nil, nil
	}
}

// resolveText — текстовая поверхность: "!имя арг1 арг2 key=value".
func (r *Resolver) resolveText(ev *gateway.Event) (*Invocation, error) {
	text := strings.TrimSpace(ev.Text())
	if text == "" || !strings.HasPrefix(text, r.prefix) {
		return nil, nil // обычная болтовня
	}

	body := strings.TrimSpace(strings.TrimPrefix(text, r.prefix))
	name, rest, _ := strings.Cut(body, " ")
	if name == "" {
		return nil, nil
	}

	desc := r.table.Lookup(name)
	if desc == nil {
		return nil, ErrUnknownCommand
	}

	args, err := parseText(desc, splitTokens(rest))
	if err != nil {
		return nil, err
	}
	if Capability(ev.Level) < desc.Capability {
		return nil, ErrInsufficientCapability
	}

	inv := r.invocation(desc, args, ev, text)
	r.log.Debug().
		Str("command", desc.Name).
		Str("invocation_id", inv.ID.String()).
		Str("context", ev.Origin.Key()).
		Msg("command resolved")
	return inv, nil
}

// resolveStruct — структурная поверхность: имя и типизированные
// аргументы приходят полями нагрузки.
func (r *Resolver) resolveStruct(ev *gateway.Event) (*Invocation, error) {
	name := ev.Field("command")
	if name == "" {
		return nil, nil
	}

	desc := r.table.Lookup(name)
	if desc == nil {
		return nil, ErrUnknownCommand
	}

	var fields map[string]*structpb.Value
	if ev.Payload != nil {
		fields = ev.Payload.GetFields()["args"].GetStructValue().GetFields()
	}
	args, err := parseStruct(desc, fields)
	if err != nil {
		return nil, err
	}
	if Capability(ev.Level) < desc.Capability {
		return nil, ErrInsufficientCapability
	}
	return r.invocation(desc, args, ev, name), nil
}

func (r *Resolver) invocation(desc *Descriptor, args Args, ev *gateway.Event, raw string) *Invocation {
	return &Invocation{
		ID:     uuid.New(),
		Desc:   desc,
		Args:   args,
		Origin: ev.Origin,
		Level:  Capability(ev.Level),
		Raw:    raw,
	}
}
