// Package command — таблица команд и резолвер входящих событий в
// готовые к исполнению вызовы. Таблица наполняется при старте внешними
// модулями и после регистрации только читается.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EgorLis/Koabot/internal/gateway"
	"github.com/EgorLis/Koabot/internal/registry"
)

var (
	// ErrUnknownCommand — ни имя, ни алиас не зарегистрированы.
	ErrUnknownCommand = errors.New("command: unknown command")
	// ErrInsufficientCapability — уровень прав вызывающего ниже требуемого.
	ErrInsufficientCapability = errors.New("command: insufficient capability")
)

// ArgumentParseError — аргументы не прошли схему. Index — позиция
// проблемного аргумента (0-based).
type ArgumentParseError struct {
	Command string
	Index   int
	Reason  string
}

func (e *ArgumentParseError) Error() string {
	return fmt.Sprintf("command %s: argument %d: %s", e.Command, e.Index, e.Reason)
}

// Capability — уровень прав, требуемый командой / имеющийся у отправителя.
type Capability int

const (
	CapEveryone Capability = iota
	CapTrusted
	CapModerator
	CapAdmin
)

func (c Capability) String() string {
	switch c {
	case CapEveryone:
		return "everyone"
	case CapTrusted:
		return "trusted"
	case CapModerator:
		return "moderator"
	case CapAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ArgKind — тип аргумента схемы.
type ArgKind int

const (
	ArgString ArgKind = iota
	ArgInt
	ArgBool
	ArgDuration
)

// ArgSpec — один аргумент схемы команды.
type ArgSpec struct {
	Name     string
	Kind     ArgKind
	Required bool
	// Greedy — последний позиционный аргумент забирает весь хвост
	// строки ("!say всё что угодно").
	Greedy bool
	// Named — аргумент передаётся как name=value в любом месте.
	Named bool
}

// Reply отправляет ответ в контекст происхождения вызова.
type Reply func(text string)

// Handler — тело команды. Состояние контекста уже под блокировкой.
type Handler func(ctx context.Context, inv *Invocation, st *registry.State, reply Reply) error

// Descriptor — зарегистрированная команда. После регистрации не меняется.
type Descriptor struct {
	Name       string
	Aliases    []string
	Help       string
	Args       []ArgSpec
	Capability Capability
	Cooldown   time.Duration
	Handler    Handler
}

// Usage — короткая подсказка по аргументам для !help и ошибок разбора.
func (d *Descriptor) Usage() string {
	var b strings.Builder
	b.WriteString(d.Name)
	for _, a := range d.Args {
		b.WriteByte(' ')
		l, r := "<", ">"
		if !a.Required {
			l, r = "[", "]"
		}
		switch {
		case a.Named:
			fmt.Fprintf(&b, "%s%s=...%s", l, a.Name, r)
		case a.Greedy:
			fmt.Fprintf(&b, "%s%s...%s", l, a.Name, r)
		default:
			fmt.Fprintf(&b, "%s%s%s", l, a.Name, r)
		}
	}
	return b.String()
}

// Invocation — команда, связанная с аргументами и контекстом.
// Создаётся на событие, исполняется планировщиком один раз.
type Invocation struct {
	ID     uuid.UUID
	Desc   *Descriptor
	Args   Args
	Origin gateway.Origin
	Level  Capability
	Raw    string
}

// Table — реестр команд. Lookup по точному имени, затем по алиасу.
type Table struct {
	mu     sync.RWMutex
	byName map[string]*Descriptor
	names  []string // порядок регистрации, для !help
}

// NewTable создаёт пустую таблицу.
func NewTable() *Table {
	return &Table{byName: make(map[string]*Descriptor)}
}

// Register добавляет команду, валидируя схему и конфликты имён.
func (t *Table) Register(d *Descriptor) error {
	if d.Name == "" {
		return errors.New("command: empty name")
	}
	if d.Handler == nil {
		return fmt.Errorf("command %s: nil handler", d.Name)
	}
	if err := validateArgs(d); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	keys := append([]string{d.Name}, d.Aliases...)
	for _, k := range keys {
		k = strings.ToLower(k)
		if _, exists := t.byName[k]; exists {
			return fmt.Errorf("command: %q already registered", k)
		}
	}
	for _, k := range keys {
		t.byName[strings.ToLower(k)] = d
	}
	t.names = append(t.names, d.Name)
	return nil
}

// MustRegister — Register с паникой: таблица собирается при старте,
// конфликт имён это ошибка программиста.
func (t *Table) MustRegister(d *Descriptor) {
	if err := t.Register(d); err != nil {
		panic(err)
	}
}

// Lookup ищет дескриптор по имени или алиасу, nil если нет.
func (t *Table) Lookup(name string) *Descriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byName[strings.ToLower(name)]
}

// Names — имена команд в порядке регистрации.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

func validateArgs(d *Descriptor) error {
	seenOptional := false
	for i, a := range d.Args {
		if a.Name == "" {
			return fmt.Errorf("command %s: argument %d has no name", d.Name, i)
		}
		if a.Named {
			continue
		}
		if a.Greedy && i != lastPositional(d.Args) {
			return fmt.Errorf("command %s: greedy argument %q must be last", d.Name, a.Name)
		}
		if a.Required && seenOptional {
			return fmt.Errorf("command %s: required argument %q after optional", d.Name, a.Name)
		}
		if !a.Required {
			seenOptional = true
		}
	}
	return nil
}

func lastPositional(args []ArgSpec) int {
	last := -1
	for i, a := range args {
		if !a.Named {
			last = i
		}
	}
	return last
}
