// Package options — типизированная таблица опций бота.
// Опции объявляются при старте (дефолт задаёт тип), меняются через
// спецификации "имя=значение", YAML-файл или Update. Подписчики
// получают уведомления об изменениях; спецификации для ещё не
// объявленных опций можно отложить (defer) и применить позже —
// так расширения объявляют свои опции после чтения CLI.
package options

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// OptionError — любая ошибка, связанная с опциями. Показывается
// пользователю как есть, поэтому текст без внутренностей.
type OptionError struct {
	msg string
}

func (e *OptionError) Error() string { return e.msg }

func errorf(format string, args ...any) *OptionError {
	return &OptionError{msg: fmt.Sprintf(format, args...)}
}

type option struct {
	name    string
	def     any
	value   any
	isSet   bool
	help    string
	choices []string
}

type subscription struct {
	fn       func(updated []string)
	patterns []string
}

// Manager управляет опциями. Потокобезопасен.
type Manager struct {
	mu       sync.Mutex
	opts     map[string]*option
	deferred map[string][]string // имя -> сырые значения из спецификаций
	subs     []subscription
}

// New создаёт пустой менеджер.
func New() *Manager {
	return &Manager{
		opts:     make(map[string]*option),
		deferred: make(map[string][]string),
	}
}

// Add объявляет опцию. Тип задаётся типом дефолта:
// string, int, bool или time.Duration.
func (m *Manager) Add(name string, def any, help string, choices ...string) {
	switch def.(type) {
	case string, int, bool, time.Duration:
	default:
		panic(fmt.Sprintf("options: unsupported type %T for %s", def, name))
	}
	m.mu.Lock()
	m.opts[name] = &option{name: name, def: def, value: def, help: help, choices: choices}
	m.mu.Unlock()
}

// Has — объявлена ли опция.
func (m *Manager) Has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.opts[name]
	return ok
}

// Help возвращает описание опции (для !help set).
func (m *Manager) Help(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.opts[name]
	if !ok {
		return "", errorf("no such option: %s", name)
	}
	return o.help, nil
}

// Names — отсортированный список объявленных опций.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.opts))
	for n := range m.opts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get возвращает текущее значение.
func (m *Manager) Get(name string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.opts[name]
	if !ok {
		return nil, errorf("no such option: %s", name)
	}
	return o.value, nil
}

// Типизированные геттеры. Обращение к необъявленной опции — ошибка
// программиста, поэтому паника, как и несовпадение типа.

func (m *Manager) String(name string) string     { return get[string](m, name) }
func (m *Manager) Int(name string) int           { return get[int](m, name) }
func (m *Manager) Bool(name string) bool         { return get[bool](m, name) }
func (m *Manager) Duration(name string) time.Duration { return get[time.Duration](m, name) }

func get[T any](m *Manager, name string) T {
	v, err := m.Get(name)
	if err != nil {
		panic(err.Error())
	}
	t, ok := v.(T)
	if !ok {
		panic(fmt.Sprintf("options: %s is %T", name, v))
	}
	return t
}

// Update меняет значения объявленных опций с проверкой типов.
// Неизвестные имена — ошибка.
func (m *Manager) Update(values map[string]any) error {
	unknown, err := m.updateKnown(values)
	if err != nil {
		return err
	}
	if len(unknown) > 0 {
		return errorf("no such option(s): %s", strings.Join(unknown, ", "))
	}
	return nil
}

// updateKnown применяет известные опции, возвращает список неизвестных.
func (m *Manager) updateKnown(values map[string]any) ([]string, error) {
	m.mu.Lock()

	var unknown []string
	updated := make([]string, 0, len(values))
	for name, v := range values {
		o, ok := m.opts[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		coerced, err := coerce(o, v)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		o.value = coerced
		o.isSet = true
		updated = append(updated, name)
	}
	subs := m.matchSubs(updated)
	m.mu.Unlock()

	sort.Strings(unknown)
	sort.Strings(updated)
	for _, fn := range subs {
		fn(updated)
	}
	return unknown, nil
}

// Set применяет спецификации "имя=значение". Значение можно опустить:
// bool станет true. Неизвестные имена — ошибка.
func (m *Manager) Set(specs ...string) error {
	return m.set(specs, false)
}

// SetDeferred — как Set, но неизвестные имена откладываются до
// ProcessDeferred (опция объявится позже).
func (m *Manager) SetDeferred(specs ...string) error {
	return m.set(specs, true)
}

func (m *Manager) set(specs []string, defer_ bool) error {
	raw := make(map[string][]string)
	for _, spec := range specs {
		name, value, found := strings.Cut(spec, "=")
		if found {
			raw[name] = append(raw[name], value)
		} else if _, ok := raw[name]; !ok {
			raw[name] = nil
		}
	}

	values := make(map[string]any)
	var unknown []string
	m.mu.Lock()
	for name, vs := range raw {
		o, ok := m.opts[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		v, err := parseSpecValue(o, vs)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		values[name] = v
	}
	if defer_ {
		for _, name := range unknown {
			m.deferred[name] = raw[name]
		}
		unknown = nil
	}
	m.mu.Unlock()

	if len(unknown) > 0 {
		sort.Strings(unknown)
		return errorf("unknown option(s): %s", strings.Join(unknown, ", "))
	}
	return m.Update(values)
}

// ProcessDeferred применяет отложенные спецификации, для которых
// опции уже объявлены.
func (m *Manager) ProcessDeferred() error {
	m.mu.Lock()
	values := make(map[string]any)
	for name, vs := range m.deferred {
		o, ok := m.opts[name]
		if !ok {
			continue
		}
		v, err := parseSpecValue(o, vs)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		values[name] = v
		delete(m.deferred, name)
	}
	m.mu.Unlock()
	return m.Update(values)
}

// Subscribe подписывает fn на изменения перечисленных опций.
// Шаблон с '*' на конце покрывает весь неймспейс ("intents.*").
func (m *Manager) Subscribe(fn func(updated []string), patterns ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range patterns {
		if strings.HasSuffix(p, "*") {
			prefix := strings.TrimSuffix(p, "*")
			found := false
			for name := range m.opts {
				if strings.HasPrefix(name, prefix) {
					found = true
					break
				}
			}
			if !found {
				return errorf("no options matching: %s", p)
			}
		} else if _, ok := m.opts[p]; !ok {
			return errorf("no such option: %s", p)
		}
	}
	m.subs = append(m.subs, subscription{fn: fn, patterns: patterns})
	return nil
}

// matchSubs собирает подписчиков, которых касаются updated.
// Вызывается под m.mu.
func (m *Manager) matchSubs(updated []string) []func([]string) {
	var out []func([]string)
	for _, s := range m.subs {
		matched := false
	outer:
		for _, p := range s.patterns {
			for _, u := range updated {
				if p == u || (strings.HasSuffix(p, "*") && strings.HasPrefix(u, strings.TrimSuffix(p, "*"))) {
					matched = true
					break outer
				}
			}
		}
		if matched {
			out = append(out, s.fn)
		}
	}
	return out
}

// coerce проверяет тип нового значения против типа дефолта.
func coerce(o *option, v any) (any, error) {
	switch o.def.(type) {
	case string:
		s, ok := v.(string)
		if !ok {
			return nil, errorf("expected string for %s, got %T", o.name, v)
		}
		if len(o.choices) > 0 {
			found := false
			for _, c := range o.choices {
				if c == s {
					found = true
					break
				}
			}
			if !found {
				return nil, errorf("invalid value for %s: %q (choices: %s)",
					o.name, s, strings.Join(o.choices, ", "))
			}
		}
		return s, nil
	case int:
		switch n := v.(type) {
		case int:
			return n, nil
		case int64:
			return int(n), nil
		case float64:
			return int(n), nil
		}
		return nil, errorf("expected integer for %s, got %T", o.name, v)
	case bool:
		b, ok := v.(bool)
		if !ok {
			return nil, errorf("expected boolean for %s, got %T", o.name, v)
		}
		return b, nil
	case time.Duration:
		switch d := v.(type) {
		case time.Duration:
			return d, nil
		case string:
			parsed, err := time.ParseDuration(d)
			if err != nil {
				return nil, errorf("not a duration: %s", o.name)
			}
			return parsed, nil
		}
		return nil, errorf("expected duration for %s, got %T", o.name, v)
	}
	return nil, errorf("unsupported option type for %s", o.name)
}

// parseSpecValue разбирает сырое значение спецификации по типу опции.
// Пустой bool -> true, как в "--set verbose".
func parseSpecValue(o *option, values []string) (any, error) {
	if len(values) > 1 {
		return nil, errorf("received multiple values for %s", o.name)
	}
	var s string
	hasValue := len(values) == 1
	if hasValue {
		s = values[0]
	}

	switch o.def.(type) {
	case string:
		if !hasValue {
			return nil, errorf("value required for %s", o.name)
		}
		return s, nil
	case int:
		if !hasValue {
			return nil, errorf("value required for %s", o.name)
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, errorf("not an integer: %s", o.name)
		}
		return n, nil
	case bool:
		if !hasValue || s == "true" {
			return true, nil
		}
		if s == "false" {
			return false, nil
		}
		return nil, errorf("boolean must be true, false or have the value omitted: %s", o.name)
	case time.Duration:
		if !hasValue {
			return nil, errorf("value required for %s", o.name)
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, errorf("not a duration: %s", o.name)
		}
		return d, nil
	}
	return nil, errorf("unsupported option type for %s", o.name)
}
