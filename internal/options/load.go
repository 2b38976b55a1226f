package options

import (
	"errors"
	"io/fs"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Parse разбирает YAML-текст конфига в плоскую карту опций.
// Вложенные таблицы склеиваются через точку: gateway: {url: ...}
// становится "gateway.url". В строках раскрываются $ПЕРЕМЕННЫЕ окружения.
func Parse(text []byte) (map[string]any, error) {
	if len(text) == 0 {
		return map[string]any{}, nil
	}
	var raw map[string]any
	if err := yaml.Unmarshal(text, &raw); err != nil {
		return nil, errorf("error parsing configuration: %v", err)
	}
	return flatten(raw), nil
}

func flatten(raw map[string]any) map[string]any {
	out := make(map[string]any)
	for key, val := range raw {
		switch v := val.(type) {
		case map[string]any:
			for k, inner := range flatten(v) {
				out[key+"."+k] = inner
			}
		case string:
			out[key] = os.ExpandEnv(v)
		default:
			out[key] = val
		}
	}
	return out
}

// Load применяет YAML-текст к менеджеру. При defer неизвестные опции
// откладываются до ProcessDeferred.
func Load(m *Manager, text []byte, deferUnknown bool) error {
	parsed, err := Parse(text)
	if err != nil {
		return err
	}
	if !deferUnknown {
		return m.Update(parsed)
	}
	unknown, err := m.updateKnown(parsed)
	if err != nil {
		return err
	}
	m.mu.Lock()
	for _, name := range unknown {
		m.deferredValues(name, parsed[name])
	}
	m.mu.Unlock()
	return nil
}

// deferredValues откладывает уже распарсенное значение. Вызывается под m.mu.
func (m *Manager) deferredValues(name string, v any) {
	switch t := v.(type) {
	case string:
		m.deferred[name] = []string{t}
	case bool:
		if t {
			m.deferred[name] = []string{"true"}
		} else {
			m.deferred[name] = []string{"false"}
		}
	case int:
		m.deferred[name] = []string{strconv.Itoa(t)}
	case float64:
		m.deferred[name] = []string{strconv.Itoa(int(t))}
	default:
		// тип не представим спецификацией — молча пропускаем
	}
}

// LoadPaths читает файлы по очереди; отсутствующие молча пропускаются.
func LoadPaths(m *Manager, deferUnknown bool, paths ...string) error {
	for _, path := range paths {
		text, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return errorf("error reading %s: %v", path, err)
		}
		if err := Load(m, text, deferUnknown); err != nil {
			return errorf("error reading %s: %v", path, err)
		}
	}
	return nil
}
