package command

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Args — разобранные аргументы вызова. Геттеры возвращают нулевое
// значение, если аргумент не передан (для необязательных).
type Args struct {
	values map[string]any
}

// Has сообщает, был ли аргумент передан.
func (a Args) Has(name string) bool {
	_, ok := a.values[name]
	return ok
}

func (a Args) String(name string) string {
	s, _ := a.values[name].(string)
	return s
}

func (a Args) Int(name string) int {
	n, _ := a.values[name].(int)
	return n
}

func (a Args) Bool(name string) bool {
	b, _ := a.values[name].(bool)
	return b
}

func (a Args) Duration(name string) time.Duration {
	d, _ := a.values[name].(time.Duration)
	return d
}

// токены: либо "в кавычках", либо непрерывный кусок без пробелов
var tokenRe = regexp.MustCompile(`"([^"]*)"|(\S+)`)

// splitTokens режет текст команды на токены с поддержкой кавычек.
// Кавычка внутри токена (don"t) — не кавычка, токен остаётся как есть.
func splitTokens(s string) []string {
	var out []string
	for _, m := range tokenRe.FindAllStringSubmatch(s, -1) {
		if strings.HasPrefix(m[0], `"`) {
			out = append(out, m[1])
		} else {
			out = append(out, m[2])
		}
	}
	return out
}

// parseText проверяет текстовые токены по схеме команды.
// Greedy-аргумент склеивает все оставшиеся позиционные токены.
func parseText(d *Descriptor, tokens []string) (Args, error) {
	values := make(map[string]any, len(d.Args))

	namedSpecs := make(map[string]ArgSpec)
	var positional []ArgSpec
	for _, a := range d.Args {
		if a.Named {
			namedSpecs[strings.ToLower(a.Name)] = a
		} else {
			positional = append(positional, a)
		}
	}

	// сначала выцепляем name=value, остальное — позиционные
	var pos []string
	var posOffsets []int // индекс токена, для ошибок
	for i, tok := range tokens {
		if k, v, ok := strings.Cut(tok, "="); ok {
			if spec, named := namedSpecs[strings.ToLower(k)]; named {
				val, err := convert(spec, v)
				if err != nil {
					return Args{}, &ArgumentParseError{Command: d.Name, Index: i, Reason: err.Error()}
				}
				values[spec.Name] = val
				continue
			}
		}
		pos = append(pos, tok)
		posOffsets = append(posOffsets, i)
	}

	pi := 0
	for _, spec := range positional {
		if spec.Greedy {
			if pi < len(pos) {
				values[spec.Name] = strings.Join(pos[pi:], " ")
				pi = len(pos)
			} else if spec.Required {
				return Args{}, &ArgumentParseError{
					Command: d.Name, Index: len(tokens),
					Reason: fmt.Sprintf("missing argument %q", spec.Name),
				}
			}
			continue
		}
		if pi >= len(pos) {
			if spec.Required {
				return Args{}, &ArgumentParseError{
					Command: d.Name, Index: len(tokens),
					Reason: fmt.Sprintf("missing argument %q", spec.Name),
				}
			}
			continue
		}
		val, err := convert(spec, pos[pi])
		if err != nil {
			return Args{}, &ArgumentParseError{Command: d.Name, Index: posOffsets[pi], Reason: err.Error()}
		}
		values[spec.Name] = val
		pi++
	}
	if pi < len(pos) {
		return Args{}, &ArgumentParseError{
			Command: d.Name, Index: posOffsets[pi],
			Reason: fmt.Sprintf("unexpected argument %q", pos[pi]),
		}
	}

	for _, spec := range namedSpecs {
		if spec.Required {
			if _, ok := values[spec.Name]; !ok {
				return Args{}, &ArgumentParseError{
					Command: d.Name, Index: len(tokens),
					Reason: fmt.Sprintf("missing argument %q", spec.Name),
				}
			}
		}
	}
	return Args{values: values}, nil
}

// parseStruct проверяет аргументы структурного вызова (interaction) по
// схеме: значения приходят уже типизированными, сверяем тип поля.
func parseStruct(d *Descriptor, fields map[string]*structpb.Value) (Args, error) {
	values := make(map[string]any, len(d.Args))
	for i, spec := range d.Args {
		v, ok := fields[spec.Name]
		if !ok || v == nil {
			if spec.Required {
				return Args{}, &ArgumentParseError{
					Command: d.Name, Index: i,
					Reason: fmt.Sprintf("missing argument %q", spec.Name),
				}
			}
			continue
		}
		val, err := convertValue(spec, v)
		if err != nil {
			return Args{}, &ArgumentParseError{Command: d.Name, Index: i, Reason: err.Error()}
		}
		values[spec.Name] = val
	}
	return Args{values: values}, nil
}

// convert приводит текстовый токен к типу аргумента.
func convert(spec ArgSpec, s string) (any, error) {
	switch spec.Kind {
	case ArgString:
		return s, nil
	case ArgInt:
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", s)
		}
		return n, nil
	case ArgBool:
		switch strings.ToLower(s) {
		case "true", "yes", "on", "1":
			return true, nil
		case "false", "no", "off", "0":
			return false, nil
		}
		return nil, fmt.Errorf("%q is not a boolean", s)
	case ArgDuration:
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("%q is not a duration", s)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported argument kind %d", spec.Kind)
	}
}

// convertValue приводит structpb-значение к типу аргумента.
func convertValue(spec ArgSpec, v *structpb.Value) (any, error) {
	switch spec.Kind {
	case ArgString:
		s, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("%q must be a string", spec.Name)
		}
		return s.StringValue, nil
	case ArgInt:
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("%q must be a number", spec.Name)
		}
		return int(n.NumberValue), nil
	case ArgBool:
		b, ok := v.GetKind().(*structpb.Value_BoolValue)
		if !ok {
			return nil, fmt.Errorf("%q must be a boolean", spec.Name)
		}
		return b.BoolValue, nil
	case ArgDuration:
		s, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("%q must be a duration string", spec.Name)
		}
		return convert(spec, s.StringValue)
	default:
		return nil, fmt.Errorf("unsupported argument kind %d", spec.Kind)
	}
}
