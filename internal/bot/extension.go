package bot

import (
	"fmt"

	"github.com/EgorLis/Koabot/internal/command"
	"github.com/EgorLis/Koabot/internal/options"
)

// Extension — подключаемый модуль бота. Жизненный цикл:
//   - Load: расширение объявляет свои опции и команды через Loader;
//   - затем применяются отложенные спецификации (--set для опций,
//     которых на момент разбора CLI ещё не существовало);
//   - Ready (если реализован): опции уже загружены, можно стартовать;
//   - Configure (если реализован): зовётся при каждом изменении опций;
//   - Done (если реализован): остановка бота, в обратном порядке
//     регистрации.
type Extension interface {
	Name() string
	Load(l *Loader) error
}

// Необязательные хуки жизненного цикла.
type readyHook interface{ Ready(m *options.Manager) error }
type configureHook interface {
	Configure(m *options.Manager, updated []string)
}
type doneHook interface{ Done() }

// Loader передаётся расширению на Load: через него оно объявляет
// опции и команды.
type Loader struct {
	bot *Bot
}

// AddOption объявляет опцию расширения. Тип задаётся дефолтом.
func (l *Loader) AddOption(name string, def any, help string, choices ...string) {
	l.bot.opts.Add(name, def, help, choices...)
}

// AddCommand регистрирует команду расширения в общей таблице.
func (l *Loader) AddCommand(d *command.Descriptor) error {
	return l.bot.table.Register(d)
}

// Register подключает расширения по очереди. Регистрировать нужно
// после New и до Run.
func (b *Bot) Register(exts ...Extension) error {
	for _, ext := range exts {
		name := ext.Name()
		if name == "" {
			return fmt.Errorf("bot: extension with empty name")
		}
		if _, dup := b.exts[name]; dup {
			return fmt.Errorf("bot: extension %q already registered", name)
		}

		if err := ext.Load(&Loader{bot: b}); err != nil {
			return fmt.Errorf("bot: load extension %s: %w", name, err)
		}
		b.exts[name] = ext
		b.extOrder = append(b.extOrder, name)

		// теперь опции расширения объявлены — добираем отложенные
		// спецификации
		if err := b.opts.ProcessDeferred(); err != nil {
			return fmt.Errorf("bot: extension %s options: %w", name, err)
		}

		if c, ok := ext.(configureHook); ok {
			_ = b.opts.Subscribe(func(updated []string) {
				c.Configure(b.opts, updated)
			}, "*")
		}
		if r, ok := ext.(readyHook); ok {
			if err := r.Ready(b.opts); err != nil {
				return fmt.Errorf("bot: extension %s ready: %w", name, err)
			}
		}
		b.log.Info().Str("extension", name).Msg("extension registered")
	}
	return nil
}

// closeExtensions зовёт Done у расширений в обратном порядке регистрации.
func (b *Bot) closeExtensions() {
	for i := len(b.extOrder) - 1; i >= 0; i-- {
		if d, ok := b.exts[b.extOrder[i]].(doneHook); ok {
			d.Done()
		}
	}
}
