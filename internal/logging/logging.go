// Package logging настраивает общий zerolog-логгер процесса.
// Каждый компонент берёт себе дочерний логгер через WithComponent,
// чтобы в каждой записи было видно, откуда она пришла.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config — параметры глобального логгера.
type Config struct {
	Level   string    // "debug", "info", ... (пусто = info)
	Output  io.Writer // по умолчанию os.Stdout
	Service string    // имя сервиса в каждой записи
}

var (
	once sync.Once
	base zerolog.Logger
)

// Configure инициализирует глобальный логгер ровно один раз.
// Повторные вызовы игнорируются.
func Configure(cfg Config) {
	once.Do(func() {
		level := zerolog.InfoLevel
		if cfg.Level != "" {
			if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
				level = parsed
			}
		}
		zerolog.SetGlobalLevel(level)
		zerolog.TimeFieldFormat = time.RFC3339

		writer := cfg.Output
		if writer == nil {
			writer = os.Stdout
		}

		service := cfg.Service
		if service == "" {
			service = "koabot"
		}

		base = zerolog.New(writer).With().
			Timestamp().
			Str("service", service).
			Logger()
	})
}

// SetLevel меняет уровень на лету (команда !set log.level=...).
func SetLevel(level string) error {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(parsed)
	return nil
}

// Base возвращает сконфигурированный базовый логгер.
func Base() zerolog.Logger {
	Configure(Config{})
	return base
}

// WithComponent — дочерний логгер с полем component.
func WithComponent(component string) zerolog.Logger {
	return Base().With().Str("component", component).Logger()
}
