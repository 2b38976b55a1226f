package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/EgorLis/Koabot/internal/bot"
	"github.com/EgorLis/Koabot/internal/logging"
	"github.com/EgorLis/Koabot/internal/options"
)

var version = "dev"

// --set можно повторять: --set token=... --set log.level=debug
type setFlags []string

func (s *setFlags) String() string     { return fmt.Sprint(*s) }
func (s *setFlags) Set(v string) error { *s = append(*s, v); return nil }

func main() {
	var sets setFlags
	configPath := flag.String("config", "conf/koabot.yaml", "path to the YAML config")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Var(&sets, "set", "option override, name=value (repeatable)")
	flag.Parse()

	if *showVersion {
		fmt.Println("koabot", version)
		return
	}

	m := options.New()
	bot.RegisterOptions(m)

	// файл, затем переопределения с командной строки; неизвестные имена
	// откладываются — их объявят расширения
	if err := options.LoadPaths(m, true, *configPath); err != nil {
		log.Fatal(err)
	}
	if err := m.SetDeferred(sets...); err != nil {
		log.Fatal(err)
	}

	logging.Configure(logging.Config{
		Level:   m.String("log.level"),
		Service: "koabot",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bot.New(m)
	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}
