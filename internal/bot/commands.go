package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/EgorLis/Koabot/internal/command"
	"github.com/EgorLis/Koabot/internal/registry"
)

// registerBuiltins наполняет таблицу встроенными командами.
func (b *Bot) registerBuiltins() {
	prefix := b.opts.String("command_prefix")

	b.table.MustRegister(&command.Descriptor{
		Name: "help",
		Help: "list available commands",
		Handler: func(_ context.Context, _ *command.Invocation, _ *registry.State, reply command.Reply) error {
			var rows []string
			for _, name := range b.table.Names() {
				d := b.table.Lookup(name)
				row := prefix + d.Usage()
				if d.Help != "" {
					row += " - " + d.Help
				}
				rows = append(rows, row)
			}
			reply(strings.Join(rows, "\n"))
			return nil
		},
	})

	b.table.MustRegister(&command.Descriptor{
		Name:     "ping",
		Aliases:  []string{"p"},
		Help:     "check the bot is alive",
		Cooldown: 3 * time.Second,
		Handler: func(_ context.Context, _ *command.Invocation, _ *registry.State, reply command.Reply) error {
			reply("pong")
			return nil
		},
	})

	b.table.MustRegister(&command.Descriptor{
		Name: "status",
		Help: "uptime, gateway state and session info",
		Handler: func(_ context.Context, _ *command.Invocation, _ *registry.State, reply command.Reply) error {
			reply(fmt.Sprintf("up %s | gateway %s | session %q seq %d | contexts %d",
				time.Since(b.startedAt).Round(time.Second),
				b.gw.State(), b.gw.SessionID(), b.gw.LastSeq(), b.reg.Len()))
			return nil
		},
	})

	b.table.MustRegister(&command.Descriptor{
		Name: "echo",
		Help: "repeat the given text",
		Args: []command.ArgSpec{
			{Name: "text", Kind: command.ArgString, Required: true, Greedy: true},
		},
		Handler: func(_ context.Context, inv *command.Invocation, _ *registry.State, reply command.Reply) error {
			reply(inv.Args.String("text"))
			return nil
		},
	})

	b.table.MustRegister(&command.Descriptor{
		Name: "remember",
		Help: "save a note in this channel's memory",
		Args: []command.ArgSpec{
			{Name: "note", Kind: command.ArgString, Required: true, Greedy: true},
		},
		Handler: func(_ context.Context, inv *command.Invocation, st *registry.State, reply command.Reply) error {
			st.Remember("note: " + inv.Args.String("note"))
			reply("noted.")
			return nil
		},
	})

	b.table.MustRegister(&command.Descriptor{
		Name: "recall",
		Help: "show the last lines this channel remembers",
		Args: []command.ArgSpec{
			{Name: "count", Kind: command.ArgInt},
		},
		Handler: func(_ context.Context, inv *command.Invocation, st *registry.State, reply command.Reply) error {
			n := inv.Args.Int("count")
			if n <= 0 || n > len(st.Memory) {
				n = len(st.Memory)
			}
			if n == 0 {
				reply("nothing to recall.")
				return nil
			}
			reply(strings.Join(st.Memory[len(st.Memory)-n:], "\n"))
			return nil
		},
	})

	b.table.MustRegister(&command.Descriptor{
		Name:       "set",
		Help:       "inspect or change options at runtime",
		Capability: command.CapAdmin,
		Args: []command.ArgSpec{
			{Name: "option", Kind: command.ArgString},
			{Name: "value", Kind: command.ArgString, Greedy: true},
		},
		Handler: func(_ context.Context, inv *command.Invocation, _ *registry.State, reply command.Reply) error {
			name := inv.Args.String("option")
			if name == "" {
				reply("options: " + strings.Join(b.opts.Names(), ", "))
				return nil
			}
			if !inv.Args.Has("value") {
				v, err := b.opts.Get(name)
				if err != nil {
					reply(err.Error())
					return nil
				}
				help, _ := b.opts.Help(name)
				reply(fmt.Sprintf("%s = %v (%s)", name, v, help))
				return nil
			}
			if err := b.opts.Set(name + "=" + inv.Args.String("value")); err != nil {
				reply(err.Error()) // текст OptionError безопасен для пользователя
				return nil
			}
			reply(fmt.Sprintf("%s updated", name))
			return nil
		},
	})
}
