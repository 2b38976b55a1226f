package bot

import (
	"time"

	"github.com/EgorLis/Koabot/internal/options"
)

// RegisterOptions объявляет встроенные опции ядра. Расширения объявляют
// свои позже и добирают отложенные спецификации через ProcessDeferred.
func RegisterOptions(m *options.Manager) {
	m.Add("token", "", "authentication token for the gateway")
	m.Add("command_prefix", "!", "prefix that marks a message as a command")

	m.Add("gateway.url", "wss://gateway.example.com/ws", "gateway websocket URL")
	m.Add("gateway.handshake_timeout", 10*time.Second, "how long to wait for hello/ready")
	m.Add("gateway.backoff_min", time.Second, "initial reconnect backoff")
	m.Add("gateway.backoff_max", 30*time.Second, "reconnect backoff ceiling")
	m.Add("gateway.max_retries", 0, "reconnect attempts before giving up, 0 for unlimited")

	m.Add("session.reset_state_on_resume_failure", false,
		"drop per-context state when the gateway refuses to resume a session")

	m.Add("dispatch.timeout", 30*time.Second, "time budget for a command handler")
	m.Add("dispatch.grace", 5*time.Second, "extra wait for a canceled handler to stop")

	m.Add("registry.idle", 30*time.Minute, "evict context state idle for this long")
	m.Add("registry.janitor_every", time.Minute, "how often to sweep idle contexts")

	m.Add("rate.messages", 5, "outbound messages per second per channel")
	m.Add("rate.messages_burst", 5, "outbound message burst per channel")
	m.Add("rate.gateway", 1, "gateway handshakes per second")
	m.Add("rate.gateway_burst", 1, "gateway handshake burst")
	m.Add("rate.default", 10, "default bucket refill per second")
	m.Add("rate.default_burst", 10, "default bucket burst")

	m.Add("log.level", "info", "log verbosity", "debug", "info", "warn", "error")
}
