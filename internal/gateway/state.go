package gateway

// State — состояние соединения сессии.
// Допустимые переходы:
//
//	Disconnected → Connecting → Identifying → Connected
//	Connected → Resuming | Reconnecting → Connected | Disconnected
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateIdentifying
	StateConnected
	StateResuming
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdentifying:
		return "identifying"
	case StateConnected:
		return "connected"
	case StateResuming:
		return "resuming"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

func (s *Session) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		s.log.Debug().
			Str("old_state", prev.String()).
			Str("new_state", next.String()).
			Msg("session state")
	}
}

// State возвращает текущее состояние соединения.
func (s *Session) State() State {
	return State(s.state.Load())
}
