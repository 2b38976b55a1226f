package gateway

import (
	"time"

	"github.com/gorilla/websocket"
)

// startHeartbeatLocked запускает пульс с негоциированным интервалом.
// Если ack по предыдущему пульсу так и не пришёл — соединение считаем
// подвисшим и рвём его: readLoop увидит ошибку чтения и реконнектнет.
// Вызывается под s.cmu.
func (s *Session) startHeartbeatLocked(conn *websocket.Conn, interval time.Duration) {
	s.stopHeartbeatLocked() // на всякий
	stop := make(chan struct{})
	s.hbStop = stop
	s.lastAck.Store(time.Now().UnixNano())

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				sinceAck := time.Since(time.Unix(0, s.lastAck.Load()))
				if sinceAck > interval*3/2 {
					s.log.Warn().Dur("since_ack", sinceAck).
						Msg("heartbeat ack timeout, dropping connection")
					_ = conn.Close()
					return
				}
				if err := s.writeTo(conn, opHeartbeat, "", s.lastSeq.Load()); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()
}

// stopHeartbeatLocked глушит текущую heartbeat-горутину. Под s.cmu.
func (s *Session) stopHeartbeatLocked() {
	if s.hbStop != nil {
		close(s.hbStop)
		s.hbStop = nil
	}
}
