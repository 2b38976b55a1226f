package gateway

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ========================= wire-протокол =========================

// Опкоды кадров. Точная кодировка принадлежит удалённой стороне,
// здесь — минимальный самодостаточный набор для сессии и запросов.
const (
	opDispatch       = 0  // входящее событие (t + s + d)
	opHeartbeat      = 1  // пульс (в обе стороны)
	opIdentify       = 2  // представление с токеном
	opRequest        = 3  // исходящий запрос (bucket + seq)
	opResponse       = 4  // ответ на запрос (seq + rate-limit метаданные)
	opResume         = 6  // возобновление сессии
	opReconnect      = 7  // сервер просит переподключиться
	opInvalidSession = 9  // сессия невалидна, resume отклонён
	opHello          = 10 // приветствие с heartbeat-интервалом
	opHeartbeatAck   = 11 // подтверждение пульса
)

// Код закрытия сокета при неверном токене.
const closeAuthenticationFailed = 4004

// Frame — один кадр шлюза. S заполняется только для dispatch-кадров.
type Frame struct {
	Op int             `json:"op"`
	T  string          `json:"t,omitempty"`
	S  *int64          `json:"s,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

type helloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"` // миллисекунды
}

type identifyData struct {
	Token      string            `json:"token"`
	Properties map[string]string `json:"properties,omitempty"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

type readyData struct {
	SessionID string `json:"session_id"`
}

// dispatchData — тело входящего события.
type dispatchData struct {
	GuildID   string          `json:"guild_id,omitempty"`
	ChannelID string          `json:"channel_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Level     int             `json:"level,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type requestData struct {
	Seq     uint32          `json:"seq"`
	Bucket  string          `json:"bucket"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RateLimitInfo — метаданные лимитов в ответе удалённой стороны.
type RateLimitInfo struct {
	Remaining  int   `json:"remaining"`
	ResetAfter int64 `json:"reset_after_ms,omitempty"`
	RetryAfter int64 `json:"retry_after_ms,omitempty"` // >0 при 429
}

type responseData struct {
	Seq       uint32          `json:"seq"`
	Bucket    string          `json:"bucket,omitempty"`
	Error     string          `json:"error,omitempty"`
	RateLimit *RateLimitInfo  `json:"rate_limit,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Response — результат исходящего запроса, отданный в колбэк.
type Response struct {
	Err     string
	Payload json.RawMessage
}

func marshalFrame(op int, t string, d any) ([]byte, error) {
	var raw json.RawMessage
	if d != nil {
		b, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("gateway: encode frame d: %w", err)
		}
		raw = b
	}
	return json.Marshal(Frame{Op: op, T: t, D: raw})
}

// decodeEvent собирает Event из dispatch-кадра. Полезная нагрузка —
// непрозрачная структура (structpb), дальше её разбирает резолвер.
func decodeEvent(f *Frame) (*Event, error) {
	var d dispatchData
	if len(f.D) > 0 {
		if err := json.Unmarshal(f.D, &d); err != nil {
			return nil, fmt.Errorf("gateway: decode dispatch: %w", err)
		}
	}
	payload := &structpb.Struct{}
	if len(d.Payload) > 0 {
		if err := protojson.Unmarshal(d.Payload, payload); err != nil {
			return nil, fmt.Errorf("gateway: decode payload: %w", err)
		}
	}
	var seq int64
	if f.S != nil {
		seq = *f.S
	}
	return &Event{
		Type: f.T,
		Seq:  seq,
		Origin: Origin{
			GuildID:   d.GuildID,
			ChannelID: d.ChannelID,
			UserID:    d.UserID,
		},
		Level:   d.Level,
		Payload: payload,
	}, nil
}
