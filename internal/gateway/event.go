package gateway

import "google.golang.org/protobuf/types/known/structpb"

// Типы событий, которые шлёт сама сессия.
const (
	EventReady   = "ready"
	EventResumed = "resumed"
)

// Origin — контекст происхождения события: guild/channel/user.
type Origin struct {
	GuildID   string
	ChannelID string
	UserID    string
}

// Key — ключ контекста для блокировок и состояния. События одного
// канала сериализуются, разных — идут параллельно.
func (o Origin) Key() string {
	if o.GuildID == "" {
		return "dm:" + o.ChannelID
	}
	return o.GuildID + ":" + o.ChannelID
}

// Event — неизменяемое входящее событие. После создания не мутируется.
type Event struct {
	Type    string
	Seq     int64
	Origin  Origin
	Level   int // уровень прав отправителя
	Payload *structpb.Struct
}

// Field достаёт строковое поле из полезной нагрузки ("" если нет).
func (e *Event) Field(name string) string {
	if e.Payload == nil {
		return ""
	}
	if v, ok := e.Payload.GetFields()[name]; ok {
		return v.GetStringValue()
	}
	return ""
}

// Text — текст сообщения ("content" в нагрузке).
func (e *Event) Text() string {
	return e.Field("content")
}
