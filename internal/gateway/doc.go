// Package gateway реализует постоянное соединение с шлюзом чат-платформы.
// Сессия умеет подключаться, обмениваться рукопожатием (hello/identify),
// держать heartbeat с контролем ack, автоматически реконнектиться с
// экспоненциальным backoff'ом и джиттером, возобновлять сессию (resume)
// по последнему sequence-номеру, а при отказе в resume — начинать новую
// сессию с нуля.
//
// Входящие кадры декодируются в неизменяемые Event'ы и отдаются наружу
// через колбэк OnEvent. Исходящие запросы идут тем же сокетом: каждый
// помечен ключом бакета для rate-лимитера, ответы коррелируются по
// клиентскому seq (колбэки), метаданные лимитов из ответов скармливаются
// лимитеру.
//
// События (колбэки поля структуры):
//   - OnConnecting, OnConnected, OnEvent, OnDisconnected, OnError,
//     OnFatal, OnInvalidated.
//
// Безопасность и устойчивость:
//   - Запись в сокет сериализована (мьютекс + write-deadline).
//   - Sequence-номера входящих строго возрастают; устаревшие и
//     дублированные кадры отбрасываются, не трогая состояние сессии.
//   - Ошибки транспорта и heartbeat'а не фатальны — реконнект; ошибка
//     аутентификации фатальна и завершает сессию.
//
// Пример:
//
//	lim := ratelimit.New(ratelimit.DefaultConfig())
//	s := gateway.New(gateway.Config{URL: url, Token: token}, lim)
//	s.OnEvent = func(ev *gateway.Event) { fmt.Println(ev.Type) }
//	if err := s.Connect(ctx); err != nil { log.Fatal(err) }
//	defer s.Disconnect()
package gateway
