// Package bot — склейка ядра: опции -> лимитер -> сессия шлюза ->
// роутер -> резолвер команд -> планировщик. Бот:
//   - держит постоянное соединение со шлюзом (identify/resume,
//     heartbeat, реконнект с backoff);
//   - превращает входящие события в вызовы команд и исполняет их
//     по одному на контекст;
//   - помнит последние реплики каждого канала и кулдауны команд;
//   - отвечает в канал происхождения через исходящие запросы,
//     гейченные лимитером.
//
// Жизненный цикл:
//   - объявить опции RegisterOptions(m), загрузить конфиг;
//   - создать бота через New(m);
//   - подключить расширения Register(ext) — они объявляют свои опции
//     и команды, отложенные спецификации применяются тут же;
//   - запустить Run(ctx) — блокируется до отмены ctx или фатальной
//     ошибки сессии (отказ в аутентификации, исчерпание реконнектов).
//
// Пример:
//
//	m := options.New()
//	bot.RegisterOptions(m)
//	_ = options.LoadPaths(m, "conf/koabot.yaml")
//
//	b := bot.New(m)
//	if err := b.Run(ctx); err != nil { log.Fatal(err) }
//
// Встроенные команды: !help, !ping, !status, !echo, !remember,
// !recall и !set (последняя меняет опции на лету и требует прав
// администратора).
package bot
