// Package phone реализует ядро софтфона: управление сигнальным соединением
// и жизненным циклом звонка.
//
// Два контроллера работают поверх внешнего сигнального движка (SignalingEngine):
//
//   - ConnectionController владеет транспортом и состоянием регистрации
//     (disconnected → connecting → connected → registered)
//   - CallSessionController владеет активной сессией звонка
//     (idle → calling → in-call → terminated/failed)
//
// Контроллеры переводят асинхронные события движка в наблюдаемые состояния
// и записи в ActivityLog. Все ошибки движка поглощаются на границе
// контроллера и превращаются в состояние плюс запись лога — наружу сырые
// ошибки не выходят.
//
// Модель исполнения кооперативная: команды UI и события движка считаются
// одним логическим потоком управления. Контроллеры защищают только свои
// собственные поля, блокировок между собой не берут.
package phone
