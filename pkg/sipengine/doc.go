// Package sipengine реализует phone.SignalingEngine поверх SIP стека
// emiago/sipgo.
//
// Движок владеет протокольной работой целиком: слушающий транспорт,
// REGISTER с digest-аутентификацией и периодическим обновлением, INVITE
// с audio-only SDP оффером, BYE/CANCEL на завершение и INFO для DTMF.
// Контроллеры пакета phone видят только события up/down/registered/...
// и непрозрачные хендлы.
//
// Медиа-поток движок не поднимает: SDP оффер описывает политику
// (только аудио, rtcp-mux), согласование и перенос RTP вне зоны
// ответственности ядра.
package sipengine
