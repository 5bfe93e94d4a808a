package phone

import "strings"

// ConnectionState состояние сигнального соединения.
type ConnectionState string

func (s ConnectionState) String() string {
	return string(s)
}

const (
	// ConnDisconnected - исходное состояние, транспорт отсутствует
	ConnDisconnected ConnectionState = "disconnected"
	// ConnConnecting - транспорт создан, идет установление соединения
	ConnConnecting ConnectionState = "connecting"
	// ConnConnected - транспорт установлен, регистрация еще не выполнена
	ConnConnected ConnectionState = "connected"
	// ConnRegistered - идентичность зарегистрирована на сервере
	ConnRegistered ConnectionState = "registered"
	// ConnRegistrationFailed - транспорт жив, но регистрация отклонена
	ConnRegistrationFailed ConnectionState = "registration-failed"
)

// CallState состояние сессии звонка.
type CallState string

func (s CallState) String() string {
	return string(s)
}

const (
	// CallIdle - исходное состояние, звонка нет
	CallIdle CallState = "idle"
	// CallCalling - исходящий или входящий вызов в процессе установления
	CallCalling CallState = "calling"
	// CallInCall - вызов подтвержден, разговор идет
	CallInCall CallState = "in-call"
	// CallTerminated - вызов завершен штатно
	CallTerminated CallState = "terminated"
	// CallFailed - вызов завершен с ошибкой
	CallFailed CallState = "failed"
)

// formEventName формирует имя события FSM для перехода src → dst.
func formEventName(src, dst string) string {
	builder := strings.Builder{}
	builder.WriteString(src)
	builder.WriteString("_to_")
	builder.WriteString(dst)
	return builder.String()
}
