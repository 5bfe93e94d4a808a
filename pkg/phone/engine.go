package phone

// TransportHandle непрозрачная ссылка на сигнальное соединение.
// Создается движком в CreateTransport и принадлежит ConnectionController
// до Disconnect или падения транспорта.
type TransportHandle interface {
	ID() string
}

// SessionHandle непрозрачная ссылка на сессию звонка.
// Принадлежит CallSessionController от создания до терминального события.
// В любой момент времени живой хендл может быть только один.
type SessionHandle interface {
	ID() string
}

// TransportEvents набор обработчиков событий транспорта.
// Nil-обработчики допустимы и просто пропускаются движком.
type TransportEvents struct {
	OnUp                 func()
	OnDown               func()
	OnRegistered         func()
	OnUnregistered       func()
	OnRegistrationFailed func(reason string)
	OnIncomingSession    func(session SessionHandle)
}

// SessionEvents набор обработчиков событий сессии звонка.
type SessionEvents struct {
	OnProgress  func()
	OnConfirmed func()
	OnEnded     func()
	OnFailed    func(reason string)
}

// MediaPolicy медиа-политика исходящего вызова
type MediaPolicy struct {
	Audio bool
	Video bool
}

// TransportPolicy политика согласования медиа-транспорта
type TransportPolicy struct {
	// STUN серверы для ICE
	STUNServers []string
	// Требовать мультиплексирование RTCP на RTP порту
	RTCPMux bool
}

// DefaultMediaPolicy возвращает фиксированную политику: только аудио
func DefaultMediaPolicy() MediaPolicy {
	return MediaPolicy{Audio: true, Video: false}
}

// DefaultTransportPolicy возвращает политику по умолчанию:
// публичный STUN резолвер и обязательный rtcp-mux
func DefaultTransportPolicy() TransportPolicy {
	return TransportPolicy{
		STUNServers: []string{"stun:stun.l.google.com:19302"},
		RTCPMux:     true,
	}
}

// SignalingEngine внешний сигнальный движок, выполняющий реальную работу
// SIP/WebRTC. Контроллеры управляют им через этот узкий интерфейс и
// подписываются на его события; протокол и медиа целиком на стороне движка.
type SignalingEngine interface {
	// CreateTransport создает транспорт для указанного URI.
	// Возвращает ошибку на некорректный URI, ничего не открывая.
	CreateTransport(uri string) (TransportHandle, error)

	// Subscribe привязывает обработчики событий к транспорту.
	// Должен быть вызван до Start.
	Subscribe(transport TransportHandle, events TransportEvents)

	// Start запускает транспорт и регистрацию. Идемпотентен.
	Start(transport TransportHandle) error

	// Stop останавливает транспорт. Идемпотентен, nil-безопасен по состоянию.
	Stop(transport TransportHandle) error

	// CreateOutboundSession начинает исходящий вызов на destination.
	CreateOutboundSession(transport TransportHandle, destination string, media MediaPolicy, policy TransportPolicy) (SessionHandle, error)

	// SubscribeSession привязывает обработчики событий к сессии.
	SubscribeSession(session SessionHandle, events SessionEvents)

	// Terminate завершает сессию (BYE или CANCEL, на усмотрение движка)
	Terminate(session SessionHandle) error

	// Reject отклоняет входящую сессию с указанным кодом
	Reject(session SessionHandle, code int, reason string) error

	// SendDigit передает DTMF цифру в рамках активной сессии
	SendDigit(session SessionHandle, digit rune) error
}
