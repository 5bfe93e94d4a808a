package phone

import (
	"context"
	"log/slog"
	"sync"

	"github.com/looplab/fsm"
)

// Credentials учетные данные для подключения и регистрации.
// Поставляются UI перед каждым connect, ядром не сохраняются.
type Credentials struct {
	TransportURI string
	IdentityURI  string
	DisplayName  string
	Secret       string
}

// validate проверяет обязательные поля. DisplayName опционален.
func (c Credentials) validate() *PhoneError {
	switch {
	case c.TransportURI == "":
		return NewValidationError("EMPTY_TRANSPORT_URI", "transport URI is required")
	case c.IdentityURI == "":
		return NewValidationError("EMPTY_IDENTITY_URI", "identity URI is required")
	case c.Secret == "":
		return NewValidationError("EMPTY_SECRET", "secret is required")
	}
	return nil
}

/*
FSM соединения:

	[disconnected] → [connecting] → [connected] → [registered]

Транспортные события двигают состояние в обе стороны:
  - up: connecting → connected
  - registered: connected/registration-failed → registered
  - unregistered: registered → connected
  - registration-failed: connecting/connected/registered → registration-failed
  - down или disconnect(): любое состояние → disconnected

Переход src == dst считается no-op и событием FSM не оформляется.
*/

// ConnectionController владеет транспортом и состоянием регистрации.
// Транслирует события движка в ConnectionState и записи ActivityLog.
type ConnectionController struct {
	fsm    *fsm.FSM
	engine SignalingEngine
	log    *ActivityLog

	transportMu sync.Mutex
	transport   TransportHandle

	calls *CallSessionController

	handlersMu         sync.Mutex
	stateChangeHandler func(ConnectionState)
}

// NewConnectionController создает контроллер в состоянии disconnected
func NewConnectionController(engine SignalingEngine, log *ActivityLog) *ConnectionController {
	c := &ConnectionController{
		engine: engine,
		log:    log,
	}
	c.initFSM()
	return c
}

func (c *ConnectionController) initFSM() {
	states := func(ss ...ConnectionState) []string {
		out := make([]string, len(ss))
		for i, s := range ss {
			out[i] = string(s)
		}
		return out
	}

	events := fsm.Events{}
	addEvent := func(dst ConnectionState, srcs ...ConnectionState) {
		for _, src := range srcs {
			events = append(events, fsm.EventDesc{
				Name: formEventName(string(src), string(dst)),
				Src:  states(src),
				Dst:  string(dst),
			})
		}
	}

	addEvent(ConnConnecting, ConnDisconnected)
	addEvent(ConnConnected, ConnConnecting, ConnRegistered)
	addEvent(ConnRegistered, ConnConnected, ConnRegistrationFailed)
	addEvent(ConnRegistrationFailed, ConnConnecting, ConnConnected, ConnRegistered)
	addEvent(ConnDisconnected, ConnConnecting, ConnConnected, ConnRegistered, ConnRegistrationFailed)

	c.fsm = fsm.NewFSM(string(ConnDisconnected), events, fsm.Callbacks{
		"after_event": c.afterStateChange,
	})
}

func (c *ConnectionController) afterStateChange(ctx context.Context, e *fsm.Event) {
	connectionTransitions.WithLabelValues(e.Dst).Inc()

	c.handlersMu.Lock()
	handler := c.stateChangeHandler
	c.handlersMu.Unlock()

	if handler != nil {
		handler(ConnectionState(e.Dst))
	}
}

func (c *ConnectionController) setState(target ConnectionState) error {
	current := ConnectionState(c.fsm.Current())
	if current == target {
		return nil
	}
	return c.fsm.Event(context.TODO(), formEventName(string(current), string(target)))
}

// State возвращает текущее состояние соединения
func (c *ConnectionController) State() ConnectionState {
	return ConnectionState(c.fsm.Current())
}

// IsUsable сообщает, пригодно ли соединение для вызовов и DTMF.
// Истинно в состояниях connected и registered.
func (c *ConnectionController) IsUsable() bool {
	state := c.State()
	return state == ConnConnected || state == ConnRegistered
}

// Transport возвращает текущий транспорт или nil
func (c *ConnectionController) Transport() TransportHandle {
	c.transportMu.Lock()
	defer c.transportMu.Unlock()
	return c.transport
}

func (c *ConnectionController) setTransport(th TransportHandle) {
	c.transportMu.Lock()
	defer c.transportMu.Unlock()
	c.transport = th
}

// takeTransport атомарно забирает транспорт, оставляя nil
func (c *ConnectionController) takeTransport() TransportHandle {
	c.transportMu.Lock()
	defer c.transportMu.Unlock()
	th := c.transport
	c.transport = nil
	return th
}

// holdsTransport проверяет, что событие пришло от актуального транспорта.
// События пережившего supersession транспорта игнорируются.
func (c *ConnectionController) holdsTransport(th TransportHandle) bool {
	c.transportMu.Lock()
	defer c.transportMu.Unlock()
	return c.transport != nil && c.transport == th
}

// OnStateChange устанавливает обработчик смены состояния соединения
func (c *ConnectionController) OnStateChange(handler func(ConnectionState)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.stateChangeHandler = handler
}

func (c *ConnectionController) bindCalls(calls *CallSessionController) {
	c.calls = calls
}

// Connect создает транспорт, подписывается на его события и запускает его.
// При непустых учетных данных переводит состояние в connecting; движок
// дальше сам сообщит up/registered. Ошибка создания транспорта оставляет
// состояние disconnected.
func (c *ConnectionController) Connect(creds Credentials) error {
	slog.Debug("ConnectionController.Connect",
		slog.String("transportURI", creds.TransportURI),
		slog.String("identityURI", creds.IdentityURI),
		slog.String("state", c.State().String()))

	if verr := creds.validate(); verr != nil {
		slog.Debug("ConnectionController.Connect validation failed",
			slog.String("error", verr.Error()))
		c.log.Append("connect rejected: " + verr.Message)
		return verr
	}

	// Повторный connect поверх живого транспорта: сначала полное отключение
	if c.Transport() != nil {
		c.Disconnect()
	}

	th, err := c.engine.CreateTransport(creds.TransportURI)
	if err != nil {
		slog.Debug("ConnectionController.Connect create transport failed",
			slog.String("transportURI", creds.TransportURI),
			slog.String("error", err.Error()))
		c.log.Append("connection failed: " + err.Error())
		return NewTransportError("CREATE_TRANSPORT", "failed to create transport", err).
			WithField("transport_uri", creds.TransportURI)
	}

	c.engine.Subscribe(th, TransportEvents{
		OnUp:                 func() { c.onTransportUp(th) },
		OnDown:               func() { c.onTransportDown(th) },
		OnRegistered:         func() { c.onRegistered(th) },
		OnUnregistered:       func() { c.onUnregistered(th) },
		OnRegistrationFailed: func(reason string) { c.onRegistrationFailed(th, reason) },
		OnIncomingSession:    func(s SessionHandle) { c.onIncomingSession(th, s) },
	})

	// Транспорт и состояние connecting выставляются до Start: синхронный
	// движок может доставить up еще внутри Start, фильтр по хендлу должен
	// его пропустить, а у FSM должен быть переход connecting→connected
	c.setTransport(th)
	if err := c.setState(ConnConnecting); err != nil {
		c.takeTransport()
		return err
	}
	c.log.Append("connecting to " + creds.TransportURI)

	if err := c.engine.Start(th); err != nil {
		slog.Debug("ConnectionController.Connect start failed",
			slog.String("error", err.Error()))
		c.takeTransport()
		_ = c.engine.Stop(th)
		_ = c.setState(ConnDisconnected)
		c.log.Append("connection failed: " + err.Error())
		return NewTransportError("START_TRANSPORT", "failed to start transport", err)
	}
	return nil
}

// Disconnect завершает активный звонок, останавливает транспорт и переводит
// состояние в disconnected. Идемпотентен: безопасен без активного транспорта.
func (c *ConnectionController) Disconnect() {
	slog.Debug("ConnectionController.Disconnect",
		slog.String("state", c.State().String()))

	if c.calls != nil {
		c.calls.Hangup()
		c.calls.forceTerminated()
	}

	if th := c.takeTransport(); th != nil {
		if err := c.engine.Stop(th); err != nil {
			slog.Debug("ConnectionController.Disconnect stop failed",
				slog.String("transportID", th.ID()),
				slog.String("error", err.Error()))
		}
	}

	_ = c.setState(ConnDisconnected)
	c.log.Append("disconnected")
}

// Реконсиляция транспортных событий. Вызывается движком, не UI.

func (c *ConnectionController) onTransportUp(th TransportHandle) {
	if !c.holdsTransport(th) {
		slog.Debug("ConnectionController.onTransportUp stale transport ignored",
			slog.String("transportID", th.ID()))
		return
	}

	if err := c.setState(ConnConnected); err != nil {
		slog.Debug("ConnectionController.onTransportUp setState failed",
			slog.String("error", err.Error()))
		return
	}
	c.log.Append("connected")
}

func (c *ConnectionController) onTransportDown(th TransportHandle) {
	if !c.holdsTransport(th) {
		slog.Debug("ConnectionController.onTransportDown stale transport ignored",
			slog.String("transportID", th.ID()))
		return
	}

	// Упавший транспорт не может нести звонок
	c.takeTransport()
	if c.calls != nil {
		c.calls.onTransportLost()
	}

	_ = c.setState(ConnDisconnected)
	c.log.Append("connection lost")
}

func (c *ConnectionController) onRegistered(th TransportHandle) {
	if !c.holdsTransport(th) {
		return
	}

	if err := c.setState(ConnRegistered); err != nil {
		slog.Debug("ConnectionController.onRegistered setState failed",
			slog.String("error", err.Error()))
		return
	}
	c.log.Append("registered")
}

func (c *ConnectionController) onUnregistered(th TransportHandle) {
	if !c.holdsTransport(th) {
		return
	}

	// Регистрация потеряна, транспорт еще пригоден
	if err := c.setState(ConnConnected); err != nil {
		slog.Debug("ConnectionController.onUnregistered setState failed",
			slog.String("error", err.Error()))
		return
	}
	c.log.Append("unregistered")
}

func (c *ConnectionController) onRegistrationFailed(th TransportHandle, reason string) {
	if !c.holdsTransport(th) {
		return
	}

	reason = normalizeReason(reason)
	registrationFailures.Inc()

	if err := c.setState(ConnRegistrationFailed); err != nil {
		slog.Debug("ConnectionController.onRegistrationFailed setState failed",
			slog.String("error", err.Error()))
	}
	c.log.Append("registration failed: " + reason)
}

func (c *ConnectionController) onIncomingSession(th TransportHandle, session SessionHandle) {
	if !c.holdsTransport(th) {
		slog.Debug("ConnectionController.onIncomingSession stale transport ignored",
			slog.String("transportID", th.ID()))
		return
	}

	if c.calls == nil || c.calls.Session() != nil {
		slog.Debug("ConnectionController.onIncomingSession busy, rejecting",
			slog.String("sessionID", session.ID()))
		callsRejectedBusy.Inc()
		if err := c.engine.Reject(session, 486, "Busy Here"); err != nil {
			slog.Debug("ConnectionController.onIncomingSession reject failed",
				slog.String("error", err.Error()))
		}
		c.log.Append("incoming call rejected: busy")
		return
	}

	if err := c.calls.Adopt(session); err != nil {
		slog.Debug("ConnectionController.onIncomingSession adopt failed",
			slog.String("error", err.Error()))
	}
}
