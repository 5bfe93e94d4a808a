package phone

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/looplab/fsm"
)

/*
FSM сессии звонка:

	[idle] → [calling] → [in-call] → [terminated]
	                 ↘            ↘
	                  [failed]     [failed]

Из терминальных состояний (terminated, failed) разрешен новый вызов:
terminated/failed → calling. Из calling и in-call новый Dial отклоняется
предусловием, в FSM таких переходов нет.
*/

// CallSessionController владеет единственной активной сессией звонка.
// Управляет исходящим набором, принятием входящих сессий, DTMF и
// завершением; транслирует события сессии в CallState и журнал.
type CallSessionController struct {
	fsm    *fsm.FSM
	engine SignalingEngine
	log    *ActivityLog
	conn   *ConnectionController

	sessionMu sync.Mutex
	session   SessionHandle

	handlersMu         sync.Mutex
	stateChangeHandler func(CallState)
}

// NewCallSessionController создает контроллер в состоянии idle
func NewCallSessionController(engine SignalingEngine, log *ActivityLog, conn *ConnectionController) *CallSessionController {
	c := &CallSessionController{
		engine: engine,
		log:    log,
		conn:   conn,
	}
	c.initFSM()
	return c
}

func (c *CallSessionController) initFSM() {
	events := fsm.Events{}
	addEvent := func(dst CallState, srcs ...CallState) {
		for _, src := range srcs {
			events = append(events, fsm.EventDesc{
				Name: formEventName(string(src), string(dst)),
				Src:  []string{string(src)},
				Dst:  string(dst),
			})
		}
	}

	addEvent(CallCalling, CallIdle, CallTerminated, CallFailed)
	addEvent(CallInCall, CallCalling)
	addEvent(CallTerminated, CallIdle, CallCalling, CallInCall, CallFailed)
	addEvent(CallFailed, CallIdle, CallCalling, CallInCall, CallTerminated)

	c.fsm = fsm.NewFSM(string(CallIdle), events, fsm.Callbacks{
		"after_event": c.afterStateChange,
	})
}

func (c *CallSessionController) afterStateChange(ctx context.Context, e *fsm.Event) {
	c.handlersMu.Lock()
	handler := c.stateChangeHandler
	c.handlersMu.Unlock()

	if handler != nil {
		handler(CallState(e.Dst))
	}
}

func (c *CallSessionController) setState(target CallState) error {
	current := CallState(c.fsm.Current())
	if current == target {
		return nil
	}
	return c.fsm.Event(context.TODO(), formEventName(string(current), string(target)))
}

// State возвращает текущее состояние звонка
func (c *CallSessionController) State() CallState {
	return CallState(c.fsm.Current())
}

// Session возвращает активную сессию или nil
func (c *CallSessionController) Session() SessionHandle {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.session
}

func (c *CallSessionController) setSession(h SessionHandle) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	c.session = h
}

// takeSession атомарно забирает сессию. Повторный вызов вернет nil,
// чем обеспечивается ровно одно освобождение хендла.
func (c *CallSessionController) takeSession(h SessionHandle) SessionHandle {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if c.session == nil || c.session != h {
		return nil
	}
	c.session = nil
	return h
}

// holdsSession проверяет, что событие пришло от актуальной сессии
func (c *CallSessionController) holdsSession(h SessionHandle) bool {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.session != nil && c.session == h
}

// OnStateChange устанавливает обработчик смены состояния звонка
func (c *CallSessionController) OnStateChange(handler func(CallState)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.stateChangeHandler = handler
}

func (c *CallSessionController) subscribe(h SessionHandle) {
	c.engine.SubscribeSession(h, SessionEvents{
		OnProgress:  func() { c.onProgress(h) },
		OnConfirmed: func() { c.onConfirmed(h) },
		OnEnded:     func() { c.onEnded(h) },
		OnFailed:    func(reason string) { c.onFailed(h, reason) },
	})
}

// Dial начинает исходящий вызов на number.
// Предусловия: соединение пригодно (IsUsable) и нет активной сессии.
// Нарушение предусловия не доходит до движка: только лог плюс ошибка.
func (c *CallSessionController) Dial(number string) error {
	slog.Debug("CallSessionController.Dial",
		slog.String("number", number),
		slog.String("state", c.State().String()))

	if number == "" {
		verr := NewValidationError("EMPTY_NUMBER", "destination number is required")
		c.log.Append("call rejected: no number")
		return verr
	}

	if !c.conn.IsUsable() {
		perr := NewPreconditionError("NOT_CONNECTED", "cannot dial while not connected")
		c.log.Append("call rejected: not connected")
		return perr
	}

	if c.Session() != nil {
		perr := NewPreconditionError("CALL_IN_PROGRESS", "another call is already in progress")
		c.log.Append("call rejected: call in progress")
		return perr
	}

	h, err := c.engine.CreateOutboundSession(c.conn.Transport(), number,
		DefaultMediaPolicy(), DefaultTransportPolicy())
	if err != nil {
		slog.Debug("CallSessionController.Dial create session failed",
			slog.String("number", number),
			slog.String("error", err.Error()))
		callsFailed.Inc()
		_ = c.setState(CallFailed)
		c.log.Append("call failed: " + err.Error())
		return NewSessionError("CREATE_SESSION", "failed to start outbound call", err).
			WithField("number", number)
	}

	c.setSession(h)
	c.subscribe(h)

	if err := c.setState(CallCalling); err != nil {
		return err
	}

	callsStarted.WithLabelValues("outbound").Inc()
	activeCalls.Set(1)
	c.log.Append("calling " + number)
	return nil
}

// Adopt принимает входящую сессию, обнаруженную ConnectionController.
// Подписка та же, что у Dial, но состояние не меняется: сессия стартует
// в том состоянии, которое сообщит движок (обычно первое progress).
func (c *CallSessionController) Adopt(session SessionHandle) error {
	slog.Debug("CallSessionController.Adopt",
		slog.String("sessionID", session.ID()),
		slog.String("state", c.State().String()))

	if c.Session() != nil {
		return NewPreconditionError("CALL_IN_PROGRESS", "session already held")
	}

	c.setSession(session)
	c.subscribe(session)

	callsStarted.WithLabelValues("inbound").Inc()
	activeCalls.Set(1)
	c.log.Append("incoming call")
	return nil
}

// Hangup завершает активную сессию. Без активной сессии - no-op.
// Хендл освобождается сразу: позднее ended от движка отфильтруется
// проверкой идентичности хендла.
func (c *CallSessionController) Hangup() {
	c.sessionMu.Lock()
	h := c.session
	c.sessionMu.Unlock()

	slog.Debug("CallSessionController.Hangup",
		slog.String("state", c.State().String()))

	if h == nil {
		return
	}

	if err := c.engine.Terminate(h); err != nil {
		slog.Debug("CallSessionController.Hangup terminate failed",
			slog.String("sessionID", h.ID()),
			slog.String("error", err.Error()))
	}

	c.takeSession(h)
	activeCalls.Set(0)
	_ = c.setState(CallTerminated)
	c.log.Append("call terminated")
}

// SendDigit передает DTMF цифру в активную сессию.
// Без активной сессии - no-op. Состояние звонка не меняется.
func (c *CallSessionController) SendDigit(digit rune) error {
	h := c.Session()
	if h == nil {
		slog.Debug("CallSessionController.SendDigit no active session",
			slog.String("digit", string(digit)))
		return nil
	}

	if err := c.engine.SendDigit(h, digit); err != nil {
		slog.Debug("CallSessionController.SendDigit failed",
			slog.String("digit", string(digit)),
			slog.String("error", err.Error()))
		c.log.Append("DTMF failed: " + err.Error())
		return NewSessionError("SEND_DIGIT", "failed to send DTMF digit", err)
	}

	c.log.Append(fmt.Sprintf("sent DTMF %c", digit))
	return nil
}

// forceTerminated безусловно переводит звонок в terminated.
// Используется ConnectionController при disconnect.
func (c *CallSessionController) forceTerminated() {
	_ = c.setState(CallTerminated)
}

// onTransportLost вызывается при падении транспорта: упавшее соединение
// не может нести звонок, сессия освобождается без обращения к движку.
func (c *CallSessionController) onTransportLost() {
	c.sessionMu.Lock()
	h := c.session
	c.session = nil
	c.sessionMu.Unlock()

	if h != nil {
		activeCalls.Set(0)
		c.log.Append("call terminated")
	}
	_ = c.setState(CallTerminated)
}

// Реконсиляция событий сессии. Вызывается движком, не UI.

func (c *CallSessionController) onProgress(h SessionHandle) {
	if !c.holdsSession(h) {
		slog.Debug("CallSessionController.onProgress stale session ignored",
			slog.String("sessionID", h.ID()))
		return
	}

	if err := c.setState(CallCalling); err != nil {
		slog.Debug("CallSessionController.onProgress setState failed",
			slog.String("error", err.Error()))
		return
	}
	c.log.Append("call progress")
}

func (c *CallSessionController) onConfirmed(h SessionHandle) {
	if !c.holdsSession(h) {
		slog.Debug("CallSessionController.onConfirmed stale session ignored",
			slog.String("sessionID", h.ID()))
		return
	}

	if err := c.setState(CallInCall); err != nil {
		slog.Debug("CallSessionController.onConfirmed setState failed",
			slog.String("error", err.Error()))
		return
	}
	c.log.Append("call confirmed")
}

func (c *CallSessionController) onEnded(h SessionHandle) {
	if c.takeSession(h) == nil {
		slog.Debug("CallSessionController.onEnded stale session ignored",
			slog.String("sessionID", h.ID()))
		return
	}

	activeCalls.Set(0)
	_ = c.setState(CallTerminated)
	c.log.Append("call ended")
}

func (c *CallSessionController) onFailed(h SessionHandle, reason string) {
	if c.takeSession(h) == nil {
		slog.Debug("CallSessionController.onFailed stale session ignored",
			slog.String("sessionID", h.ID()))
		return
	}

	reason = normalizeReason(reason)
	callsFailed.Inc()
	activeCalls.Set(0)
	_ = c.setState(CallFailed)
	c.log.Append("call failed: " + reason)
}
