package phone_test

import (
	"fmt"
	"sync"

	"github.com/arzzra/webphone/pkg/phone"
)

// fakeTransport тестовый транспортный хендл
type fakeTransport struct {
	id string
}

func (t *fakeTransport) ID() string { return t.id }

// fakeSession тестовый хендл сессии
type fakeSession struct {
	id string
}

func (s *fakeSession) ID() string { return s.id }

// engineCall одна записанная команда движку
type engineCall struct {
	method string
	args   []interface{}
}

// fakeEngine записывает все команды и позволяет тестам вручную
// доставлять события транспорта и сессий
type fakeEngine struct {
	mu    sync.Mutex
	calls []engineCall

	createTransportErr error
	startErr           error
	createSessionErr   error
	terminateErr       error

	// onStart моделирует движок, доставляющий транспортные события
	// синхронно, еще внутри Start
	onStart func(th phone.TransportHandle)

	transportEvents map[string]phone.TransportEvents
	sessionEvents   map[string]phone.SessionEvents

	nextTransport int
	nextSession   int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		transportEvents: make(map[string]phone.TransportEvents),
		sessionEvents:   make(map[string]phone.SessionEvents),
	}
}

func (e *fakeEngine) record(method string, args ...interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, engineCall{method: method, args: args})
}

// callCount возвращает число команд с данным именем; пустое имя считает все
func (e *fakeEngine) callCount(method string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if method == "" {
		return len(e.calls)
	}
	n := 0
	for _, c := range e.calls {
		if c.method == method {
			n++
		}
	}
	return n
}

func (e *fakeEngine) lastCall() engineCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.calls) == 0 {
		return engineCall{}
	}
	return e.calls[len(e.calls)-1]
}

func (e *fakeEngine) CreateTransport(uri string) (phone.TransportHandle, error) {
	e.record("CreateTransport", uri)
	if e.createTransportErr != nil {
		return nil, e.createTransportErr
	}
	e.nextTransport++
	return &fakeTransport{id: fmt.Sprintf("transport-%d", e.nextTransport)}, nil
}

func (e *fakeEngine) Subscribe(th phone.TransportHandle, events phone.TransportEvents) {
	e.record("Subscribe", th)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transportEvents[th.ID()] = events
}

func (e *fakeEngine) Start(th phone.TransportHandle) error {
	e.record("Start", th)
	if e.onStart != nil {
		e.onStart(th)
	}
	return e.startErr
}

func (e *fakeEngine) Stop(th phone.TransportHandle) error {
	e.record("Stop", th)
	return nil
}

func (e *fakeEngine) CreateOutboundSession(th phone.TransportHandle, destination string, media phone.MediaPolicy, policy phone.TransportPolicy) (phone.SessionHandle, error) {
	e.record("CreateOutboundSession", th, destination, media, policy)
	if e.createSessionErr != nil {
		return nil, e.createSessionErr
	}
	e.nextSession++
	return &fakeSession{id: fmt.Sprintf("session-%d", e.nextSession)}, nil
}

func (e *fakeEngine) SubscribeSession(h phone.SessionHandle, events phone.SessionEvents) {
	e.record("SubscribeSession", h)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionEvents[h.ID()] = events
}

func (e *fakeEngine) Terminate(h phone.SessionHandle) error {
	e.record("Terminate", h)
	return e.terminateErr
}

func (e *fakeEngine) Reject(h phone.SessionHandle, code int, reason string) error {
	e.record("Reject", h, code, reason)
	return nil
}

func (e *fakeEngine) SendDigit(h phone.SessionHandle, digit rune) error {
	e.record("SendDigit", h, digit)
	return nil
}

// Доставка событий транспорта

func (e *fakeEngine) transportHandlers(th phone.TransportHandle) phone.TransportEvents {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transportEvents[th.ID()]
}

func (e *fakeEngine) fireUp(th phone.TransportHandle)   { e.transportHandlers(th).OnUp() }
func (e *fakeEngine) fireDown(th phone.TransportHandle) { e.transportHandlers(th).OnDown() }
func (e *fakeEngine) fireRegistered(th phone.TransportHandle) {
	e.transportHandlers(th).OnRegistered()
}
func (e *fakeEngine) fireUnregistered(th phone.TransportHandle) {
	e.transportHandlers(th).OnUnregistered()
}
func (e *fakeEngine) fireRegistrationFailed(th phone.TransportHandle, reason string) {
	e.transportHandlers(th).OnRegistrationFailed(reason)
}
func (e *fakeEngine) fireIncomingSession(th phone.TransportHandle, h phone.SessionHandle) {
	e.transportHandlers(th).OnIncomingSession(h)
}

// Доставка событий сессии

func (e *fakeEngine) sessionHandlers(h phone.SessionHandle) phone.SessionEvents {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionEvents[h.ID()]
}

func (e *fakeEngine) fireProgress(h phone.SessionHandle)  { e.sessionHandlers(h).OnProgress() }
func (e *fakeEngine) fireConfirmed(h phone.SessionHandle) { e.sessionHandlers(h).OnConfirmed() }
func (e *fakeEngine) fireEnded(h phone.SessionHandle)     { e.sessionHandlers(h).OnEnded() }
func (e *fakeEngine) fireFailed(h phone.SessionHandle, reason string) {
	e.sessionHandlers(h).OnFailed(reason)
}

// testCredentials валидные учетные данные для тестов
func testCredentials() phone.Credentials {
	return phone.Credentials{
		TransportURI: "wss://sip.example.com:7443",
		IdentityURI:  "sip:alice@example.com",
		DisplayName:  "Alice",
		Secret:       "secret",
	}
}

// connectedPhone создает телефон и доводит его до registered
func connectedPhone(eng *fakeEngine) (*phone.Phone, phone.TransportHandle) {
	p := phone.New(eng)
	if err := p.Connect(testCredentials()); err != nil {
		panic(err)
	}
	th := p.Connection().Transport()
	eng.fireUp(th)
	eng.fireRegistered(th)
	return p, th
}
