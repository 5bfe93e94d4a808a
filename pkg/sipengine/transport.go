package sipengine

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/arzzra/webphone/pkg/phone"
)

// transport хендл сигнального соединения. Владеет слушателем sipgo
// и циклом регистрации; жизненный цикл от Start до Stop.
type transport struct {
	id     string
	engine *Engine
	uri    string
	// сеть для sipgo: udp, tcp или ws
	network   string
	registrar string // host[:port] сервера регистрации

	eventsMu sync.Mutex
	events   phone.TransportEvents

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
}

// транслируем схему URI в сеть sipgo
var networkBySchema = map[string]string{
	"udp": "udp",
	"tcp": "tcp",
	"sip": "udp",
	"ws":  "ws",
	"wss": "ws",
}

func newTransport(e *Engine, rawURI string) (*transport, error) {
	parsed, err := url.Parse(rawURI)
	if err != nil {
		return nil, errors.Wrapf(err, "malformed transport URI %q", rawURI)
	}

	network, ok := networkBySchema[parsed.Scheme]
	if !ok {
		return nil, errors.Errorf("unsupported transport scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, errors.Errorf("transport URI %q has no host", rawURI)
	}

	return &transport{
		id:        "transport-" + parsed.Host,
		engine:    e,
		uri:       rawURI,
		network:   network,
		registrar: parsed.Host,
	}, nil
}

// ID возвращает идентификатор хендла
func (t *transport) ID() string {
	return t.id
}

func (t *transport) setEvents(events phone.TransportEvents) {
	t.eventsMu.Lock()
	defer t.eventsMu.Unlock()
	t.events = events
}

func (t *transport) running() bool {
	return t.started.Load()
}

// start запускает слушатель и регистрацию. Повторный вызов - no-op.
func (t *transport) start() error {
	if !t.started.CompareAndSwap(false, true) {
		return nil
	}

	t.ctx, t.cancel = context.WithCancel(context.Background())

	slog.Debug("transport.start",
		slog.String("transportID", t.id),
		slog.String("network", t.network),
		slog.String("listenAddr", t.engine.cfg.ListenAddr))

	go func() {
		err := t.engine.server.ListenAndServe(t.ctx, t.network, t.engine.cfg.ListenAddr)
		if err != nil && t.ctx.Err() == nil {
			slog.Debug("transport.start listener failed",
				slog.String("transportID", t.id),
				slog.String("error", err.Error()))
			t.fireDown()
		}
	}()

	// Слушатель поднят, транспорт считается установленным
	t.fireUp()

	go t.registerLoop(t.ctx)
	return nil
}

// stop снимает регистрацию и гасит слушатель. Повторный вызов - no-op.
func (t *transport) stop() {
	if !t.started.CompareAndSwap(true, false) {
		return
	}

	slog.Debug("transport.stop", slog.String("transportID", t.id))

	// Снятие регистрации best-effort, до отмены контекста
	t.unregister()

	if t.cancel != nil {
		t.cancel()
	}
}

// Доставка событий контроллеру. Nil-обработчики пропускаются.

func (t *transport) fireUp() {
	t.eventsMu.Lock()
	h := t.events.OnUp
	t.eventsMu.Unlock()
	if h != nil {
		h()
	}
}

func (t *transport) fireDown() {
	t.eventsMu.Lock()
	h := t.events.OnDown
	t.eventsMu.Unlock()
	if h != nil {
		h()
	}
}

func (t *transport) fireRegistered() {
	t.eventsMu.Lock()
	h := t.events.OnRegistered
	t.eventsMu.Unlock()
	if h != nil {
		h()
	}
}

func (t *transport) fireUnregistered() {
	t.eventsMu.Lock()
	h := t.events.OnUnregistered
	t.eventsMu.Unlock()
	if h != nil {
		h()
	}
}

func (t *transport) fireRegistrationFailed(reason string) {
	t.eventsMu.Lock()
	h := t.events.OnRegistrationFailed
	t.eventsMu.Unlock()
	if h != nil {
		h(reason)
	}
}

func (t *transport) fireIncomingSession(s *session) {
	t.eventsMu.Lock()
	h := t.events.OnIncomingSession
	t.eventsMu.Unlock()
	if h != nil {
		h(s)
	}
}
