package sipengine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/webphone/pkg/phone"
)

// Config конфигурация движка
type Config struct {
	// IdentityURI SIP адрес пользователя, например "sip:alice@example.com"
	IdentityURI string
	// DisplayName отображаемое имя в From/Contact
	DisplayName string
	// Secret пароль для digest-аутентификации
	Secret string
	// ListenAddr локальный адрес транспорта, host:port
	ListenAddr string
	// UserAgent значение заголовка User-Agent
	UserAgent string
	// RegisterExpiry запрашиваемое время жизни регистрации
	RegisterExpiry time.Duration
}

func (c *Config) applyDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = "WebPhone/1.0"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:5060"
	}
	if c.RegisterExpiry <= 0 {
		c.RegisterExpiry = 5 * time.Minute
	}
}

// Проверяем, что Engine реализует интерфейс движка
var _ phone.SignalingEngine = (*Engine)(nil)

// Engine сигнальный движок поверх sipgo. Создается один на процесс,
// одновременно обслуживает один транспорт.
type Engine struct {
	cfg Config

	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client

	identity sip.Uri

	mu        sync.Mutex
	transport *transport
	sessions  map[string]*session // по Call-ID
}

// New создает движок с указанной конфигурацией
func New(cfg Config) (*Engine, error) {
	cfg.applyDefaults()

	if cfg.IdentityURI == "" {
		return nil, errors.New("identity URI is required")
	}

	var identity sip.Uri
	if err := sip.ParseUri(cfg.IdentityURI, &identity); err != nil {
		return nil, errors.Wrap(err, "failed to parse identity URI")
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create user agent")
	}

	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create server")
	}

	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create client")
	}

	e := &Engine{
		cfg:      cfg,
		ua:       ua,
		server:   server,
		client:   client,
		identity: identity,
		sessions: make(map[string]*session),
	}
	e.onRequests()

	return e, nil
}

func (e *Engine) onRequests() {
	e.server.OnInvite(e.handleInvite)
	e.server.OnAck(e.handleAck)
	e.server.OnBye(e.handleBye)
	e.server.OnCancel(e.handleCancel)
}

// CreateTransport создает транспорт для указанного URI.
// Поддерживаются схемы udp, tcp, ws и wss.
func (e *Engine) CreateTransport(uri string) (phone.TransportHandle, error) {
	slog.Debug("Engine.CreateTransport", slog.String("uri", uri))

	t, err := newTransport(e, uri)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.transport = t
	e.mu.Unlock()

	return t, nil
}

// Subscribe привязывает обработчики событий к транспорту
func (e *Engine) Subscribe(th phone.TransportHandle, events phone.TransportEvents) {
	if t, ok := th.(*transport); ok {
		t.setEvents(events)
	}
}

// Start запускает слушатель и цикл регистрации. Идемпотентен.
func (e *Engine) Start(th phone.TransportHandle) error {
	t, ok := th.(*transport)
	if !ok {
		return errors.New("foreign transport handle")
	}
	return t.start()
}

// Stop останавливает транспорт и снимает регистрацию. Идемпотентен.
func (e *Engine) Stop(th phone.TransportHandle) error {
	t, ok := th.(*transport)
	if !ok {
		return errors.New("foreign transport handle")
	}
	t.stop()

	e.mu.Lock()
	if e.transport == t {
		e.transport = nil
	}
	e.mu.Unlock()
	return nil
}

// CreateOutboundSession начинает исходящий вызов
func (e *Engine) CreateOutboundSession(th phone.TransportHandle, destination string, media phone.MediaPolicy, policy phone.TransportPolicy) (phone.SessionHandle, error) {
	t, ok := th.(*transport)
	if !ok {
		return nil, errors.New("foreign transport handle")
	}

	slog.Debug("Engine.CreateOutboundSession",
		slog.String("destination", destination),
		slog.Bool("audio", media.Audio),
		slog.Bool("rtcpMux", policy.RTCPMux))

	s, err := newOutboundSession(e, t, destination, media, policy)
	if err != nil {
		return nil, err
	}

	e.putSession(s)
	s.run()
	return s, nil
}

// SubscribeSession привязывает обработчики событий к сессии.
// До подписки события сессии задерживаются, не теряются.
func (e *Engine) SubscribeSession(h phone.SessionHandle, events phone.SessionEvents) {
	if s, ok := h.(*session); ok {
		s.setEvents(events)
	}
}

// Terminate завершает сессию: BYE после подтверждения,
// CANCEL или отказ до него
func (e *Engine) Terminate(h phone.SessionHandle) error {
	s, ok := h.(*session)
	if !ok {
		return errors.New("foreign session handle")
	}
	return s.terminate()
}

// Reject отклоняет входящую сессию с указанным кодом
func (e *Engine) Reject(h phone.SessionHandle, code int, reason string) error {
	s, ok := h.(*session)
	if !ok {
		return errors.New("foreign session handle")
	}
	return s.reject(code, reason)
}

// SendDigit передает DTMF цифру через INFO application/dtmf-relay
func (e *Engine) SendDigit(h phone.SessionHandle, digit rune) error {
	s, ok := h.(*session)
	if !ok {
		return errors.New("foreign session handle")
	}
	return s.sendDigit(digit)
}

func (e *Engine) putSession(s *session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[s.callID] = s
}

func (e *Engine) dropSession(s *session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessions[s.callID] == s {
		delete(e.sessions, s.callID)
	}
}

func (e *Engine) sessionByCallID(callID string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[callID]
}

func (e *Engine) currentTransport() *transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transport
}

// Входящие запросы от sipgo

func (e *Engine) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		resp := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "empty call id", nil)
		if err := tx.Respond(resp); err != nil {
			slog.Error("Engine.handleInvite respond failed", slog.Any("error", err))
		}
		return
	}

	t := e.currentTransport()
	if t == nil || !t.running() {
		resp := sip.NewResponseFromRequest(req, 503, "Service Unavailable", nil)
		if err := tx.Respond(resp); err != nil {
			slog.Error("Engine.handleInvite respond failed", slog.Any("error", err))
		}
		return
	}

	// Повторный INVITE в рамках известного диалога (re-INVITE) не поддержан
	if existing := e.sessionByCallID(callID.Value()); existing != nil {
		resp := sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil)
		if err := tx.Respond(resp); err != nil {
			slog.Error("Engine.handleInvite respond failed", slog.Any("error", err))
		}
		return
	}

	s := newInboundSession(e, t, req, tx)
	e.putSession(s)
	t.fireIncomingSession(s)
	s.run()
}

func (e *Engine) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	if callID := req.CallID(); callID != nil {
		if s := e.sessionByCallID(callID.Value()); s != nil {
			s.handleAck()
		}
	}
}

func (e *Engine) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(resp); err != nil {
		slog.Error("Engine.handleBye respond failed", slog.Any("error", err))
	}

	if callID := req.CallID(); callID != nil {
		if s := e.sessionByCallID(callID.Value()); s != nil {
			s.handleRemoteBye()
		}
	}
}

func (e *Engine) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	if callID := req.CallID(); callID != nil {
		if s := e.sessionByCallID(callID.Value()); s != nil {
			s.handleRemoteCancel()
		}
	}
}
