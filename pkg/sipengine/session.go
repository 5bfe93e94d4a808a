package sipengine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/webphone/pkg/phone"
)

// session хендл одного вызова, исходящего или входящего.
// Жизненный цикл: создание → подписка контроллера → обмен событиями →
// терминальное событие или terminate/reject.
type session struct {
	id      string
	callID  string
	engine  *Engine
	tr      *transport
	inbound bool

	ctx context.Context

	eventsMu sync.Mutex
	events   phone.SessionEvents

	// ready закрывается после SubscribeSession: до этого события
	// сессии задерживаются, чтобы контроллер их не потерял
	ready     chan struct{}
	readyOnce sync.Once

	// closed закрывается при завершении сессии
	closed    chan struct{}
	finished  atomic.Bool
	confirmed atomic.Bool

	mu           sync.Mutex
	inviteReq    *sip.Request
	inviteTx     sip.ClientTransaction
	serverTx     sip.ServerTransaction
	localTag     string
	remoteTag    string
	localURI     sip.Uri
	remoteURI    sip.Uri
	remoteTarget sip.Uri
	cseq         atomic.Uint32
}

// newOutboundSession строит INVITE с audio-only SDP оффером
func newOutboundSession(e *Engine, t *transport, destination string, media phone.MediaPolicy, policy phone.TransportPolicy) (*session, error) {
	target, err := resolveDestination(destination, t.registrar)
	if err != nil {
		return nil, err
	}

	offer, err := buildOffer(e.cfg.ListenAddr, media, policy)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build SDP offer")
	}

	localTag := sip.RandString(8)
	callID := sip.RandString(32)

	req := sip.NewRequest(sip.INVITE, target)

	from := sip.FromHeader{
		DisplayName: e.cfg.DisplayName,
		Address:     e.identity,
		Params:      sip.NewParams().Add("tag", localTag),
	}
	req.AppendHeader(&from)

	to := sip.ToHeader{Address: target}
	req.AppendHeader(&to)

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)

	contact := sip.ContactHeader{Address: e.contactURI()}
	req.AppendHeader(&contact)

	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	contentType := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&contentType)
	req.SetBody(offer)

	s := &session{
		id:           "session-" + callID,
		callID:       callID,
		engine:       e,
		tr:           t,
		ctx:          t.ctx,
		ready:        make(chan struct{}),
		closed:       make(chan struct{}),
		inviteReq:    req,
		localTag:     localTag,
		localURI:     e.identity,
		remoteURI:    target,
		remoteTarget: target,
	}
	s.cseq.Store(1)
	return s, nil
}

// newInboundSession оборачивает входящий INVITE
func newInboundSession(e *Engine, t *transport, req *sip.Request, tx sip.ServerTransaction) *session {
	callID := req.CallID().Value()

	s := &session{
		id:        "session-" + callID,
		callID:    callID,
		engine:    e,
		tr:        t,
		ctx:       t.ctx,
		inbound:   true,
		ready:     make(chan struct{}),
		closed:    make(chan struct{}),
		inviteReq: req,
		serverTx:  tx,
		localTag:  sip.RandString(8),
	}
	s.cseq.Store(1)

	if from := req.From(); from != nil {
		s.remoteURI = from.Address
		if from.Params != nil {
			if tag, ok := from.Params.Get("tag"); ok {
				s.remoteTag = tag
			}
		}
	}
	s.localURI = req.Recipient
	s.remoteTarget = s.remoteURI
	if contact := req.Contact(); contact != nil {
		s.remoteTarget = contact.Address
	}

	return s
}

// resolveDestination превращает набранный номер в SIP URI.
// Голый номер дополняется доменом регистратора.
func resolveDestination(destination, registrar string) (sip.Uri, error) {
	var uri sip.Uri

	raw := destination
	if !strings.HasPrefix(raw, "sip:") && !strings.HasPrefix(raw, "sips:") {
		if strings.Contains(raw, "@") {
			raw = "sip:" + raw
		} else {
			host, _ := splitHostPort(registrar, 0)
			raw = fmt.Sprintf("sip:%s@%s", raw, host)
		}
	}

	if err := sip.ParseUri(raw, &uri); err != nil {
		return uri, errors.Wrapf(err, "malformed destination %q", destination)
	}
	return uri, nil
}

// ID возвращает идентификатор хендла
func (s *session) ID() string {
	return s.id
}

func (s *session) setEvents(events phone.SessionEvents) {
	s.eventsMu.Lock()
	s.events = events
	s.eventsMu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
}

// finish помечает сессию завершенной. Возвращает true ровно один раз.
func (s *session) finish() bool {
	if !s.finished.CompareAndSwap(false, true) {
		return false
	}
	close(s.closed)
	s.engine.dropSession(s)
	return true
}

// run запускает цикл сессии после того, как контроллер подпишется
func (s *session) run() {
	if s.inbound {
		go s.runInbound()
	} else {
		go s.runOutbound()
	}
}

func (s *session) runOutbound() {
	select {
	case <-s.ready:
	case <-s.closed:
		return
	}
	if s.finished.Load() {
		return
	}

	tx, err := s.engine.client.TransactionRequest(s.ctx, s.inviteReq)
	if err != nil {
		slog.Debug("session.runOutbound invite failed",
			slog.String("sessionID", s.id),
			slog.String("error", err.Error()))
		if s.finish() {
			s.fireFailed(err.Error())
		}
		return
	}

	s.mu.Lock()
	s.inviteTx = tx
	s.mu.Unlock()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.closed:
			return
		case <-tx.Done():
			if err := tx.Err(); err != nil && s.finish() {
				s.fireFailed(err.Error())
			}
			return
		case res, ok := <-tx.Responses():
			if !ok {
				return
			}
			if final := s.handleInviteResponse(res); final {
				return
			}
		}
	}
}

// handleInviteResponse транслирует ответ на INVITE в событие сессии.
// Возвращает true, когда транзакция исчерпана.
func (s *session) handleInviteResponse(res *sip.Response) bool {
	slog.Debug("session.handleInviteResponse",
		slog.String("sessionID", s.id),
		slog.Int("status", int(res.StatusCode)))

	switch {
	case res.StatusCode == sip.StatusTrying:
		return false

	case res.StatusCode < 200:
		s.fireProgress()
		return false

	case res.StatusCode < 300:
		s.mu.Lock()
		if to := res.To(); to != nil && to.Params != nil {
			if tag, ok := to.Params.Get("tag"); ok {
				s.remoteTag = tag
			}
		}
		if contact := res.Contact(); contact != nil {
			s.remoteTarget = contact.Address
		}
		inviteReq := s.inviteReq
		s.mu.Unlock()

		ack := sip.NewAckRequest(inviteReq, res, nil)
		if err := s.engine.client.WriteRequest(ack); err != nil {
			slog.Debug("session.handleInviteResponse ack failed",
				slog.String("sessionID", s.id),
				slog.String("error", err.Error()))
		}

		s.confirmed.Store(true)
		s.fireConfirmed()
		return true

	default:
		if s.finish() {
			s.fireFailed(fmt.Sprintf("%d %s", res.StatusCode, res.Reason))
		}
		return true
	}
}

// runInbound отвечает 180 Ringing и затем авто-ответом 200 с SDP.
// Команды answer у ядра нет, принятая контроллером сессия отвечается
// движком самостоятельно.
func (s *session) runInbound() {
	select {
	case <-s.ready:
	case <-s.closed:
		return
	}

	s.mu.Lock()
	req := s.inviteReq
	tx := s.serverTx
	s.mu.Unlock()

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	s.addToTag(ringing)
	if err := tx.Respond(ringing); err != nil {
		slog.Debug("session.runInbound ringing failed",
			slog.String("sessionID", s.id),
			slog.String("error", err.Error()))
	}
	s.fireProgress()

	answer, err := buildOffer(s.engine.cfg.ListenAddr, phone.DefaultMediaPolicy(), phone.DefaultTransportPolicy())
	if err != nil {
		slog.Debug("session.runInbound answer SDP failed",
			slog.String("sessionID", s.id),
			slog.String("error", err.Error()))
		if s.finish() {
			s.fireFailed(err.Error())
		}
		return
	}

	ok := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", answer)
	s.addToTag(ok)
	contentType := sip.ContentTypeHeader("application/sdp")
	ok.AppendHeader(&contentType)

	if err := tx.Respond(ok); err != nil {
		slog.Debug("session.runInbound answer failed",
			slog.String("sessionID", s.id),
			slog.String("error", err.Error()))
		if s.finish() {
			s.fireFailed(err.Error())
		}
		return
	}
	// Подтверждение придет с ACK, см. handleAck
}

func (s *session) addToTag(res *sip.Response) {
	to := res.To()
	if to == nil {
		return
	}
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	if _, ok := to.Params.Get("tag"); !ok {
		to.Params.Add("tag", s.localTag)
	}
}

// handleAck подтверждение входящего вызова
func (s *session) handleAck() {
	if !s.inbound || s.finished.Load() {
		return
	}
	if s.confirmed.CompareAndSwap(false, true) {
		s.fireConfirmed()
	}
}

// handleRemoteBye удаленная сторона положила трубку
func (s *session) handleRemoteBye() {
	if s.finish() {
		s.fireEnded()
	}
}

// handleRemoteCancel входящий вызов отозван до ответа
func (s *session) handleRemoteCancel() {
	if !s.inbound {
		return
	}
	if s.finish() {
		s.mu.Lock()
		req := s.inviteReq
		tx := s.serverTx
		s.mu.Unlock()

		terminated := sip.NewResponseFromRequest(req, sip.StatusRequestTerminated, "Request Terminated", nil)
		s.addToTag(terminated)
		if err := tx.Respond(terminated); err != nil {
			slog.Debug("session.handleRemoteCancel respond failed",
				slog.String("sessionID", s.id),
				slog.String("error", err.Error()))
		}
		s.fireFailed("Canceled")
	}
}

// terminate локальное завершение: BYE после подтверждения,
// CANCEL или отказ до него
func (s *session) terminate() error {
	if !s.finish() {
		return nil
	}

	slog.Debug("session.terminate",
		slog.String("sessionID", s.id),
		slog.Bool("inbound", s.inbound),
		slog.Bool("confirmed", s.confirmed.Load()))

	switch {
	case s.confirmed.Load():
		bye := s.makeInDialogRequest(sip.BYE)
		if _, err := s.engine.client.TransactionRequest(s.ctx, bye); err != nil {
			return errors.Wrap(err, "failed to send BYE")
		}

	case s.inbound:
		s.mu.Lock()
		req := s.inviteReq
		tx := s.serverTx
		s.mu.Unlock()

		decline := sip.NewResponseFromRequest(req, 603, "Decline", nil)
		s.addToTag(decline)
		if err := tx.Respond(decline); err != nil {
			return errors.Wrap(err, "failed to decline")
		}

	default:
		s.mu.Lock()
		req := s.inviteReq
		tx := s.inviteTx
		s.mu.Unlock()

		// INVITE мог еще не уйти: runOutbound остановит его по closed,
		// CANCEL нужен только существующей транзакции
		if tx == nil {
			return nil
		}

		cancel := sip.NewCancelRequest(req)
		if _, err := s.engine.client.TransactionRequest(s.ctx, cancel); err != nil {
			return errors.Wrap(err, "failed to send CANCEL")
		}
		tx.Terminate()
	}
	return nil
}

// reject отказ по входящей сессии, обычно 486 при занятости
func (s *session) reject(code int, reason string) error {
	if !s.inbound {
		return errors.New("cannot reject outbound session")
	}
	if !s.finish() {
		return nil
	}

	s.mu.Lock()
	req := s.inviteReq
	tx := s.serverTx
	s.mu.Unlock()

	res := sip.NewResponseFromRequest(req, sip.StatusCode(code), reason, nil)
	s.addToTag(res)
	if err := tx.Respond(res); err != nil {
		return errors.Wrap(err, "failed to reject session")
	}
	return nil
}

// sendDigit передает DTMF через INFO application/dtmf-relay
func (s *session) sendDigit(digit rune) error {
	if s.finished.Load() {
		return errors.New("session already finished")
	}
	if !s.confirmed.Load() {
		return errors.New("session not confirmed")
	}

	req := s.makeInDialogRequest(sip.INFO)
	contentType := sip.ContentTypeHeader("application/dtmf-relay")
	req.AppendHeader(&contentType)
	req.SetBody([]byte(fmt.Sprintf("Signal=%c\r\nDuration=160\r\n", digit)))

	if _, err := s.engine.client.TransactionRequest(s.ctx, req); err != nil {
		return errors.Wrap(err, "failed to send INFO")
	}
	return nil
}

// makeInDialogRequest строит запрос в рамках установленного диалога
func (s *session) makeInDialogRequest(method sip.RequestMethod) *sip.Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := sip.NewRequest(method, s.remoteTarget)

	// Для входящего диалога локальная сторона была в To исходного
	// INVITE, но в новом запросе она всегда From
	fromURI, toURI := s.localURI, s.remoteURI
	fromTag, toTag := s.localTag, s.remoteTag

	from := sip.FromHeader{
		DisplayName: s.engine.cfg.DisplayName,
		Address:     fromURI,
		Params:      sip.NewParams().Add("tag", fromTag),
	}
	req.AppendHeader(&from)

	to := sip.ToHeader{Address: toURI}
	if toTag != "" {
		to.Params = sip.NewParams().Add("tag", toTag)
	}
	req.AppendHeader(&to)

	cid := sip.CallIDHeader(s.callID)
	req.AppendHeader(&cid)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: s.cseq.Add(1), MethodName: method})

	contact := sip.ContactHeader{Address: s.engine.contactURI()}
	req.AppendHeader(&contact)

	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	return req
}

// Доставка событий контроллеру. Nil-обработчики пропускаются.

func (s *session) fireProgress() {
	s.eventsMu.Lock()
	h := s.events.OnProgress
	s.eventsMu.Unlock()
	if h != nil {
		h()
	}
}

func (s *session) fireConfirmed() {
	s.eventsMu.Lock()
	h := s.events.OnConfirmed
	s.eventsMu.Unlock()
	if h != nil {
		h()
	}
}

func (s *session) fireEnded() {
	s.eventsMu.Lock()
	h := s.events.OnEnded
	s.eventsMu.Unlock()
	if h != nil {
		h()
	}
}

func (s *session) fireFailed(reason string) {
	s.eventsMu.Lock()
	h := s.events.OnFailed
	s.eventsMu.Unlock()
	if h != nil {
		h(reason)
	}
}
