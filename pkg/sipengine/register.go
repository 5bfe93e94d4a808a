package sipengine

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/pkg/errors"
)

var registerCSeq atomic.Uint32

// registerLoop держит регистрацию живой: первичный REGISTER, затем
// обновление на половине выданного срока. Ошибка регистрации завершает
// цикл; повторная попытка - ответственность пользователя (новый connect).
func (t *transport) registerLoop(ctx context.Context) {
	granted, err := t.register(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Debug("transport.registerLoop register failed",
				slog.String("transportID", t.id),
				slog.String("error", err.Error()))
			t.fireRegistrationFailed(err.Error())
		}
		return
	}
	t.fireRegistered()

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(granted / 2):
		}

		granted, err = t.register(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Debug("transport.registerLoop refresh failed",
					slog.String("transportID", t.id),
					slog.String("error", err.Error()))
				t.fireRegistrationFailed(err.Error())
			}
			return
		}
		t.fireRegistered()
	}
}

// register выполняет один REGISTER с digest-повтором на 401/407.
// Возвращает выданный сервером срок регистрации.
func (t *transport) register(ctx context.Context) (time.Duration, error) {
	expiry := t.engine.cfg.RegisterExpiry

	req := t.makeRegister(expiry)
	res, err := t.roundTrip(ctx, req)
	if err != nil {
		return 0, errors.Wrap(err, "REGISTER failed")
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		res, err = t.registerWithAuth(ctx, res, expiry)
		if err != nil {
			return 0, err
		}
	}

	if res.StatusCode != sip.StatusOK {
		return 0, errors.Errorf("%d %s", res.StatusCode, res.Reason)
	}

	granted := expiry
	if h := res.GetHeader("Expires"); h != nil {
		if secs, convErr := strconv.Atoi(h.Value()); convErr == nil && secs > 0 {
			granted = time.Duration(secs) * time.Second
		}
	}

	slog.Debug("transport.register ok",
		slog.String("transportID", t.id),
		slog.Duration("granted", granted))
	return granted, nil
}

// registerWithAuth повторяет REGISTER с вычисленным digest-ответом
func (t *transport) registerWithAuth(ctx context.Context, challenge *sip.Response, expiry time.Duration) (*sip.Response, error) {
	challengeHeader := "WWW-Authenticate"
	authHeader := "Authorization"
	if challenge.StatusCode == 407 {
		challengeHeader = "Proxy-Authenticate"
		authHeader = "Proxy-Authorization"
	}

	h := challenge.GetHeader(challengeHeader)
	if h == nil {
		return nil, errors.Errorf("%d without %s header", challenge.StatusCode, challengeHeader)
	}

	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse digest challenge")
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   string(sip.REGISTER),
		URI:      "sip:" + t.registrar,
		Username: t.engine.identity.User,
		Password: t.engine.cfg.Secret,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to compute digest")
	}

	req := t.makeRegister(expiry)
	req.AppendHeader(sip.NewHeader(authHeader, cred.String()))

	res, err := t.roundTrip(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "authorized REGISTER failed")
	}
	return res, nil
}

// unregister отправляет REGISTER с Expires: 0. Best-effort при stop.
func (t *transport) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := t.makeRegister(0)
	if _, err := t.roundTrip(ctx, req); err != nil {
		slog.Debug("transport.unregister failed",
			slog.String("transportID", t.id),
			slog.String("error", err.Error()))
		return
	}
	t.fireUnregistered()
}

func (t *transport) makeRegister(expiry time.Duration) *sip.Request {
	e := t.engine
	host, port := splitHostPort(t.registrar, 5060)

	req := sip.NewRequest(sip.REGISTER, sip.Uri{Host: host, Port: port})

	from := sip.FromHeader{
		DisplayName: e.cfg.DisplayName,
		Address:     e.identity,
		Params:      sip.NewParams().Add("tag", sip.RandString(8)),
	}
	req.AppendHeader(&from)

	to := sip.ToHeader{Address: e.identity}
	req.AppendHeader(&to)

	callID := sip.CallIDHeader(sip.RandString(32))
	req.AppendHeader(&callID)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: registerCSeq.Add(1), MethodName: sip.REGISTER})

	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	contact := sip.ContactHeader{Address: e.contactURI()}
	req.AppendHeader(&contact)

	expires := sip.ExpiresHeader(uint32(expiry / time.Second))
	req.AppendHeader(&expires)

	return req
}

// roundTrip отправляет запрос и ждет финальный ответ
func (t *transport) roundTrip(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := t.engine.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("transaction terminated without final response")
		case res, ok := <-tx.Responses():
			if !ok {
				return nil, errors.New("transaction closed")
			}
			if res.StatusCode >= 200 {
				return res, nil
			}
		}
	}
}

func (e *Engine) contactURI() sip.Uri {
	host, port := splitHostPort(e.cfg.ListenAddr, 5060)
	return sip.Uri{User: e.identity.User, Host: host, Port: port}
}

func splitHostPort(addr string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, defaultPort
	}
	return host, port
}
