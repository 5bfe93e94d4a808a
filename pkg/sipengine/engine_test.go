package sipengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/webphone/pkg/phone"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()

	e, err := New(Config{
		IdentityURI: "sip:alice@example.com",
		DisplayName: "Alice",
		Secret:      "secret",
		ListenAddr:  "127.0.0.1:0",
	})
	require.NoError(t, err)
	return e
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{IdentityURI: "sip:alice@example.com"}
	cfg.applyDefaults()

	assert.Equal(t, "WebPhone/1.0", cfg.UserAgent)
	assert.Equal(t, "127.0.0.1:5060", cfg.ListenAddr)
	assert.Equal(t, 5*time.Minute, cfg.RegisterExpiry)
}

func TestNewRequiresIdentity(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{IdentityURI: "not a uri at all"})
	require.Error(t, err)
}

func TestCreateTransportSchemes(t *testing.T) {
	e := testEngine(t)

	tests := []struct {
		name    string
		uri     string
		network string
		wantErr bool
	}{
		{name: "udp", uri: "udp://sip.example.com:5060", network: "udp"},
		{name: "tcp", uri: "tcp://sip.example.com:5060", network: "tcp"},
		{name: "websocket", uri: "ws://sip.example.com:8088", network: "ws"},
		{name: "secure websocket", uri: "wss://sip.example.com:7443", network: "ws"},
		{name: "sip scheme maps to udp", uri: "sip://sip.example.com", network: "udp"},
		{name: "unsupported scheme", uri: "http://sip.example.com", wantErr: true},
		{name: "no host", uri: "wss://", wantErr: true},
		{name: "garbage", uri: "://///", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := newTransport(e, tt.uri)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.network, tr.network)
			assert.NotEmpty(t, tr.ID())
			assert.NotEmpty(t, tr.registrar)
		})
	}
}

func TestResolveDestination(t *testing.T) {
	tests := []struct {
		name        string
		destination string
		wantUser    string
		wantHost    string
		wantErr     bool
	}{
		{name: "bare number", destination: "1002", wantUser: "1002", wantHost: "sip.example.com"},
		{name: "user at host", destination: "bob@other.example.com", wantUser: "bob", wantHost: "other.example.com"},
		{name: "full sip uri", destination: "sip:bob@other.example.com", wantUser: "bob", wantHost: "other.example.com"},
		{name: "unparsable", destination: "sip:@@@", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uri, err := resolveDestination(tt.destination, "sip.example.com:7443")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantUser, uri.User)
			assert.Equal(t, tt.wantHost, uri.Host)
		})
	}
}

func TestTerminateBeforeInviteSent(t *testing.T) {
	e := testEngine(t)
	tr, err := newTransport(e, "udp://sip.example.com:5060")
	require.NoError(t, err)

	s, err := newOutboundSession(e, tr, "1002",
		phone.DefaultMediaPolicy(), phone.DefaultTransportPolicy())
	require.NoError(t, err)

	// INVITE еще не отправлен, транзакции нет: завершение без CANCEL
	require.Nil(t, s.inviteTx)
	require.NoError(t, s.terminate())
	assert.True(t, s.finished.Load())

	// Повторное завершение - no-op
	require.NoError(t, s.terminate())
}

func TestSplitHostPort(t *testing.T) {
	host, port := splitHostPort("sip.example.com:7443", 5060)
	assert.Equal(t, "sip.example.com", host)
	assert.Equal(t, 7443, port)

	host, port = splitHostPort("sip.example.com", 5060)
	assert.Equal(t, "sip.example.com", host)
	assert.Equal(t, 5060, port)
}
