package phone_test

import (
	"errors"
	"testing"

	"github.com/arzzra/webphone/pkg/phone"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectValidation(t *testing.T) {
	tests := []struct {
		name  string
		creds phone.Credentials
	}{
		{
			name:  "empty transport URI",
			creds: phone.Credentials{IdentityURI: "sip:alice@example.com", Secret: "secret"},
		},
		{
			name:  "empty identity URI",
			creds: phone.Credentials{TransportURI: "wss://x", Secret: "secret"},
		},
		{
			name:  "empty secret",
			creds: phone.Credentials{TransportURI: "wss://x", IdentityURI: "sip:alice@example.com"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newFakeEngine()
			p := phone.New(eng)

			err := p.Connect(tt.creds)
			require.Error(t, err)
			assert.True(t, phone.IsCategory(err, phone.ErrorCategoryValidation))

			// Состояние не изменилось, движок не тронут, одна запись в журнале
			assert.Equal(t, phone.ConnDisconnected, p.ConnectionState())
			assert.Zero(t, eng.callCount(""))
			assert.Equal(t, 1, p.Log().Len())
		})
	}
}

func TestConnectObservedStateSequence(t *testing.T) {
	eng := newFakeEngine()
	p := phone.New(eng)

	var observed []phone.ConnectionState
	p.Connection().OnStateChange(func(s phone.ConnectionState) {
		observed = append(observed, s)
	})

	err := p.Connect(phone.Credentials{
		TransportURI: "wss://x",
		IdentityURI:  "sip:a@x",
		Secret:       "p",
	})
	require.NoError(t, err)

	th := p.Connection().Transport()
	require.NotNil(t, th)

	eng.fireUp(th)
	eng.fireRegistered(th)

	assert.Equal(t, []phone.ConnectionState{
		phone.ConnConnecting,
		phone.ConnConnected,
		phone.ConnRegistered,
	}, observed)
	assert.True(t, p.IsUsable())
}

func TestConnectSynchronousTransportUp(t *testing.T) {
	eng := newFakeEngine()
	// Реальный движок доставляет up еще внутри Start
	eng.onStart = func(th phone.TransportHandle) { eng.fireUp(th) }
	p := phone.New(eng)

	var observed []phone.ConnectionState
	p.Connection().OnStateChange(func(s phone.ConnectionState) {
		observed = append(observed, s)
	})

	require.NoError(t, p.Connect(testCredentials()))
	th := p.Connection().Transport()
	require.NotNil(t, th)

	eng.fireRegistered(th)

	assert.Equal(t, []phone.ConnectionState{
		phone.ConnConnecting,
		phone.ConnConnected,
		phone.ConnRegistered,
	}, observed)
	require.True(t, p.IsUsable())

	// Соединение пригодно для набора
	require.NoError(t, p.Dial("555"))
	assert.Equal(t, phone.CallCalling, p.CallState())
}

func TestConnectCreateTransportError(t *testing.T) {
	eng := newFakeEngine()
	eng.createTransportErr = errors.New("malformed URI")
	p := phone.New(eng)

	err := p.Connect(testCredentials())
	require.Error(t, err)
	assert.True(t, phone.IsCategory(err, phone.ErrorCategoryTransport))

	assert.Equal(t, phone.ConnDisconnected, p.ConnectionState())
	assert.Nil(t, p.Connection().Transport())

	entries := p.Log().Entries()
	require.NotEmpty(t, entries)
	assert.Contains(t, entries[0].Message, "malformed URI")
}

func TestConnectStartError(t *testing.T) {
	eng := newFakeEngine()
	eng.startErr = errors.New("listen refused")
	p := phone.New(eng)

	err := p.Connect(testCredentials())
	require.Error(t, err)
	assert.True(t, phone.IsCategory(err, phone.ErrorCategoryTransport))

	assert.Equal(t, phone.ConnDisconnected, p.ConnectionState())
	assert.Nil(t, p.Connection().Transport())
	// Неудавшийся транспорт остановлен
	assert.Equal(t, 1, eng.callCount("Stop"))
}

func TestDisconnectIdempotent(t *testing.T) {
	eng := newFakeEngine()
	p := phone.New(eng)

	// Без активного транспорта disconnect безопасен
	p.Disconnect()
	assert.Equal(t, phone.ConnDisconnected, p.ConnectionState())

	// После подключения и повторно
	p, _ = connectedPhone(eng)
	p.Disconnect()
	p.Disconnect()

	assert.Equal(t, phone.ConnDisconnected, p.ConnectionState())
	assert.Nil(t, p.Connection().Transport())
	assert.Nil(t, p.Calls().Session())
}

func TestDisconnectReleasesSession(t *testing.T) {
	eng := newFakeEngine()
	p, _ := connectedPhone(eng)

	require.NoError(t, p.Dial("555"))
	require.NotNil(t, p.Calls().Session())

	p.Disconnect()

	assert.Equal(t, phone.ConnDisconnected, p.ConnectionState())
	assert.Equal(t, phone.CallTerminated, p.CallState())
	assert.Nil(t, p.Calls().Session())
	assert.Equal(t, 1, eng.callCount("Terminate"))
}

func TestTransportDownForcesCallTerminated(t *testing.T) {
	eng := newFakeEngine()
	p, th := connectedPhone(eng)

	require.NoError(t, p.Dial("555"))
	session := p.Calls().Session()
	eng.fireProgress(session)
	require.Equal(t, phone.CallCalling, p.CallState())

	eng.fireDown(th)

	assert.Equal(t, phone.ConnDisconnected, p.ConnectionState())
	assert.Equal(t, phone.CallTerminated, p.CallState())
	assert.Nil(t, p.Calls().Session())
	// Транспорт мертв: BYE через движок не отправляется
	assert.Zero(t, eng.callCount("Terminate"))
}

func TestUnregisteredKeepsTransportUsable(t *testing.T) {
	eng := newFakeEngine()
	p, th := connectedPhone(eng)
	require.Equal(t, phone.ConnRegistered, p.ConnectionState())

	eng.fireUnregistered(th)

	assert.Equal(t, phone.ConnConnected, p.ConnectionState())
	assert.True(t, p.IsUsable())
}

func TestRegistrationFailedDefaultReason(t *testing.T) {
	eng := newFakeEngine()
	p := phone.New(eng)
	require.NoError(t, p.Connect(testCredentials()))
	th := p.Connection().Transport()
	eng.fireUp(th)

	eng.fireRegistrationFailed(th, "")

	assert.Equal(t, phone.ConnRegistrationFailed, p.ConnectionState())
	assert.False(t, p.IsUsable())

	entries := p.Log().Entries()
	require.NotEmpty(t, entries)
	assert.Contains(t, entries[0].Message, "unknown")
}

func TestRegistrationFailedWithReason(t *testing.T) {
	eng := newFakeEngine()
	p := phone.New(eng)
	require.NoError(t, p.Connect(testCredentials()))
	th := p.Connection().Transport()
	eng.fireUp(th)

	eng.fireRegistrationFailed(th, "403 Forbidden")

	assert.Equal(t, phone.ConnRegistrationFailed, p.ConnectionState())
	assert.Contains(t, p.Log().Entries()[0].Message, "403 Forbidden")
}

func TestReconnectAfterRegistrationFailed(t *testing.T) {
	eng := newFakeEngine()
	p := phone.New(eng)
	require.NoError(t, p.Connect(testCredentials()))
	first := p.Connection().Transport()
	eng.fireUp(first)
	eng.fireRegistrationFailed(first, "403 Forbidden")

	// Повторный connect поверх живого транспорта допустим
	require.NoError(t, p.Connect(testCredentials()))
	second := p.Connection().Transport()
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, phone.ConnConnecting, p.ConnectionState())

	// События старого транспорта больше не двигают состояние
	eng.fireRegistrationFailed(first, "stale")
	assert.Equal(t, phone.ConnConnecting, p.ConnectionState())
}

func TestStaleTransportEventsIgnored(t *testing.T) {
	eng := newFakeEngine()
	p, th := connectedPhone(eng)

	p.Disconnect()
	require.Equal(t, phone.ConnDisconnected, p.ConnectionState())

	// Запоздавшие события уже отпущенного транспорта
	eng.fireUp(th)
	eng.fireRegistered(th)
	eng.fireDown(th)

	assert.Equal(t, phone.ConnDisconnected, p.ConnectionState())
}

func TestIncomingSessionRejectedWhileBusy(t *testing.T) {
	eng := newFakeEngine()
	p, th := connectedPhone(eng)

	require.NoError(t, p.Dial("555"))
	active := p.Calls().Session()

	inbound := &fakeSession{id: "inbound-1"}
	eng.fireIncomingSession(th, inbound)

	// Вторая сессия отклонена на уровне движка, активная не задета
	assert.Equal(t, 1, eng.callCount("Reject"))
	last := eng.lastCall()
	assert.Equal(t, "Reject", last.method)
	assert.Equal(t, 486, last.args[1])
	assert.Equal(t, active, p.Calls().Session())
}

func TestIncomingSessionAdopted(t *testing.T) {
	eng := newFakeEngine()
	p, th := connectedPhone(eng)

	inbound := &fakeSession{id: "inbound-1"}
	eng.fireIncomingSession(th, inbound)

	require.Equal(t, inbound, p.Calls().Session())
	// Состояние двигает первое событие от движка
	assert.Equal(t, phone.CallIdle, p.CallState())

	eng.fireProgress(inbound)
	assert.Equal(t, phone.CallCalling, p.CallState())

	eng.fireConfirmed(inbound)
	assert.Equal(t, phone.CallInCall, p.CallState())
}
