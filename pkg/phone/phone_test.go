package phone_test

import (
	"fmt"
	"testing"

	"github.com/arzzra/webphone/pkg/phone"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhoneFullScenario(t *testing.T) {
	eng := newFakeEngine()
	p := phone.New(eng)

	require.Equal(t, phone.ConnDisconnected, p.ConnectionState())
	require.Equal(t, phone.CallIdle, p.CallState())
	require.False(t, p.IsUsable())

	// Подключение и регистрация
	require.NoError(t, p.Connect(testCredentials()))
	th := p.Connection().Transport()
	eng.fireUp(th)
	eng.fireRegistered(th)
	require.Equal(t, phone.ConnRegistered, p.ConnectionState())
	require.True(t, p.IsUsable())

	// Исходящий вызов до разговора
	require.NoError(t, p.Dial("555"))
	session := p.Calls().Session()
	eng.fireProgress(session)
	eng.fireConfirmed(session)
	require.Equal(t, phone.CallInCall, p.CallState())

	// DTMF в разговоре
	require.NoError(t, p.SendDigit('1'))
	require.NoError(t, p.SendDigit('#'))

	// Завершение звонка и отключение
	p.Hangup()
	require.Equal(t, phone.CallTerminated, p.CallState())
	require.Nil(t, p.Calls().Session())

	p.Disconnect()
	assert.Equal(t, phone.ConnDisconnected, p.ConnectionState())
	assert.Equal(t, phone.CallTerminated, p.CallState())
	assert.Nil(t, p.Connection().Transport())

	// Журнал ограничен и непуст
	assert.NotZero(t, p.Log().Len())
	assert.LessOrEqual(t, p.Log().Len(), phone.ActivityLogCapacity)
}

func TestDisconnectAlwaysEndsDisconnected(t *testing.T) {
	creds := testCredentials()

	scenarios := []struct {
		name  string
		drive func(eng *fakeEngine, p *phone.Phone)
	}{
		{
			name:  "fresh phone",
			drive: func(eng *fakeEngine, p *phone.Phone) {},
		},
		{
			name: "connecting",
			drive: func(eng *fakeEngine, p *phone.Phone) {
				_ = p.Connect(creds)
			},
		},
		{
			name: "registered",
			drive: func(eng *fakeEngine, p *phone.Phone) {
				_ = p.Connect(creds)
				th := p.Connection().Transport()
				eng.fireUp(th)
				eng.fireRegistered(th)
			},
		},
		{
			name: "mid call",
			drive: func(eng *fakeEngine, p *phone.Phone) {
				_ = p.Connect(creds)
				th := p.Connection().Transport()
				eng.fireUp(th)
				eng.fireRegistered(th)
				_ = p.Dial("555")
				eng.fireConfirmed(p.Calls().Session())
			},
		},
		{
			name: "registration failed",
			drive: func(eng *fakeEngine, p *phone.Phone) {
				_ = p.Connect(creds)
				th := p.Connection().Transport()
				eng.fireUp(th)
				eng.fireRegistrationFailed(th, "timeout")
			},
		},
	}

	for _, tt := range scenarios {
		t.Run(tt.name, func(t *testing.T) {
			eng := newFakeEngine()
			p := phone.New(eng)

			tt.drive(eng, p)
			p.Disconnect()

			assert.Equal(t, phone.ConnDisconnected, p.ConnectionState())
			assert.Nil(t, p.Connection().Transport())
			assert.Nil(t, p.Calls().Session())
		})
	}
}

func TestRetryConnectAfterAnyFailure(t *testing.T) {
	eng := newFakeEngine()
	p := phone.New(eng)

	// Отказ регистрации не фатален для процесса
	require.NoError(t, p.Connect(testCredentials()))
	th := p.Connection().Transport()
	eng.fireUp(th)
	eng.fireRegistrationFailed(th, "403 Forbidden")

	require.NoError(t, p.Connect(testCredentials()))
	th2 := p.Connection().Transport()
	eng.fireUp(th2)
	eng.fireRegistered(th2)

	assert.Equal(t, phone.ConnRegistered, p.ConnectionState())
	assert.True(t, p.IsUsable())
}

func TestActivityLogStaysBoundedUnderTraffic(t *testing.T) {
	eng := newFakeEngine()
	p, _ := connectedPhone(eng)

	for i := 0; i < 15; i++ {
		require.NoError(t, p.Dial(fmt.Sprintf("55%d", i)))
		eng.fireConfirmed(p.Calls().Session())
		p.Hangup()
	}

	assert.Equal(t, phone.ActivityLogCapacity, p.Log().Len())
}
