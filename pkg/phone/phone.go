package phone

// Phone собирает оба контроллера вокруг одного сигнального движка и одного
// журнала активности. UI работает с этим фасадом: пять команд на вход,
// состояния и журнал на выход.
//
// Команды и события движка образуют один логический поток управления;
// фасад не добавляет собственной сериализации поверх контроллеров.
type Phone struct {
	engine SignalingEngine
	log    *ActivityLog
	conn   *ConnectionController
	calls  *CallSessionController
}

// New создает телефон поверх указанного движка
func New(engine SignalingEngine) *Phone {
	log := NewActivityLog()
	conn := NewConnectionController(engine, log)
	calls := NewCallSessionController(engine, log, conn)
	conn.bindCalls(calls)

	return &Phone{
		engine: engine,
		log:    log,
		conn:   conn,
		calls:  calls,
	}
}

// Connect устанавливает соединение с указанными учетными данными
func (p *Phone) Connect(creds Credentials) error {
	return p.conn.Connect(creds)
}

// Disconnect разрывает соединение, завершая активный звонок
func (p *Phone) Disconnect() {
	p.conn.Disconnect()
}

// Dial начинает исходящий вызов
func (p *Phone) Dial(number string) error {
	return p.calls.Dial(number)
}

// Hangup завершает активный звонок
func (p *Phone) Hangup() {
	p.calls.Hangup()
}

// SendDigit передает DTMF цифру в активный звонок
func (p *Phone) SendDigit(digit rune) error {
	return p.calls.SendDigit(digit)
}

// ConnectionState возвращает текущее состояние соединения
func (p *Phone) ConnectionState() ConnectionState {
	return p.conn.State()
}

// CallState возвращает текущее состояние звонка
func (p *Phone) CallState() CallState {
	return p.calls.State()
}

// IsUsable сообщает, можно ли звонить и слать DTMF
func (p *Phone) IsUsable() bool {
	return p.conn.IsUsable()
}

// Log возвращает журнал активности
func (p *Phone) Log() *ActivityLog {
	return p.log
}

// Connection возвращает контроллер соединения
func (p *Phone) Connection() *ConnectionController {
	return p.conn
}

// Calls возвращает контроллер звонков
func (p *Phone) Calls() *CallSessionController {
	return p.calls
}
