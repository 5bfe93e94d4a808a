package phone

import (
	"sync"
	"time"
)

// ActivityLogCapacity максимальное число записей в журнале активности.
const ActivityLogCapacity = 20

// LogEntry одна запись журнала активности. Записи неизменяемы.
type LogEntry struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ActivityLog ограниченный журнал событий для UI.
// Новые записи добавляются в начало, старые вытесняются за пределами
// ActivityLogCapacity. Журнал не очищается до перезапуска процесса.
type ActivityLog struct {
	mu      sync.Mutex
	entries []LogEntry
	now     func() time.Time
}

// NewActivityLog создает пустой журнал активности
func NewActivityLog() *ActivityLog {
	return &ActivityLog{
		entries: make([]LogEntry, 0, ActivityLogCapacity),
		now:     time.Now,
	}
}

// Append добавляет сообщение в начало журнала
func (l *ActivityLog) Append(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := LogEntry{Message: message, Timestamp: l.now()}
	l.entries = append([]LogEntry{entry}, l.entries...)
	if len(l.entries) > ActivityLogCapacity {
		l.entries = l.entries[:ActivityLogCapacity]
	}
}

// Entries возвращает копию записей, новые первыми
func (l *ActivityLog) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len возвращает текущее число записей
func (l *ActivityLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
