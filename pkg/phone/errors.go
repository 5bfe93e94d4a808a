package phone

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCategory категории ошибок для классификации
type ErrorCategory string

const (
	// Локальные ошибки: команда отклонена до обращения к движку
	ErrorCategoryValidation   ErrorCategory = "VALIDATION"
	ErrorCategoryPrecondition ErrorCategory = "PRECONDITION"

	// Ошибки, пришедшие от сигнального движка
	ErrorCategoryTransport    ErrorCategory = "TRANSPORT"
	ErrorCategoryRegistration ErrorCategory = "REGISTRATION"
	ErrorCategorySession      ErrorCategory = "SESSION"
)

// String возвращает строковое представление категории ошибки
func (ec ErrorCategory) String() string {
	return string(ec)
}

// PhoneError структурированная ошибка контроллера с контекстом
type PhoneError struct {
	Code     string        `json:"code"`     // Уникальный код ошибки
	Message  string        `json:"message"`  // Человекочитаемое сообщение
	Category ErrorCategory `json:"category"` // Категория ошибки

	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"` // Дополнительные поля контекста
	Cause     error                  `json:"cause,omitempty"`  // Исходная ошибка
}

// Error реализует интерфейс error
func (e *PhoneError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap возвращает исходную ошибку для errors.Is/errors.As
func (e *PhoneError) Unwrap() error {
	return e.Cause
}

// WithField добавляет поле контекста к ошибке
func (e *PhoneError) WithField(key string, value interface{}) *PhoneError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

func newError(category ErrorCategory, code, message string, cause error) *PhoneError {
	return &PhoneError{
		Code:      code,
		Message:   message,
		Category:  category,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// NewValidationError создает ошибку валидации входных данных
func NewValidationError(code, message string) *PhoneError {
	return newError(ErrorCategoryValidation, code, message, nil)
}

// NewPreconditionError создает ошибку нарушения предусловия команды
func NewPreconditionError(code, message string) *PhoneError {
	return newError(ErrorCategoryPrecondition, code, message, nil)
}

// NewTransportError создает ошибку транспортного уровня
func NewTransportError(code, message string, cause error) *PhoneError {
	return newError(ErrorCategoryTransport, code, message, cause)
}

// NewSessionError создает ошибку сессии звонка
func NewSessionError(code, message string, cause error) *PhoneError {
	return newError(ErrorCategorySession, code, message, cause)
}

// IsCategory проверяет, относится ли ошибка к указанной категории
func IsCategory(err error, category ErrorCategory) bool {
	var pe *PhoneError
	if errors.As(err, &pe) {
		return pe.Category == category
	}
	return false
}

// normalizeReason приводит отсутствующую причину отказа к литералу "unknown".
func normalizeReason(reason string) string {
	if reason == "" {
		return "unknown"
	}
	return reason
}
