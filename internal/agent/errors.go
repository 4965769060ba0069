package agent

import (
	"context"
	"errors"
	"fmt"
)

// Ошибки агентов.
var (
	// ErrAgentNotFound — для capability не зарегистрирован агент.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrInvalidParams — невалидные параметры стадии.
	ErrInvalidParams = errors.New("invalid stage params")

	// ErrInvalidInput — вход стадии не содержит нужных данных.
	ErrInvalidInput = errors.New("invalid stage input")
)

// TransientError — временная ошибка, стадию можно повторить.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError — ошибка, которую повтор не исправит.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient помечает ошибку как временную.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent помечает ошибку как постоянную.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf — Permanent(fmt.Errorf(...)).
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent проверяет, помечена ли ошибка как постоянная.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsRetryable сообщает, имеет ли смысл повторять стадию.
//
// Неклассифицированные ошибки считаются временными.
// Отмена контекста не повторяется никогда.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !IsPermanent(err)
}
