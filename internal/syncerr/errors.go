// Package syncerr описывает таксономию ошибок ядра синхронизации.
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

// ErrMergeInvariant помечает принудительную классификацию needs-entity-choice,
// когда слияние нарушило бы инвариант записи (например, баланс проводки).
// Это не ошибка операции, а причина конфликта.
var ErrMergeInvariant = errors.New("merge invariant violation")

// StorageError отказ локального хранилища. Операция прерывается целиком
// и может быть повторена.
type StorageError struct {
	Err error
	Op  string
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Storage оборачивает err в StorageError. Nil остается nil,
// уже обернутая ошибка не оборачивается повторно.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// TransportError сеть или relay недоступны.
type TransportError struct {
	Err        error
	Op         string
	StatusCode int
	Retryable  bool
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport создает повторяемую TransportError.
func Transport(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err, Retryable: true}
}

// MalformedBatchError удаленная сторона прислала неразбираемый или
// противоречивый пакет. Пакет отклоняется целиком.
type MalformedBatchError struct {
	Err    error
	Reason string
}

func (e *MalformedBatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed batch: %s: %v", e.Reason, e.Err)
	}
	return "malformed batch: " + e.Reason
}

func (e *MalformedBatchError) Unwrap() error { return e.Err }

// Malformed создает MalformedBatchError.
func Malformed(reason string, err error) error {
	return &MalformedBatchError{Reason: reason, Err: err}
}

// IsRetryable сообщает, имеет ли смысл повторить операцию с backoff.
// Истекший таймаут попытки считается сбоем транспорта.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsMalformed сообщает, является ли ошибка MalformedBatchError.
func IsMalformed(err error) bool {
	var me *MalformedBatchError
	return errors.As(err, &me)
}
