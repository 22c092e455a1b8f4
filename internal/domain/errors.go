package domain

import (
	"errors"
	"fmt"
)

// ValidationError некорректный или неполный ввод. Reason показывается пользователю как есть.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Validationf конструктор в стиле fmt.Errorf
func Validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// InvalidTransitionError операция не допустима в текущем статусе тикета
type InvalidTransitionError struct {
	Op     string
	Status TicketStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("no se puede %s un ticket en estado %s", e.Op, e.Status)
}

// AuthorizationError роль или личность не позволяют действие
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string { return e.Reason }

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsInvalidTransition(err error) bool {
	var v *InvalidTransitionError
	return errors.As(err, &v)
}

func IsAuthorization(err error) bool {
	var v *AuthorizationError
	return errors.As(err, &v)
}
