package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCategoryNotFound is returned when a category is absent from the
	// unified structure.
	ErrCategoryNotFound = errors.New("category not found")
	// ErrQuestionNotFound is returned when a question index is out of range.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrDuplicateRequest signals that an idempotency token is already in
	// flight; the original call wins and the duplicate is rejected.
	ErrDuplicateRequest = errors.New("duplicate request")
	// ErrEmptyCategory is returned when a session is started on a category
	// with no questions.
	ErrEmptyCategory = errors.New("no questions available in category")
	// ErrSessionNotFound is returned for operations on an unknown session.
	ErrSessionNotFound = errors.New("quiz session not found")
	// ErrSessionFinished is returned when a finished session is driven again.
	ErrSessionFinished = errors.New("quiz session already finished")
)

// ValidationError rejects malformed input before any mutation happens.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// CategoryExistsError rejects AddCategory when the name is already taken,
// carrying the modes it conflicts with for caller reporting.
type CategoryExistsError struct {
	Category string
	Modes    []string
}

func (e *CategoryExistsError) Error() string {
	return fmt.Sprintf("category %q already exists in: %s", e.Category, strings.Join(e.Modes, ", "))
}
