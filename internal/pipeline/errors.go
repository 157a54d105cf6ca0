package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/sells-group/fitcheck/internal/model"
	"github.com/sells-group/fitcheck/internal/resilience"
)

// Query length bounds, counted in runes after trimming.
const (
	MinQueryLen = 3
	MaxQueryLen = 2000
)

// ErrValidation marks input rejected before the pipeline starts.
var ErrValidation = eris.New("pipeline: validation failed")

// ValidateQuery trims q and checks its length.
func ValidateQuery(q string) (string, error) {
	q = strings.TrimSpace(q)
	n := utf8.RuneCountInString(q)
	switch {
	case n < MinQueryLen:
		return "", eris.Wrapf(ErrValidation, "query must be at least %d characters", MinQueryLen)
	case n > MaxQueryLen:
		return "", eris.Wrapf(ErrValidation, "query must be at most %d characters", MaxQueryLen)
	}
	return q, nil
}

// ValidationMessage returns the user-facing part of a ValidateQuery error.
func ValidationMessage(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ": "+ErrValidation.Error()); i > 0 {
		return msg[:i]
	}
	return msg
}

// PhaseError is a classified node failure.
type PhaseError struct {
	Phase model.Phase
	Class model.ErrorClass
	Err   error
	// Partial is set when the node already emitted output that a retry
	// would duplicate.
	Partial bool
	// Timeout is set when the phase or run deadline expired.
	Timeout bool
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Phase, e.Class, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// Classify maps an error to the failure taxonomy.
func Classify(err error) model.ErrorClass {
	var pe *PhaseError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe) && pe.Class != "":
		return pe.Class
	case resilience.IsCircuitOpen(err):
		return model.ErrorExternal
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return model.ErrorFatal
	case eris.Is(err, ErrValidation):
		return model.ErrorValidation
	case resilience.IsTransient(err):
		return model.ErrorRecoverable
	default:
		return model.ErrorRecoverable
	}
}

func isPartial(err error) bool {
	var pe *PhaseError
	return errors.As(err, &pe) && pe.Partial
}
