package conversion

import (
	"errors"
	"fmt"
	"strings"

	"github.com/crossgrade/crossgrade/internal/inhibit"
)

// ErrInterrupted is raised when a latched interrupt signal is honored at
// an action boundary.
var ErrInterrupted = errors.New("interrupted")

// InhibitError carries every failing pre-flight check. The conversion
// performed zero mutation when this is returned.
type InhibitError struct {
	Results []inhibit.Result
}

func (e *InhibitError) Error() string {
	ids := make([]string, 0, len(e.Results))
	for _, r := range e.Results {
		ids = append(ids, r.ID)
	}
	return fmt.Sprintf("conversion inhibited by %d check(s): %s", len(e.Results), strings.Join(ids, ", "))
}

// RegistrationError wraps entitlement failures. errors.Is on the wrapped
// sentinel distinguishes the not-registered and no-entitled-repos kinds.
type RegistrationError struct {
	Err error
}

func (e *RegistrationError) Error() string { return "registration: " + e.Err.Error() }
func (e *RegistrationError) Unwrap() error { return e.Err }

// TransactionError wraps a package-transformation failure with the
// action that raised it.
type TransactionError struct {
	Action string
	Err    error
}

func (e *TransactionError) Error() string {
	if e.Action == "" {
		return "transaction: " + e.Err.Error()
	}
	return fmt.Sprintf("transaction: %s: %v", e.Action, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }
