package sagaflow

import (
	"context"
	"errors"
	"fmt"

	trmcontext "github.com/avito-tech/go-transaction-manager/trm/v2/context"
)

var (
	// ErrNoTransaction is returned by operations that must join the caller's
	// unit of work when ctx carries no transaction.
	ErrNoTransaction = errors.New("no active transaction in context")

	// ErrPublisherUnavailable is returned by a publisher that refused to
	// attempt a send, e.g. while its circuit is open.
	ErrPublisherUnavailable = errors.New("publisher unavailable")
)

// TransientError marks a failure that is expected to clear on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("transient: %v", e.Err)
	}
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. It returns nil for a nil err.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is worth retrying. Timeouts count as
// transient even when nobody wrapped them.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrPublisherUnavailable)
}

// InTransaction reports whether ctx carries a transaction opened by the
// transaction manager.
func InTransaction(ctx context.Context) bool {
	return trmcontext.DefaultManager.Default(ctx) != nil
}
