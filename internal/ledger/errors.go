package ledger

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNotFound means the ledger has no record for the identifier. For
	// ExternalIDFor this is "not created yet", not a failure.
	ErrNotFound = errors.New("ledger: record not found")

	// ErrAlreadyCompleted is the typed rejection the contract raises when the
	// completion flag is already set. Expected and recoverable.
	ErrAlreadyCompleted = errors.New("ledger: session already completed")

	// errSessionExists is the create-path uniqueness rejection; the client
	// recovers from it internally by reading back the existing entry.
	errSessionExists = errors.New("ledger: session already exists")
)

// PermanentError is a non-idempotency rejection from the gateway (malformed
// input, contract revert). Never retried.
type PermanentError struct {
	Code    string
	Message string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("ledger: permanent rejection %s: %s", e.Code, e.Message)
}

type statusError struct {
	statusCode int
}

func (e statusError) Error() string { return fmt.Sprintf("ledger: status %d", e.statusCode) }

// IsTransient classifies errors worth retrying: gateway congestion, timeouts
// and dropped connections.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se statusError
	if errors.As(err, &se) {
		switch se.statusCode {
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		default:
			return false
		}
	}
	// other boundaries (pin service) self-classify
	var tr interface{ Transient() bool }
	if errors.As(err, &tr) {
		return tr.Transient()
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	errText := strings.ToLower(err.Error())
	return strings.Contains(errText, "connection reset") ||
		strings.Contains(errText, "connection refused") ||
		strings.Contains(errText, "unexpected eof") ||
		strings.Contains(errText, "deadline exceeded")
}
