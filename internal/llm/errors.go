package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ProviderError is a classified provider failure. Transient errors are worth
// retrying against the same provider; permanent ones are not.
type ProviderError struct {
	Provider  string
	Status    int // HTTP status, 0 for transport failures
	Transient bool
	Msg       string
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	switch {
	case e.Status != 0:
		return fmt.Sprintf("%s %s error (status %d): %s", e.Provider, kind, e.Status, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s %s error: %v", e.Provider, kind, e.Err)
	default:
		return fmt.Sprintf("%s %s error: %s", e.Provider, kind, e.Msg)
	}
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying. Unclassified errors
// count as transient; caller cancellation never does.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return true
}

// Permanent marks err as not worth retrying.
func Permanent(provider string, err error) error {
	return &ProviderError{Provider: provider, Err: err}
}

func statusError(provider string, status int, body string) error {
	transient := status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status >= 500
	return &ProviderError{Provider: provider, Status: status, Transient: transient, Msg: body}
}

func transportError(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	transient := true
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		transient = false
	}
	return &ProviderError{Provider: provider, Transient: transient, Err: err}
}
