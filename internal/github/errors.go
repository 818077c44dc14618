package github

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrBudgetExhausted means the credential has no rate-limit headroom left.
	// It is a scheduling signal, not a failure.
	ErrBudgetExhausted = errors.New("rate limit budget exhausted")

	// ErrProtocol covers malformed pagination headers and bad redirects.
	ErrProtocol = errors.New("remote protocol violation")

	// ErrPoolEmpty means every credential in a pool is exhausted.
	ErrPoolEmpty = errors.New("credential pool empty")
)

// EntityError is a field-level validation message from the remote API.
type EntityError struct {
	Resource string `json:"resource"`
	Field    string `json:"field"`
	Code     string `json:"code"`
	Message  string `json:"message,omitempty"`
}

// Error is a 4xx/5xx response from the remote API.
type Error struct {
	Status           int           `json:"-"`
	Message          string        `json:"message"`
	DocumentationURL string        `json:"documentation_url,omitempty"`
	Errors           []EntityError `json:"errors,omitempty"`
	URL              string        `json:"-"`

	rateLimited bool
}

func (e *Error) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.URL != "" {
		return fmt.Sprintf("github %d %s: %s", e.Status, e.URL, msg)
	}
	return fmt.Sprintf("github %d: %s", e.Status, msg)
}

// Is lets rate-limited and abuse-limited responses match ErrBudgetExhausted.
func (e *Error) Is(target error) bool {
	return target == ErrBudgetExhausted && e.rateLimited
}

// IsAbuse reports a secondary (abuse) rate limit response.
func (e *Error) IsAbuse() bool {
	return e.Status == http.StatusForbidden && strings.Contains(strings.ToLower(e.Message), "abuse")
}

// StatusOf returns the remote status carried by err, or 0.
func StatusOf(err error) int {
	var ghErr *Error
	if errors.As(err, &ghErr) {
		return ghErr.Status
	}
	return 0
}
