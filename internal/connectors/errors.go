package connectors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error taxonomy shared by every connector. Callers branch with errors.Is
// so the sync path can tell an identity problem from a transport problem.
var (
	// ErrAuthentication means the upstream rejected the credentials or the
	// session expired. The sync path reacts with the reauthentication policy.
	ErrAuthentication = errors.New("authentication failed")

	// ErrConnection is a transport, parse, or decryption failure unrelated
	// to identity.
	ErrConnection = errors.New("connection failed")

	// ErrLoginRequired means reauthentication is exhausted and the user must
	// re-link the connection.
	ErrLoginRequired = errors.New("login required")
)

// ValidationError reports credential fields that failed local schema checks.
// It is raised before any network call and accumulates every field problem
// rather than stopping at the first.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "invalid credentials"
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, e.Fields[name]))
	}
	return "invalid credentials: " + strings.Join(parts, "; ")
}

func authError(message string) error {
	if message == "" {
		message = "authentication failed"
	}
	return fmt.Errorf("%w: %s", ErrAuthentication, message)
}

func connError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConnection, fmt.Sprintf(format, args...))
}
