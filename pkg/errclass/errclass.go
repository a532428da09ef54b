// Package errclass classifies the errors replication produces so that callers
// can tell transient connection trouble, store teardown races and backend
// application errors apart.
package errclass

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	gorilla "github.com/gorilla/websocket"
	"github.com/kioskworks/kiosksync/pkg/constants"
)

// ErrOffline is returned by transports when the device has no network.
var ErrOffline = errors.New("device is offline")

// HTTPStatusError is returned when a backend answers with a non-2xx status.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.StatusCode)
}

// GraphQLError is one entry of a GraphQL errors array.
type GraphQLError struct {
	Message   string `json:"message"`
	Path      []any  `json:"path,omitempty"`
	Code      string `json:"code,omitempty"`
	Locations []any  `json:"locations,omitempty"`
}

// GraphQLErrors is an errors array returned inside an otherwise successful response.
type GraphQLErrors []GraphQLError

func (e GraphQLErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, ge := range e {
		msgs = append(msgs, ge.Message)
	}
	return "graphql: " + strings.Join(msgs, "; ")
}

var storeClosedPatterns = []string{
	"store closed",
	"database is closed",
	"is destroyed",
	"already destroyed",
	"collection is closed",
	"closed database",
}

// IsStoreClosed reports whether err means the local store was already torn down.
func IsStoreClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, constants.ErrStoreClosed) {
		return true
	}
	return containsAny(strings.ToLower(err.Error()), storeClosedPatterns)
}

var connectionPatterns = []string{
	"connection refused",
	"connection reset",
	"no route to host",
	"network is unreachable",
	"timeout",
	"timed out",
	"broken pipe",
	"eof",
	"websocket: close",
	"failed to fetch",
}

// IsConnectionError reports whether err is a transient network or backend availability error.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	var gqlErrs GraphQLErrors
	if errors.As(err, &gqlErrs) {
		// Application errors count only when their messages look like connectivity.
		return containsAny(strings.ToLower(gqlErrs.Error()), connectionPatterns)
	}
	if errors.Is(err, ErrOffline) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, constants.ErrTimeout) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var closeErr *gorilla.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code != gorilla.CloseNormalClosure
	}
	return containsAny(strings.ToLower(err.Error()), connectionPatterns)
}

// IsOffline reports whether err means the device itself has no network.
func IsOffline(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOffline) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "network is unreachable")
}

// IsGraphQLError reports whether err carries backend application errors.
func IsGraphQLError(err error) bool {
	var gqlErrs GraphQLErrors
	return errors.As(err, &gqlErrs)
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
