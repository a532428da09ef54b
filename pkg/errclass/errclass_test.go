package errclass

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	gorilla "github.com/gorilla/websocket"
	"github.com/kioskworks/kiosksync/pkg/constants"
	"github.com/stretchr/testify/assert"
)

func TestIsStoreClosed(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", constants.ErrStoreClosed, true},
		{"wrapped sentinel", fmt.Errorf("bulk upsert: %w", constants.ErrStoreClosed), true},
		{"sql closed", errors.New("sql: database is closed"), true},
		{"destroyed", errors.New("collection transactions is destroyed"), true},
		{"other", errors.New("constraint failed"), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, IsStoreClosed(c.err))
		})
	}
}

func TestIsConnectionError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"eof", io.EOF, true},
		{"refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("boom")}, true},
		{"http 503", &HTTPStatusError{StatusCode: 503}, true},
		{"http 400", &HTTPStatusError{StatusCode: 400}, false},
		{"abnormal close", &gorilla.CloseError{Code: 1006}, true},
		{"normal close", &gorilla.CloseError{Code: 1000}, false},
		{"graphql app error", GraphQLErrors{{Message: "permission denied"}}, false},
		{"graphql upstream timeout", GraphQLErrors{{Message: "upstream timeout"}}, true},
		{"message pattern", errors.New("dial tcp: no route to host"), true},
		{"unrelated", errors.New("invalid document"), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, IsConnectionError(c.err))
		})
	}
}

func TestIsOffline(t *testing.T) {
	assert.True(t, IsOffline(ErrOffline))
	assert.True(t, IsOffline(fmt.Errorf("push: %w", ErrOffline)))
	assert.True(t, IsOffline(errors.New("dial udp: network is unreachable")))
	assert.False(t, IsOffline(errors.New("connection refused")))
	assert.False(t, IsOffline(nil))
}

func TestGraphQLErrors(t *testing.T) {
	err := fmt.Errorf("pull: %w", GraphQLErrors{{Message: "a"}, {Message: "b"}})
	assert.True(t, IsGraphQLError(err))
	assert.Contains(t, err.Error(), "graphql: a; b")
	assert.False(t, IsGraphQLError(errors.New("x")))
}
