package gqlhttp

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/kioskworks/kiosksync/pkg/errclass"
	"github.com/kioskworks/kiosksync/pkg/models"
	"github.com/kioskworks/kiosksync/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientDo(t *testing.T) {
	var got transport.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "kiosk-1", r.Header.Get("X-Device-Id"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"data":{"pullThings":{"documents":[]}}}`))
	}))
	defer srv.Close()

	c := New(time.Second)
	c.Header = http.Header{"X-Device-Id": []string{"kiosk-1"}}

	raw, err := c.Do(context.Background(), models.BackendEndpoint{Name: "primary", HTTP: srv.URL},
		transport.Request{Query: "query { x }", Variables: map[string]any{"limit": 5}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"pullThings":{"documents":[]}}}`, string(raw))
	assert.Equal(t, "query { x }", got.Query)
	assert.EqualValues(t, 5, got.Variables["limit"])
}

func TestClientDoErrors(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		body       string
		connection bool
		graphql    bool
	}{
		{"server error", http.StatusServiceUnavailable, "down", true, false},
		{"client error", http.StatusBadRequest, "bad", false, false},
		{"graphql errors", http.StatusOK, `{"errors":[{"message":"permission denied"}]}`, false, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(c.status)
				_, _ = w.Write([]byte(c.body))
			}))
			defer srv.Close()

			_, err := New(time.Second).Do(context.Background(), models.BackendEndpoint{HTTP: srv.URL}, transport.Request{Query: "{ x }"})
			require.Error(t, err)
			assert.Equal(t, c.connection, errclass.IsConnectionError(err))
			assert.Equal(t, c.graphql, errclass.IsGraphQLError(err))
		})
	}
}

func TestClientDoRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(time.Second).Do(context.Background(), models.BackendEndpoint{HTTP: url}, transport.Request{Query: "{ x }"})
	require.Error(t, err)
	assert.True(t, errclass.IsConnectionError(err))
}

func TestParseErrors(t *testing.T) {
	assert.Nil(t, ParseErrors([]byte(`{"data":{}}`)))
	assert.Nil(t, ParseErrors([]byte(`{"errors":[]}`)))
	errs := ParseErrors([]byte(`{"errors":[{"message":"a"},{"message":"b"}]}`))
	require.Len(t, errs, 2)
	assert.Equal(t, "b", errs[1].Message)
}
