package statusapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kioskworks/kiosksync/pkg/failover"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newAuthServer(t *testing.T) (*httptest.Server, *fakeMigrator) {
	t.Helper()
	bus := failover.NewBus(failover.DefaultOptions(), nil, nil)
	t.Cleanup(bus.Close)
	m := newFakeMigrator()
	ts := httptest.NewServer(New(m, bus, nil, nil, WithTokenSecret(testSecret)).Handler())
	t.Cleanup(ts.Close)
	return ts, m
}

func postFailover(t *testing.T, url, authorization string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/failover", strings.NewReader(`{"reason":"drill"}`))
	require.NoError(t, err)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestIssueTokenRejectsShortSecret(t *testing.T) {
	_, err := IssueToken([]byte("short"), "ops", time.Minute)
	assert.ErrorIs(t, err, ErrShortSecret)

	_, err = IssueToken(testSecret, "", time.Minute)
	assert.Error(t, err)
}

func TestFailoverRequiresToken(t *testing.T) {
	valid, err := IssueToken(testSecret, "ops-oncall", time.Minute)
	require.NoError(t, err)
	expired, err := IssueToken(testSecret, "ops-oncall", -time.Minute)
	require.NoError(t, err)
	foreign, err := IssueToken([]byte("ffffffffffffffffffffffffffffffff"), "ops-oncall", time.Minute)
	require.NoError(t, err)

	cases := map[string]struct {
		header string
		want   int
	}{
		"missing":      {header: "", want: http.StatusUnauthorized},
		"not bearer":   {header: "Basic " + valid, want: http.StatusUnauthorized},
		"expired":      {header: "Bearer " + expired, want: http.StatusUnauthorized},
		"wrong secret": {header: "Bearer " + foreign, want: http.StatusUnauthorized},
		"garbage":      {header: "Bearer not-a-token", want: http.StatusUnauthorized},
		"valid":        {header: "Bearer " + valid, want: http.StatusOK},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ts, m := newAuthServer(t)
			resp := postFailover(t, ts.URL, tc.header)
			resp.Body.Close()
			assert.Equal(t, tc.want, resp.StatusCode)
			if tc.want == http.StatusOK {
				assert.Equal(t, []string{"drill"}, m.reasons)
			} else {
				assert.Empty(t, m.reasons)
				assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
			}
		})
	}
}

func TestReadRoutesStayOpenWithSecret(t *testing.T) {
	ts, _ := newAuthServer(t)

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestVerifyTokenSubject(t *testing.T) {
	raw, err := IssueToken(testSecret, "kiosk-admin", time.Hour)
	require.NoError(t, err)

	sub, err := verifyToken(testSecret, raw)
	require.NoError(t, err)
	assert.Equal(t, "kiosk-admin", sub)
}
