// Package testenv provides helpers for testing kiosk replication end to end.
//
// It starts a pair of fake backends playing primary and secondary, builds the
// transport a real client would use against them, and offers a deterministic
// slog handler for asserting on log output.
package testenv

import (
	"os"
	"testing"
	"time"

	"github.com/kioskworks/kiosksync/internal/fakebackend"
	"github.com/kioskworks/kiosksync/pkg/constants"
	"github.com/kioskworks/kiosksync/pkg/logger"
	"github.com/kioskworks/kiosksync/pkg/models"
	"github.com/kioskworks/kiosksync/pkg/replconfig"
	"github.com/kioskworks/kiosksync/pkg/transport"
	"github.com/kioskworks/kiosksync/pkg/transport/gorillaws"
	"github.com/kioskworks/kiosksync/pkg/transport/gqlhttp"
)

const (
	// EnvBackendAddr is the host the fake backends bind to. It defaults to
	// 127.0.0.1 with random ports.
	EnvBackendAddr = "KIOSKSYNC_TEST_BACKEND_HOST"

	// Keepalive used by Transport, short enough for tests to notice a dead peer.
	TestPingInterval = 200 * time.Millisecond
	TestPongTimeout  = 200 * time.Millisecond
)

// Backends is a running primary/secondary pair.
type Backends struct {
	Primary   *fakebackend.Server
	Secondary *fakebackend.Server
}

// Endpoints describes both backends.
func (b *Backends) Endpoints() models.Endpoints {
	return models.Endpoints{Primary: b.Primary.Endpoint(), Secondary: b.Secondary.Endpoint()}
}

// StartBackends starts a primary and a secondary fake backend serving colls.
// Both are stopped when the test ends.
func StartBackends(t testing.TB, colls ...replconfig.CollectionConfig) *Backends {
	t.Helper()
	host := os.Getenv(EnvBackendAddr)
	if host == "" {
		host = "127.0.0.1"
	}
	b := &Backends{
		Primary:   startBackend(t, host, constants.EndpointPrimary, constants.FieldServerUpdatedAt, colls),
		Secondary: startBackend(t, host, constants.EndpointSecondary, constants.FieldCloudUpdatedAt, colls),
	}
	return b
}

func startBackend(t testing.TB, host, name, field string, colls []replconfig.CollectionConfig) *fakebackend.Server {
	t.Helper()
	srv := fakebackend.NewServer(host+":0", name, field)
	for _, c := range colls {
		srv.AddCollection(c)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start %s backend: %v", name, err)
	}
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

// Transport returns the HTTP plus WebSocket transport a client uses, with
// keepalive shortened for tests.
func Transport(log logger.Logger) transport.Combined {
	return transport.Combined{
		Caller: gqlhttp.New(5 * time.Second),
		Subscriber: gorillaws.New(
			gorillaws.WithLogger(log),
			gorillaws.WithKeepalive(TestPingInterval, TestPongTimeout),
		),
	}
}
