package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kioskworks/kiosksync/pkg/constants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
device:
  id: kiosk-7
  name: Lobby Kiosk
endpoints:
  primary:
    http: https://primary.example.com/graphql
    ws: wss://primary.example.com/graphql
  secondary:
    http: https://secondary.example.com/graphql
    ws: wss://secondary.example.com/graphql
collections:
  - name: transactions
    fields: [amount, kiosk_id]
  - name: users
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "kiosk-7", cfg.Device.ID)
	assert.Equal(t, constants.DefaultBatchSize, cfg.Replication.BatchSize)
	assert.Equal(t, constants.DefaultDebounce, cfg.Failover.Debounce)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.True(t, cfg.Replication.Live)

	eps := cfg.BackendEndpoints()
	assert.Equal(t, constants.EndpointPrimary, eps.Primary.Name)
	assert.Equal(t, "wss://secondary.example.com/graphql", eps.Secondary.WS)
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse([]byte(minimal + `
replication:
  batch_size: 10
  retry_interval: 2s
failover:
  debounce: 750ms
  threshold: 0.6
  weights:
    server_down: 0.8
store:
  driver: sqlite
  path: /var/lib/kiosk/local.db
status_api:
  listen: 127.0.0.1:8090
log:
  level: debug
  format: zerolog
`))
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Replication.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Replication.RetryInterval)
	assert.Equal(t, 750*time.Millisecond, cfg.Failover.Debounce)
	assert.InDelta(t, 0.8, cfg.Failover.Weights.ServerDown, 1e-9)
	assert.InDelta(t, constants.WeightCriticalSeverity, cfg.Failover.Weights.CriticalSeverity, 1e-9)

	fo := cfg.FailoverOptions()
	assert.InDelta(t, 0.6, fo.Threshold, 1e-9)
	assert.Equal(t, 750*time.Millisecond, cfg.CoordinatorOptions().FailbackDebounce)
}

func TestCollectionConfigsUseReplicationDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal + `
replication:
  batch_size: 25
`))
	require.NoError(t, err)

	colls := cfg.CollectionConfigs()
	require.Len(t, colls, 2)
	assert.Equal(t, "transactions", colls[0].Name)
	assert.Equal(t, 25, colls[0].BatchSize)
	assert.Equal(t, "pullTransactions", colls[0].QueryName)
	assert.Equal(t, "users", colls[1].Name)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]struct {
		extra string
		want  string
	}{
		"sqlite without path": {
			extra: "store:\n  driver: sqlite\n",
			want:  "Store.Path is required",
		},
		"unknown driver": {
			extra: "store:\n  driver: postgres\n",
			want:  "Store.Driver must be one of [memory sqlite]",
		},
		"unknown log level": {
			extra: "log:\n  level: verbose\n",
			want:  "Log.Level must be one of",
		},
		"server down below failure": {
			extra: "replication:\n  close_thresholds:\n    failure: 4\n    server_down: 2\n",
			want:  "Replication.CloseThresholds.ServerDown",
		},
		"short token secret": {
			extra: "status_api:\n  token_secret: tooshort\n",
			want:  "StatusAPI.TokenSecret",
		},
		"duplicate collection": {
			extra: "  - name: users\n",
			want:  `collection "users" listed twice`,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(minimal + tc.extra))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateRequiresIdentityAndCollections(t *testing.T) {
	err := Default().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Device.ID is required")
	assert.Contains(t, err.Error(), "Endpoints.Primary.HTTP is required")
	assert.Contains(t, err.Error(), "Collections is required")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiosk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Lobby Kiosk", cfg.Device.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "cmd", "kiosksync", "kiosksync.example.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, time.Minute, cfg.Device.HeartbeatInterval)
	assert.Len(t, cfg.Collections, 4)
	assert.Equal(t, "sync.example.com:443", cfg.Network.ProbeAddress)
	assert.Equal(t, 150*time.Millisecond, cfg.Failover.SettleDelay)
}
