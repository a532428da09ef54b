// Package constants holds the tunable defaults shared by the replication,
// failover and transport packages.
package constants

import "time"

// Backend endpoint names.
const (
	EndpointPrimary   = "primary"
	EndpointSecondary = "secondary"
)

// Checkpoint timestamp fields expected by each backend.
const (
	FieldServerUpdatedAt = "server_updated_at"
	FieldCloudUpdatedAt  = "cloud_updated_at"
)

// WebSocket close codes.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

// Replication defaults.
const (
	DefaultBatchSize     = 50
	DefaultRetryInterval = 5 * time.Second

	// DefaultRegistrationWait bounds how long a concurrent register call
	// waits for an in-flight attempt under the same identity.
	DefaultRegistrationWait = 2 * time.Second
	DefaultRegistrationPoll = 100 * time.Millisecond

	DefaultCloseWindow = 60 * time.Second
	// Abnormal close counts at which a session escalates to the event bus.
	DefaultCloseThresholdFailure    = 3
	DefaultCloseThresholdServerDown = 6
)

// Failover defaults.
const (
	DefaultEventWindow        = 30 * time.Second
	DefaultDebounce           = 5 * time.Second
	DefaultHistorySize        = 100
	DefaultFailoverThreshold  = 0.7
	DefaultEmergencyThreshold = 0.9

	DefaultDrainTimeout    = 10 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultSettleDelay     = 150 * time.Millisecond

	DefaultFailbackCheckInterval = 30 * time.Second
)

// Transport defaults.
const (
	DefaultPingInterval = 30 * time.Second
	DefaultPongTimeout  = 5 * time.Second
	DefaultHTTPTimeout  = 30 * time.Second
	DefaultProbeTimeout = 5 * time.Second

	DefaultNetworkPollInterval = 10 * time.Second
)

// Failover scoring weights.
const (
	WeightMultiSourceFailure = 0.4
	WeightHighRetryCount     = 0.3
	WeightCriticalSeverity   = 0.4
	WeightServerDown         = 0.5
	WeightManualTrigger      = 1.0

	HighRetryCount = 5
)

// Device history conventions.
const (
	CreatedByServer = "server"
	CreatedByClient = "client"

	// ConnectedSuffix completes the recovery sentinel "<device name> connected".
	ConnectedSuffix = " connected"
)
