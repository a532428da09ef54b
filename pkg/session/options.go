package session

import (
	"time"

	"github.com/kioskworks/kiosksync/pkg/constants"
	"github.com/kioskworks/kiosksync/pkg/failover"
	"github.com/kioskworks/kiosksync/pkg/leader"
	"github.com/kioskworks/kiosksync/pkg/logger"
	"github.com/kioskworks/kiosksync/pkg/metrics"
	"github.com/kioskworks/kiosksync/pkg/models"
	"github.com/kioskworks/kiosksync/pkg/network"
	"github.com/kioskworks/kiosksync/pkg/store"
	"github.com/kioskworks/kiosksync/pkg/transport"
)

// Options tune the session lifecycle. Zero fields take their defaults.
type Options struct {
	// RegistrationWait bounds how long Register waits for a concurrent
	// registration, polling every RegistrationPoll.
	RegistrationWait time.Duration
	RegistrationPoll time.Duration

	// CloseWindow is how long an abnormal transport close counts towards escalation.
	CloseWindow time.Duration
	// FailureThreshold abnormal closes in the window emit connection_failure,
	// ServerDownThreshold emit server_down.
	FailureThreshold    int
	ServerDownThreshold int

	// StopTimeout bounds closing the live channel when the session stops on its own.
	StopTimeout time.Duration
}

// DefaultOptions returns the stock session options.
func DefaultOptions() Options {
	return Options{
		RegistrationWait:    constants.DefaultRegistrationWait,
		RegistrationPoll:    constants.DefaultRegistrationPoll,
		CloseWindow:         constants.DefaultCloseWindow,
		FailureThreshold:    constants.DefaultCloseThresholdFailure,
		ServerDownThreshold: constants.DefaultCloseThresholdServerDown,
		StopTimeout:         constants.DefaultShutdownTimeout,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RegistrationWait <= 0 {
		o.RegistrationWait = d.RegistrationWait
	}
	if o.RegistrationPoll <= 0 {
		o.RegistrationPoll = d.RegistrationPoll
	}
	if o.CloseWindow <= 0 {
		o.CloseWindow = d.CloseWindow
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = d.FailureThreshold
	}
	if o.ServerDownThreshold <= 0 {
		o.ServerDownThreshold = d.ServerDownThreshold
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = d.StopTimeout
	}
	return o
}

// Deps are the collaborators of a session. Store, Transport and Bus are required.
type Deps struct {
	Store     store.Database
	Transport transport.Client
	Bus       failover.Sink

	// Network gates starting; a nil monitor means always online.
	Network *network.Monitor
	// Elector is consulted when the collection waits for leadership.
	Elector leader.Elector

	Logger  logger.Logger
	Metrics *metrics.Registry
	Options Options

	Now func() time.Time
}

// Status is a snapshot of a session's health.
type Status struct {
	Identity            models.ReplicationIdentity `json:"identity"`
	CurrentEndpoint     models.BackendEndpoint     `json:"currentEndpoint"`
	IsActive            bool                       `json:"isActive"`
	IsConnected         bool                       `json:"isConnected"`
	ErrorCount          int                        `json:"errorCount"`
	ConsecutiveFailures int                        `json:"consecutiveFailures"`
	RecentCloses        int                        `json:"recentCloses"`
	LastError           string                     `json:"lastError,omitempty"`
	LastSyncAt          *time.Time                 `json:"lastSyncAt,omitempty"`
}
