// Package healthprobe checks whether a backend answers a trivial GraphQL
// introspection query.
package healthprobe

import (
	"context"
	"errors"
	"time"

	"github.com/kioskworks/kiosksync/pkg/constants"
	"github.com/kioskworks/kiosksync/pkg/errclass"
	"github.com/kioskworks/kiosksync/pkg/models"
	"github.com/kioskworks/kiosksync/pkg/transport"
	"github.com/kioskworks/kiosksync/pkg/transport/gqlhttp"
)

// Query is the introspection query sent to each backend.
const Query = "{ __typename }"

// Prober reports backend health.
type Prober interface {
	Healthy(ctx context.Context, ep models.BackendEndpoint) bool
}

// Probe posts Query to an endpoint's HTTP URL. Any 2xx answer is healthy,
// including one carrying GraphQL errors.
type Probe struct {
	caller  transport.Caller
	timeout time.Duration
}

var _ Prober = (*Probe)(nil)

// New returns a probe over its own HTTP client. A zero timeout means the default of 5s.
func New(timeout time.Duration) *Probe {
	if timeout <= 0 {
		timeout = constants.DefaultProbeTimeout
	}
	return &Probe{caller: gqlhttp.New(timeout), timeout: timeout}
}

// NewWithCaller returns a probe over caller.
func NewWithCaller(caller transport.Caller, timeout time.Duration) *Probe {
	if timeout <= 0 {
		timeout = constants.DefaultProbeTimeout
	}
	return &Probe{caller: caller, timeout: timeout}
}

func (p *Probe) Healthy(ctx context.Context, ep models.BackendEndpoint) bool {
	return p.Check(ctx, ep) == nil
}

// Check returns the reason ep is unhealthy, or nil.
func (p *Probe) Check(ctx context.Context, ep models.BackendEndpoint) error {
	if ep.HTTP == "" {
		return constants.ErrUnknownEndpoint
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.caller.Do(ctx, ep, transport.Request{Query: Query})
	var gqlErrs errclass.GraphQLErrors
	if errors.As(err, &gqlErrs) {
		return nil
	}
	return err
}
