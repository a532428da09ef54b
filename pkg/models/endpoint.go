// Package models holds the data types shared between replication sessions,
// the failover event bus and the coordinator.
package models

import (
	"fmt"

	"github.com/kioskworks/kiosksync/pkg/constants"
)

// BackendEndpoint identifies one backend by its HTTP and WebSocket URLs and the
// checkpoint timestamp field it expects. Endpoints are values and are never mutated.
type BackendEndpoint struct {
	Name            string `json:"name" yaml:"name"`
	HTTP            string `json:"http" yaml:"http"`
	WS              string `json:"ws" yaml:"ws"`
	CheckpointField string `json:"checkpoint_field" yaml:"checkpoint_field"`
}

// IsZero reports whether the endpoint has not been configured.
func (e BackendEndpoint) IsZero() bool {
	return e.Name == "" && e.HTTP == "" && e.WS == ""
}

func (e BackendEndpoint) String() string {
	return fmt.Sprintf("%s(%s)", e.Name, e.HTTP)
}

// Endpoints is the fixed pair of backends the client can replicate against.
type Endpoints struct {
	Primary   BackendEndpoint
	Secondary BackendEndpoint
}

// NewEndpoints builds the primary/secondary pair, filling in names and the
// checkpoint field of each backend.
func NewEndpoints(primaryHTTP, primaryWS, secondaryHTTP, secondaryWS string) Endpoints {
	return Endpoints{
		Primary: BackendEndpoint{
			Name:            constants.EndpointPrimary,
			HTTP:            primaryHTTP,
			WS:              primaryWS,
			CheckpointField: constants.FieldServerUpdatedAt,
		},
		Secondary: BackendEndpoint{
			Name:            constants.EndpointSecondary,
			HTTP:            secondaryHTTP,
			WS:              secondaryWS,
			CheckpointField: constants.FieldCloudUpdatedAt,
		},
	}
}

// Other returns the endpoint that is not ep.
func (e Endpoints) Other(ep BackendEndpoint) BackendEndpoint {
	if ep.Name == e.Secondary.Name {
		return e.Primary
	}
	return e.Secondary
}

// ByName looks an endpoint up by name.
func (e Endpoints) ByName(name string) (BackendEndpoint, error) {
	switch name {
	case e.Primary.Name:
		return e.Primary, nil
	case e.Secondary.Name:
		return e.Secondary, nil
	}
	return BackendEndpoint{}, fmt.Errorf("%w: %q", constants.ErrUnknownEndpoint, name)
}

// ReplicationIdentity is the idempotency key of a session registration.
// There is one per collection and backend.
type ReplicationIdentity struct {
	CollectionName string `json:"collection_name"`
	ReplicationID  string `json:"replication_id"`
}

// IdentityFor returns the identity used to replicate collection against ep.
func IdentityFor(collection string, ep BackendEndpoint) ReplicationIdentity {
	return ReplicationIdentity{
		CollectionName: collection,
		ReplicationID:  collection + "-" + ep.Name,
	}
}

// Validate reports configuration errors in the identity.
func (id ReplicationIdentity) Validate() error {
	if id.CollectionName == "" {
		return constants.ErrNoCollectionName
	}
	if id.ReplicationID == "" {
		return constants.ErrNoReplicationID
	}
	return nil
}

func (id ReplicationIdentity) String() string {
	return id.CollectionName + "/" + id.ReplicationID
}

// Checkpoint is a backend specific replication cursor.
// Field is the name of the timestamp field the backend expects.
type Checkpoint struct {
	ID        string
	Field     string
	UpdatedAt string
}

// IsZero reports whether no progress has been recorded.
func (c Checkpoint) IsZero() bool {
	return c.ID == "" && c.UpdatedAt == ""
}

// Map renders the checkpoint as the wire payload, containing exactly id and Field.
func (c Checkpoint) Map() map[string]any {
	return map[string]any{
		"id":    c.ID,
		c.Field: c.UpdatedAt,
	}
}
