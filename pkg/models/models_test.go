package models

import (
	"testing"

	"github.com/kioskworks/kiosksync/pkg/constants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpoints(t *testing.T) {
	eps := NewEndpoints("http://p", "ws://p", "http://s", "ws://s")

	assert.Equal(t, constants.FieldServerUpdatedAt, eps.Primary.CheckpointField)
	assert.Equal(t, constants.FieldCloudUpdatedAt, eps.Secondary.CheckpointField)
	assert.Equal(t, eps.Secondary, eps.Other(eps.Primary))
	assert.Equal(t, eps.Primary, eps.Other(eps.Secondary))

	got, err := eps.ByName(constants.EndpointSecondary)
	require.NoError(t, err)
	assert.Equal(t, eps.Secondary, got)

	_, err = eps.ByName("tertiary")
	require.ErrorIs(t, err, constants.ErrUnknownEndpoint)
}

func TestReplicationIdentity(t *testing.T) {
	eps := NewEndpoints("http://p", "ws://p", "http://s", "ws://s")

	a := IdentityFor("transactions", eps.Primary)
	b := IdentityFor("transactions", eps.Secondary)
	assert.NotEqual(t, a, b)
	assert.Equal(t, "transactions-primary", a.ReplicationID)
	require.NoError(t, a.Validate())

	require.ErrorIs(t, ReplicationIdentity{ReplicationID: "x"}.Validate(), constants.ErrNoCollectionName)
	require.ErrorIs(t, ReplicationIdentity{CollectionName: "x"}.Validate(), constants.ErrNoReplicationID)
}

func TestCheckpointMap(t *testing.T) {
	cp := Checkpoint{ID: "doc-1", Field: constants.FieldCloudUpdatedAt, UpdatedAt: "2024-01-01T00:00:00Z"}
	m := cp.Map()
	assert.Len(t, m, 2)
	assert.Equal(t, "doc-1", m["id"])
	assert.Equal(t, "2024-01-01T00:00:00Z", m[constants.FieldCloudUpdatedAt])
	assert.NotContains(t, m, constants.FieldServerUpdatedAt)
}

func TestDocument(t *testing.T) {
	d := Document{"id": "a", "_deleted": true, "name": "x"}
	assert.Equal(t, "a", d.ID())
	assert.True(t, d.Deleted())

	c := d.Clone()
	c["name"] = "y"
	assert.Equal(t, "x", d["name"])
	assert.Equal(t, "", Document{}.ID())
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "critical", SeverityCritical.String())
	assert.True(t, SeverityCritical > SeverityHigh)
	b, err := SeverityMedium.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "medium", string(b))
}
