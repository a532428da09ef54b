package models

import "time"

// Device status values.
const (
	DeviceOnline  = "online"
	DeviceOffline = "offline"
)

// DeviceRecord is one row of the device registry collection.
type DeviceRecord struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	LastSeenAt string `json:"last_seen_at,omitempty"`
	Deleted    bool   `json:"_deleted,omitempty"`
}

// DeviceHistory is an audit entry describing a device transition.
type DeviceHistory struct {
	ID              string `json:"id"`
	DeviceID        string `json:"device_id"`
	Type            string `json:"type"`
	Status          string `json:"status"`
	MetaData        string `json:"meta_data"`
	CreatedBy       string `json:"created_by"`
	ClientCreatedAt string `json:"client_created_at"`
	Deleted         bool   `json:"_deleted,omitempty"`
}

// History types written by this module.
const (
	HistoryTypeFailover  = "failover"
	HistoryTypeFailback  = "failback"
	HistoryTypeHeartbeat = "heartbeat"
)

// FailoverState is the persisted outcome of the latest migration.
type FailoverState struct {
	ID              string    `json:"id"`
	CurrentEndpoint string    `json:"current_endpoint"`
	Reason          string    `json:"reason"`
	Timestamp       time.Time `json:"timestamp"`
	Graceful        bool      `json:"graceful"`
}

// FailoverStateID is the primary key of the singleton FailoverState document.
const FailoverStateID = "failover_state"
