package constants

import "errors"

// Errors
var (
	ErrTimeout          = errors.New("timeout")
	ErrNoCollectionName = errors.New("collection name not set")
	ErrNoReplicationID  = errors.New("replication id not set")
	ErrStoreNotReady    = errors.New("local store adapter not ready")
	ErrStoreClosed      = errors.New("store closed")
	ErrUnknownEndpoint  = errors.New("unknown backend endpoint")
	ErrSessionClosed    = errors.New("replication session closed")
	ErrNoTransport      = errors.New("transport not set")
	ErrNotFound         = errors.New("document not found")
)
