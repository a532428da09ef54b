// Package kiosksync keeps the local document store of an offline-first kiosk
// replicated with one of two interchangeable backends, and moves every
// collection between them when the active backend fails.
//
// # Components
//
// A [Client] owns one replication session per configured collection
// ([github.com/kioskworks/kiosksync/pkg/session]). Each session pulls remote
// changes over GraphQL HTTP, pushes local writes and follows a live WebSocket
// stream. Sessions report transport trouble to the failover event bus
// ([github.com/kioskworks/kiosksync/pkg/failover]), which scores recent events
// into a failover decision.
//
// The coordinator ([github.com/kioskworks/kiosksync/pkg/coordinator]) acts on
// those decisions. It drains every session, waits for local writes to land,
// switches all sessions to the other endpoint and restarts them. While on the
// secondary it watches for the primary to recover, either through a
// replicated device-history record or through a health probe, and migrates
// back.
//
// # Lifecycle
//
//	cfg, err := config.Load("/etc/kiosk/kiosksync.yaml")
//	if err != nil {
//		return err
//	}
//	client, err := kiosksync.New(cfg)
//	if err != nil {
//		return err
//	}
//	if err := client.Start(ctx); err != nil {
//		return err
//	}
//	defer client.Close(context.Background())
//
// Local writes go through [Client.Collection]. Documents are soft-deleted by
// setting _deleted, which replicates as deleted to the backend.
//
// # Local store
//
// The memory driver keeps everything in process and is meant for tests and
// demos. The sqlite driver ([github.com/kioskworks/kiosksync/pkg/store/sqlitestore])
// persists documents, checkpoints and the failover state, so a kiosk that
// restarts after a failover resumes on the secondary.
package kiosksync
