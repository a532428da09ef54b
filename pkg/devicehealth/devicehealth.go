// Package devicehealth records device liveness and the device history audit
// trail in the local store, and watches the replicated history for the
// recovery announcement a backend writes when this device reconnects.
package devicehealth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/kioskworks/kiosksync/pkg/constants"
	"github.com/kioskworks/kiosksync/pkg/errclass"
	"github.com/kioskworks/kiosksync/pkg/failover"
	"github.com/kioskworks/kiosksync/pkg/logger"
	"github.com/kioskworks/kiosksync/pkg/models"
	"github.com/kioskworks/kiosksync/pkg/store"
)

// Collection names used by the facade. Both are regular replicated collections.
const (
	DevicesCollection = "devices"
	HistoryCollection = "device_history"
)

// Source is the event source the recovery watcher reports as.
const Source = "device_health"

const (
	deviceTypeKiosk  = "kiosk"
	deviceTypeServer = "server"
)

// DeviceIdentity names this device.
type DeviceIdentity struct {
	ID   string
	Name string
}

// Sentinel returns the history message a backend writes when the device reconnects.
func (id DeviceIdentity) Sentinel() string {
	return id.Name + constants.ConnectedSuffix
}

// Facade is the DeviceHealthFacade. Use New.
type Facade struct {
	self    DeviceIdentity
	devices *store.Typed[models.DeviceRecord]
	history *store.Typed[models.DeviceHistory]
	logger  logger.Logger
	now     func() time.Time
}

// New opens the device collections of db.
func New(db store.Database, self DeviceIdentity, log logger.Logger) (*Facade, error) {
	if db == nil {
		return nil, constants.ErrStoreNotReady
	}
	if self.ID == "" {
		return nil, errors.New("devicehealth: device id not set")
	}
	devices, err := db.Collection(DevicesCollection)
	if err != nil {
		return nil, fmt.Errorf("devicehealth: %w", err)
	}
	history, err := db.Collection(HistoryCollection)
	if err != nil {
		return nil, fmt.Errorf("devicehealth: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Facade{
		self:    self,
		devices: store.NewTyped[models.DeviceRecord](devices),
		history: store.NewTyped[models.DeviceHistory](history),
		logger:  log,
		now:     time.Now,
	}, nil
}

// Self returns the identity of this device.
func (f *Facade) Self() DeviceIdentity {
	return f.self
}

// Heartbeat marks this device with status and the current time, creating its
// registry record on first use.
func (f *Facade) Heartbeat(ctx context.Context, status string) (*models.DeviceRecord, error) {
	seen := f.now().UTC().Format(time.RFC3339Nano)
	cur, err := f.devices.Collection().FindOne(ctx, f.self.ID)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return f.devices.Insert(ctx, models.DeviceRecord{
			ID:         f.self.ID,
			Name:       f.self.Name,
			Type:       deviceTypeKiosk,
			Status:     status,
			LastSeenAt: seen,
		})
	}
	return f.devices.Update(ctx, f.self.ID, map[string]any{
		"name":              f.self.Name,
		"status":            status,
		"last_seen_at":      seen,
		models.FieldDeleted: false,
	})
}

// RecordHistory appends an audit entry. Missing id, device, author and
// timestamp are filled in.
func (f *Facade) RecordHistory(ctx context.Context, h models.DeviceHistory) (*models.DeviceHistory, error) {
	if h.ID == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return nil, fmt.Errorf("devicehealth: failed to generate id: %w", err)
		}
		h.ID = id.String()
	}
	if h.DeviceID == "" {
		h.DeviceID = f.self.ID
	}
	if h.CreatedBy == "" {
		h.CreatedBy = constants.CreatedByClient
	}
	if h.ClientCreatedAt == "" {
		h.ClientCreatedAt = f.now().UTC().Format(time.RFC3339Nano)
	}
	saved, err := f.history.Insert(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("devicehealth: failed to record %s history: %w", h.Type, err)
	}
	return saved, nil
}

// History returns the audit entries of deviceID, oldest first. An empty
// deviceID returns every entry.
func (f *Facade) History(ctx context.Context, deviceID string) ([]models.DeviceHistory, error) {
	var sel store.Selector
	if deviceID != "" {
		sel = store.Selector{"device_id": deviceID}
	}
	out, err := f.history.Find(ctx, sel)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ClientCreatedAt < out[j].ClientCreatedAt })
	return out, nil
}

// Devices returns the device registry.
func (f *Facade) Devices(ctx context.Context) ([]models.DeviceRecord, error) {
	return f.devices.Find(ctx, nil)
}

// IsRecoverySignal reports whether h is the announcement of this device
// reconnecting, written by the server.
func (f *Facade) IsRecoverySignal(h models.DeviceHistory) bool {
	return h.DeviceID == f.self.ID &&
		h.CreatedBy == constants.CreatedByServer &&
		strings.TrimSpace(h.MetaData) == f.self.Sentinel()
}

// WatchRecovery emits server_up on sink for every recovery announcement that
// shows up in the history, and whenever a server device in the registry goes
// from offline to online. Entries present when the watch starts are not
// reported. It blocks until ctx is done or the store closes.
func (f *Facade) WatchRecovery(ctx context.Context, sink failover.Sink) error {
	histories, err := f.history.FindStream(ctx, store.Selector{"device_id": f.self.ID})
	if err != nil {
		return err
	}
	devices, err := f.devices.FindStream(ctx, nil)
	if err != nil {
		return err
	}

	w := &recoveryWatch{seen: map[string]bool{}, status: map[string]string{}}
	for histories != nil || devices != nil {
		select {
		case <-ctx.Done():
			return nil
		case entries, ok := <-histories:
			if !ok {
				histories = nil
				continue
			}
			for _, h := range w.newSignals(f, entries) {
				f.logger.Info("devicehealth: server announced reconnect", "device", f.self.ID, "history", h.ID)
				sink.Emit(models.EventServerUp, Source, models.EventData{
					Message: h.MetaData,
					Extra:   map[string]any{"device_id": h.DeviceID, "history_id": h.ID},
				}, models.SeverityLow)
			}
		case recs, ok := <-devices:
			if !ok {
				devices = nil
				continue
			}
			for _, d := range w.recovered(recs) {
				f.logger.Info("devicehealth: server device back online", "device", d.ID)
				sink.Emit(models.EventServerUp, Source, models.EventData{
					Message: d.Name + " online",
					Extra:   map[string]any{"device_id": d.ID},
				}, models.SeverityLow)
			}
		}
	}
	return nil
}

// recoveryWatch is owned by the WatchRecovery loop.
type recoveryWatch struct {
	primed    bool
	seen      map[string]bool
	devPrimed bool
	status    map[string]string
}

func (w *recoveryWatch) newSignals(f *Facade, entries []models.DeviceHistory) []models.DeviceHistory {
	var out []models.DeviceHistory
	for _, h := range entries {
		if w.seen[h.ID] {
			continue
		}
		w.seen[h.ID] = true
		if w.primed && f.IsRecoverySignal(h) {
			out = append(out, h)
		}
	}
	w.primed = true
	return out
}

func (w *recoveryWatch) recovered(recs []models.DeviceRecord) []models.DeviceRecord {
	var out []models.DeviceRecord
	for _, d := range recs {
		if d.Type != deviceTypeServer {
			continue
		}
		prev, known := w.status[d.ID]
		w.status[d.ID] = d.Status
		if w.devPrimed && known && prev == models.DeviceOffline && d.Status == models.DeviceOnline {
			out = append(out, d)
		}
	}
	w.devPrimed = true
	return out
}

// Run heartbeats every interval until ctx is done. Store-closed errors end
// the loop quietly.
func (f *Facade) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := f.Heartbeat(ctx, models.DeviceOnline); err != nil {
			if errclass.IsStoreClosed(err) {
				f.logger.Debug("devicehealth: store closed, stopping heartbeat")
				return
			}
			f.logger.Warn("devicehealth: heartbeat failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
