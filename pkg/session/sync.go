package session

import (
	"strconv"

	"github.com/goccy/go-json"
	"github.com/kioskworks/kiosksync/pkg/models"
	"github.com/kioskworks/kiosksync/pkg/replconfig"
	"github.com/kioskworks/kiosksync/pkg/store"
	"github.com/kioskworks/kiosksync/pkg/transport"
)

// Meta keys are per replication id, so each backend keeps its own progress.
func pullCheckpointKey(id models.ReplicationIdentity) string { return "pull:" + id.ReplicationID }
func pushCheckpointKey(id models.ReplicationIdentity) string { return "push:" + id.ReplicationID }

type storedCheckpoint struct {
	ID        string `json:"id"`
	Field     string `json:"field"`
	UpdatedAt string `json:"updated_at"`
}

// syncCycle pulls until caught up, then pushes pending local changes.
func (s *Session) syncCycle(h *Handle, field string) {
	if s.pullCycle(h, field) {
		s.pushCycle(h)
	}
}

// pullCycle reports whether it completed without error.
func (s *Session) pullCycle(h *Handle, field string) bool {
	for h.ctx.Err() == nil {
		cp, err := s.loadPullCheckpoint(h, field)
		if err != nil {
			s.recordError(h, "pull", err)
			return false
		}

		req := transport.Request{
			Query:     replconfig.PullQuery(s.cfg, field),
			Variables: replconfig.PullVariables(s.cfg, cp),
		}
		raw, err := s.deps.Transport.Do(h.ctx, h.Endpoint, req)
		if err != nil {
			s.recordError(h, "pull", err)
			return false
		}

		res := replconfig.NormalizePullResponse(raw, s.cfg.ResponseKeys(), field)
		if !res.Found {
			s.logger.Warn("session: pull response carried no payload", "collection", s.cfg.Name, "endpoint", h.Endpoint.Name)
			h.markDirty()
			return false
		}
		if !s.applyRemote(h, field, res) {
			return false
		}
		if len(res.Documents) < s.cfg.BatchSize || res.Checkpoint == nil ||
			(res.Checkpoint.ID == cp.ID && res.Checkpoint.UpdatedAt == cp.UpdatedAt) {
			s.recordSync()
			return true
		}
	}
	return false
}

// applyRemote writes pulled or streamed documents and advances the pull
// checkpoint. It reports whether both succeeded.
func (s *Session) applyRemote(h *Handle, field string, res replconfig.PullResult) bool {
	if !res.Found {
		return true
	}
	now := s.deps.Now()
	docs := make([]models.Document, 0, len(res.Documents))
	for _, d := range res.Documents {
		if d.ID() == "" {
			continue
		}
		d = replconfig.CleanDocument(replconfig.CoerceDocumentCheckpointField(d, field), now)
		if s.cfg.PullModifier != nil {
			d = s.cfg.PullModifier(d)
		}
		docs = append(docs, d)
	}

	if len(docs) > 0 {
		if err := s.coll.BulkUpsert(h.ctx, docs, store.WriteOptions{Origin: store.OriginRemote}); err != nil {
			s.recordError(h, "pull write", err)
			return false
		}
		s.deps.Metrics.AddPulled(s.cfg.Name, len(docs))
		s.logger.Debug("session: pulled documents", "collection", s.cfg.Name, "count", len(docs))
	}

	if res.Checkpoint != nil {
		if err := s.savePullCheckpoint(h, *res.Checkpoint); err != nil {
			s.recordError(h, "checkpoint write", err)
			return false
		}
	}
	return true
}

func (s *Session) loadPullCheckpoint(h *Handle, field string) (models.Checkpoint, error) {
	raw, ok, err := s.coll.GetMeta(h.ctx, pullCheckpointKey(h.Identity))
	if err != nil || !ok {
		return models.Checkpoint{Field: field}, err
	}
	var sc storedCheckpoint
	if err := json.Unmarshal([]byte(raw), &sc); err != nil {
		s.logger.Warn("session: discarding unreadable checkpoint", "collection", s.cfg.Name, "error", err)
		return models.Checkpoint{Field: field}, nil
	}
	// The stored cursor always belongs to this replication id's backend.
	return models.Checkpoint{ID: sc.ID, Field: field, UpdatedAt: sc.UpdatedAt}, nil
}

func (s *Session) savePullCheckpoint(h *Handle, cp models.Checkpoint) error {
	b, err := json.Marshal(storedCheckpoint{ID: cp.ID, Field: cp.Field, UpdatedAt: cp.UpdatedAt})
	if err != nil {
		return err
	}
	return s.coll.SetMeta(h.ctx, pullCheckpointKey(h.Identity), string(b))
}

// pushCycle sends local changes not yet pushed to this replication id, in
// batches, advancing the push checkpoint after each accepted batch.
func (s *Session) pushCycle(h *Handle) bool {
	for h.ctx.Err() == nil {
		since, err := s.loadPushCheckpoint(h)
		if err != nil {
			s.recordError(h, "push", err)
			return false
		}
		res, err := s.coll.Query(h.ctx, store.QueryRequest{
			ChangedSince:  since,
			ExcludeOrigin: store.OriginRemote,
			Limit:         s.cfg.BatchSize,
		})
		if err != nil {
			s.recordError(h, "push", err)
			return false
		}
		if len(res.Documents) == 0 || res.Checkpoint == nil {
			return true
		}

		docs := res.Documents
		if s.cfg.PushModifier != nil {
			docs = make([]models.Document, 0, len(res.Documents))
			for _, d := range res.Documents {
				docs = append(docs, s.cfg.PushModifier(d.Clone()))
			}
		}

		field := replconfig.CheckpointFieldFor(h.Endpoint)
		req := transport.Request{
			Query:     replconfig.PushMutation(s.cfg, field),
			Variables: map[string]any{"writeRows": replconfig.PushRows(docs)},
		}
		if _, err := s.deps.Transport.Do(h.ctx, h.Endpoint, req); err != nil {
			s.recordError(h, "push", err)
			return false
		}
		if err := s.coll.SetMeta(h.ctx, pushCheckpointKey(h.Identity), strconv.FormatInt(*res.Checkpoint, 10)); err != nil {
			s.recordError(h, "push checkpoint write", err)
			return false
		}
		s.deps.Metrics.AddPushed(s.cfg.Name, len(docs))
		s.logger.Debug("session: pushed documents", "collection", s.cfg.Name, "count", len(docs))

		if len(res.Documents) < s.cfg.BatchSize {
			s.recordSync()
			return true
		}
	}
	return false
}

func (s *Session) loadPushCheckpoint(h *Handle) (int64, error) {
	raw, ok, err := s.coll.GetMeta(h.ctx, pushCheckpointKey(h.Identity))
	if err != nil || !ok {
		return 0, err
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.logger.Warn("session: discarding unreadable push checkpoint", "collection", s.cfg.Name, "error", err)
		return 0, nil
	}
	return seq, nil
}
