package replconfig

import (
	"strconv"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"
	"github.com/kioskworks/kiosksync/pkg/models"
)

// PullResult is a backend pull payload in local shape.
type PullResult struct {
	Documents  []models.Document
	Checkpoint *models.Checkpoint
	// Found is false when none of the candidate keys held a payload.
	Found bool
}

// NormalizePullResponse locates the pull payload in raw under data.<key> or
// <key> for each candidate key, and returns its documents and checkpoint.
// The checkpoint timestamp is read from either backend's field name and
// reported under wantField.
func NormalizePullResponse(raw []byte, keys []string, wantField string) PullResult {
	payload := locatePayload(raw, keys)
	if payload == nil {
		return PullResult{}
	}
	res := PullResult{Found: true}

	if docs, dt, _, err := jsonparser.Get(payload, "documents"); err == nil && dt == jsonparser.Array {
		var decoded []models.Document
		if err := json.Unmarshal(docs, &decoded); err == nil {
			res.Documents = decoded
		}
	}

	if cp, dt, _, err := jsonparser.Get(payload, "checkpoint"); err == nil && dt == jsonparser.Object {
		res.Checkpoint = coerceCheckpoint(cp, wantField)
	}
	return res
}

func locatePayload(raw []byte, keys []string) []byte {
	for _, key := range keys {
		if key == "" {
			continue
		}
		for _, path := range [][]string{{"data", key}, {key}} {
			v, dt, _, err := jsonparser.Get(raw, path...)
			if err == nil && dt == jsonparser.Object {
				return v
			}
		}
	}
	return nil
}

func coerceCheckpoint(cp []byte, wantField string) *models.Checkpoint {
	out := &models.Checkpoint{Field: wantField, ID: scalarString(cp, "id")}
	out.UpdatedAt = scalarString(cp, wantField)
	if out.UpdatedAt == "" {
		out.UpdatedAt = scalarString(cp, OtherCheckpointField(wantField))
	}
	if out.IsZero() {
		return nil
	}
	return out
}

func scalarString(data []byte, key string) string {
	v, dt, _, err := jsonparser.Get(data, key)
	if err != nil {
		return ""
	}
	switch dt {
	case jsonparser.String:
		s, err := jsonparser.ParseString(v)
		if err != nil {
			return string(v)
		}
		return s
	case jsonparser.Number:
		return string(v)
	default:
		return ""
	}
}

// CoerceDocumentCheckpointField makes sure doc carries its timestamp under
// wantField, copying it from the other backend's field when needed.
func CoerceDocumentCheckpointField(doc models.Document, wantField string) models.Document {
	if _, ok := doc[wantField]; ok {
		return doc
	}
	if v, ok := doc[OtherCheckpointField(wantField)]; ok {
		doc[wantField] = v
	}
	return doc
}

// CleanDocument prepares a pulled document for the local store. Null fields
// are dropped except the tombstone flag, the backend deletion flag becomes
// the local soft-delete marker, and the receipt time is stamped.
func CleanDocument(doc models.Document, receivedAt time.Time) models.Document {
	out := make(models.Document, len(doc)+1)
	for k, v := range doc {
		if v == nil && k != models.FieldRemoteDelete {
			continue
		}
		out[k] = v
	}
	deleted := truthy(out[models.FieldRemoteDelete])
	delete(out, models.FieldRemoteDelete)
	out[models.FieldDeleted] = deleted
	out[models.FieldReceivedAt] = receivedAt.UTC().Format(time.RFC3339Nano)
	return out
}

// PushRows maps local documents onto push rows. Local bookkeeping fields
// (those starting with an underscore) are stripped and the soft-delete
// marker becomes the backend deletion flag.
func PushRows(docs []models.Document) []map[string]any {
	rows := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		state := make(map[string]any, len(doc))
		for k, v := range doc {
			if strings.HasPrefix(k, "_") {
				continue
			}
			state[k] = v
		}
		state[models.FieldRemoteDelete] = doc.Deleted()
		rows = append(rows, map[string]any{"newDocumentState": state})
	}
	return rows
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	case float64:
		return t != 0
	default:
		return false
	}
}
