package store

import (
	"sort"

	"github.com/kioskworks/kiosksync/pkg/models"
)

// Stamp records the write sequence and origin on doc.
func Stamp(doc models.Document, seq int64, origin string) models.Document {
	if origin == "" {
		origin = OriginLocal
	}
	doc[models.FieldSeq] = seq
	doc[models.FieldOrigin] = origin
	return doc
}

// SeqOf returns the write sequence stamped on doc.
func SeqOf(doc models.Document) int64 {
	switch v := doc[models.FieldSeq].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case uint64:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// SelectChanges applies req to docs, which may be in any order.
func SelectChanges(docs []models.Document, req QueryRequest) QueryResult {
	matched := make([]models.Document, 0)
	for _, d := range docs {
		if SeqOf(d) <= req.ChangedSince {
			continue
		}
		if req.ExcludeOrigin != "" && d.String(models.FieldOrigin) == req.ExcludeOrigin {
			continue
		}
		if !req.Selector.Matches(d) {
			continue
		}
		matched = append(matched, d)
	}
	sort.Slice(matched, func(i, j int) bool { return SeqOf(matched[i]) < SeqOf(matched[j]) })
	if req.Limit > 0 && len(matched) > req.Limit {
		matched = matched[:req.Limit]
	}

	res := QueryResult{Documents: matched}
	if len(matched) > 0 {
		cp := SeqOf(matched[len(matched)-1])
		res.Checkpoint = &cp
	}
	return res
}
